//
// Copyright © 2025-2026 Skiff Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package libapk

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// A VersionCode is the 64-bit version identifier for a package. The upper
// 32 bits are the major half (versionCodeMajor in the manifest), the lower
// 32 bits the minor half (the classic versionCode). Ordering is plain
// unsigned comparison, which is exactly lexicographic on (major, minor).
type VersionCode uint64

// ComposeVersionCode builds a VersionCode from its two halves
func ComposeVersionCode(major, minor uint32) VersionCode {
	return VersionCode(uint64(major)<<32 | uint64(minor))
}

// Major returns the upper 32 bits of the version code
func (v VersionCode) Major() uint32 {
	return uint32(v >> 32)
}

// Minor returns the lower 32 bits of the version code
func (v VersionCode) Minor() uint32 {
	return uint32(v & 0xffffffff)
}

// String renders the version code in its canonical decimal form, which is
// also the form used in file names and metadata payloads
func (v VersionCode) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// ParseVersionCode parses the canonical decimal rendering of a version code
func ParseVersionCode(s string) (VersionCode, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version code %q: %w", s, err)
	}
	return VersionCode(u), nil
}

// identityPattern is the conservative shape we accept for application
// identities. Identities become path components, so this is deliberately
// stricter than what Android itself would tolerate.
var identityPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// MaxIdentityLength bounds the identity so it stays a sane path component
const MaxIdentityLength = 200

// ValidIdentity reports whether the given application identity is safe to
// use as a repository path component
func ValidIdentity(id string) bool {
	if len(id) == 0 || len(id) > MaxIdentityLength {
		return false
	}
	return identityPattern.MatchString(id)
}

// fingerprintPattern matches a lowercase hex SHA-256 certificate fingerprint
var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// A SignerSet is the unordered set of certificate fingerprints that signed
// a package, stored sorted and de-duplicated so that equality and the
// canonical text form are well defined.
type SignerSet []string

// NewSignerSet normalises the given fingerprints into a canonical set
func NewSignerSet(fingerprints ...string) (SignerSet, error) {
	seen := make(map[string]bool, len(fingerprints))
	var set SignerSet
	for _, fp := range fingerprints {
		fp = strings.ToLower(fp)
		if !fingerprintPattern.MatchString(fp) {
			return nil, fmt.Errorf("invalid certificate fingerprint %q", fp)
		}
		if seen[fp] {
			continue
		}
		seen[fp] = true
		set = append(set, fp)
	}
	if len(set) == 0 {
		return nil, ErrUnsigned
	}
	sort.Strings(set)
	return set, nil
}

// ParseSignerSet parses the canonical comma-joined rendering of a signer set
func ParseSignerSet(s string) (SignerSet, error) {
	if s == "" {
		return nil, ErrUnsigned
	}
	return NewSignerSet(strings.Split(s, ",")...)
}

// String renders the set in its canonical comma-joined form
func (s SignerSet) String() string {
	return strings.Join(s, ",")
}

// Equal reports whether both sets contain exactly the same fingerprints
func (s SignerSet) Equal(o SignerSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

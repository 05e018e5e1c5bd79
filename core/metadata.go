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

package core

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/skiff-project/skiff/libapk"
)

// Canonical payload constants. Readers reject any deviation from the
// canonical form, so both schema versions are frozen once clients exist.
const (
	// AppSchemaVersion versions the per-application metadata payload
	AppSchemaVersion = "1"

	// IndexSchemaVersion versions the repository index payload
	IndexSchemaVersion = "1"

	// AbsentDigest marks an optional digest that is not present
	AbsentDigest = "-"

	appMagic   = "skiff-app"
	indexMagic = "skiff-index"
)

// A Signer produces and checks signatures under the repository key. The
// repository key attests to inclusion and ordering only; it never signs
// raw package bytes.
type Signer interface {
	// Sign produces a raw signature over the streamed payload
	Sign(payload io.Reader) ([]byte, error)

	// Verify accepts exactly what Sign produces
	Verify(payload io.Reader, signature []byte) error

	// Describe names the key algorithm
	Describe() string
}

var hexDigestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// validDigest accepts a mandatory lowercase hex SHA-256
func validDigest(s string) bool {
	return hexDigestPattern.MatchString(s)
}

// validOptionalDigest additionally accepts the absent marker
func validOptionalDigest(s string) bool {
	return s == AbsentDigest || validDigest(s)
}

// validLabel rejects labels that would break the line-oriented payload
func validLabel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "\t\n")
}

// EmitAppPayload renders the canonical per-application metadata payload:
// a header line, one line per version ascending, one per delta ascending
// by source, one per rotation entry in recorded order. All fields
// tab-separated, numbers decimal, digests lowercase hex.
func EmitAppPayload(rec *AppRecord) ([]byte, error) {
	if !libapk.ValidIdentity(rec.Identity) {
		return nil, fmt.Errorf("invalid identity %q", rec.Identity)
	}
	label := rec.Label
	if label == "" {
		label = rec.Identity
	}
	if !validLabel(label) {
		return nil, fmt.Errorf("invalid label %q for %s", rec.Label, rec.Identity)
	}
	icon := rec.IconDigest
	if icon == "" {
		icon = AbsentDigest
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\t%s\t%d\t%s\t%s\t%s\n",
		appMagic, AppSchemaVersion, rec.Sequence, rec.Identity, label, icon)

	for i := range rec.Versions {
		v := &rec.Versions[i]
		notes := v.NotesDigest
		if notes == "" {
			notes = AbsentDigest
		}
		fmt.Fprintf(&buf, "version\t%s\t%s\t%d\t%d\t%s\n",
			v.Code, v.Digest, v.Size, v.MinPlatform, notes)
	}
	for i := range rec.Deltas {
		d := &rec.Deltas[i]
		fmt.Fprintf(&buf, "delta\t%s\t%s\t%s\t%d\n",
			d.From, d.To, d.Digest, d.Size)
	}
	for i := range rec.Rotations {
		r := &rec.Rotations[i]
		fmt.Fprintf(&buf, "rotation\t%s\t%s\n",
			r.Predecessor, r.Successor)
	}
	return buf.Bytes(), nil
}

// An AppManifest is the parsed form of a per-application metadata payload
type AppManifest struct {
	Sequence   uint64
	Identity   string
	Label      string
	IconDigest string
	Versions   []VersionEntry // Signers are not part of the payload
	Deltas     []DeltaEntry
	Rotations  []RotationEntry
}

// Head returns the manifest's highest version, or nil
func (m *AppManifest) Head() *VersionEntry {
	if len(m.Versions) == 0 {
		return nil
	}
	return &m.Versions[len(m.Versions)-1]
}

// ParseAppPayload is the strict reader for the canonical per-application
// payload. Unknown fields, unknown line types, out-of-order blocks and
// malformed values are all rejected outright.
func ParseAppPayload(payload []byte) (*AppManifest, error) {
	lines, err := payloadLines(payload)
	if err != nil {
		return nil, err
	}

	header := strings.Split(lines[0], "\t")
	if len(header) != 6 || header[0] != appMagic {
		return nil, fmt.Errorf("malformed metadata header")
	}
	if header[1] != AppSchemaVersion {
		return nil, fmt.Errorf("unsupported metadata schema %q", header[1])
	}
	seq, err := strconv.ParseUint(header[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed metadata sequence %q", header[2])
	}
	if !libapk.ValidIdentity(header[3]) {
		return nil, fmt.Errorf("malformed metadata identity %q", header[3])
	}
	if !validLabel(header[4]) {
		return nil, fmt.Errorf("malformed metadata label %q", header[4])
	}
	if !validOptionalDigest(header[5]) {
		return nil, fmt.Errorf("malformed icon digest %q", header[5])
	}

	m := &AppManifest{
		Sequence:   seq,
		Identity:   header[3],
		Label:      header[4],
		IconDigest: header[5],
	}

	// Blocks appear in fixed order: versions, deltas, rotations
	const (
		sectVersion = iota
		sectDelta
		sectRotation
	)
	sect := sectVersion

	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case "version":
			if sect > sectVersion {
				return nil, fmt.Errorf("version record out of order")
			}
			v, err := parseVersionLine(fields)
			if err != nil {
				return nil, err
			}
			if len(m.Versions) > 0 && v.Code <= m.Versions[len(m.Versions)-1].Code {
				return nil, fmt.Errorf("version records not strictly ascending at %s", v.Code)
			}
			m.Versions = append(m.Versions, *v)
		case "delta":
			if sect > sectDelta {
				return nil, fmt.Errorf("delta record out of order")
			}
			sect = sectDelta
			d, err := parseDeltaLine(fields)
			if err != nil {
				return nil, err
			}
			m.Deltas = append(m.Deltas, *d)
		case "rotation":
			sect = sectRotation
			r, err := parseRotationLine(fields)
			if err != nil {
				return nil, err
			}
			m.Rotations = append(m.Rotations, *r)
		default:
			return nil, fmt.Errorf("unknown metadata record %q", fields[0])
		}
	}
	return m, nil
}

func parseVersionLine(fields []string) (*VersionEntry, error) {
	if len(fields) != 6 {
		return nil, fmt.Errorf("malformed version record")
	}
	code, err := libapk.ParseVersionCode(fields[1])
	if err != nil {
		return nil, err
	}
	if !validDigest(fields[2]) {
		return nil, fmt.Errorf("malformed version digest %q", fields[2])
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("malformed version size %q", fields[3])
	}
	minPlatform, err := strconv.Atoi(fields[4])
	if err != nil || minPlatform < 0 {
		return nil, fmt.Errorf("malformed minimum platform %q", fields[4])
	}
	if !validOptionalDigest(fields[5]) {
		return nil, fmt.Errorf("malformed notes digest %q", fields[5])
	}
	return &VersionEntry{
		Code:        code,
		Digest:      fields[2],
		Size:        size,
		MinPlatform: minPlatform,
		NotesDigest: fields[5],
	}, nil
}

func parseDeltaLine(fields []string) (*DeltaEntry, error) {
	if len(fields) != 5 {
		return nil, fmt.Errorf("malformed delta record")
	}
	from, err := libapk.ParseVersionCode(fields[1])
	if err != nil {
		return nil, err
	}
	to, err := libapk.ParseVersionCode(fields[2])
	if err != nil {
		return nil, err
	}
	if from >= to {
		return nil, fmt.Errorf("delta record does not advance: %s to %s", from, to)
	}
	if !validDigest(fields[3]) {
		return nil, fmt.Errorf("malformed delta digest %q", fields[3])
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("malformed delta size %q", fields[4])
	}
	return &DeltaEntry{From: from, To: to, Digest: fields[3], Size: size}, nil
}

func parseRotationLine(fields []string) (*RotationEntry, error) {
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed rotation record")
	}
	pred, err := libapk.ParseSignerSet(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed rotation predecessor: %w", err)
	}
	succ, err := libapk.ParseSignerSet(fields[2])
	if err != nil {
		return nil, fmt.Errorf("malformed rotation successor: %w", err)
	}
	return &RotationEntry{Predecessor: pred, Successor: succ}, nil
}

// An IndexEntry is one application's line in the repository index
type IndexEntry struct {
	Identity     string
	Head         libapk.VersionCode
	HeadDigest   string
	MetaDigest   string
	MetaSize     int64
	MetaSequence uint64
}

// EmitIndexPayload renders the canonical repository index payload: a
// header carrying the repository sequence and timestamp, then one line
// per application in identity-sorted order
func EmitIndexPayload(st *RepoState, entries []IndexEntry) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\t%s\t%d\t%d\n",
		indexMagic, IndexSchemaVersion, st.Sequence, st.Timestamp)

	for i := range entries {
		e := &entries[i]
		if i > 0 && entries[i-1].Identity >= e.Identity {
			return nil, fmt.Errorf("index entries not identity-sorted at %q", e.Identity)
		}
		fmt.Fprintf(&buf, "%s\t%s\t%s\t%s\t%d\t%d\n",
			e.Identity, e.Head, e.HeadDigest, e.MetaDigest, e.MetaSize, e.MetaSequence)
	}
	return buf.Bytes(), nil
}

// An IndexManifest is the parsed form of a repository index payload
type IndexManifest struct {
	Sequence  uint64
	Timestamp int64
	Entries   []IndexEntry
}

// Entry returns the index entry for the given identity, or nil
func (m *IndexManifest) Entry(identity string) *IndexEntry {
	for i := range m.Entries {
		if m.Entries[i].Identity == identity {
			return &m.Entries[i]
		}
	}
	return nil
}

// ParseIndexPayload is the strict reader for the canonical index payload
func ParseIndexPayload(payload []byte) (*IndexManifest, error) {
	lines, err := payloadLines(payload)
	if err != nil {
		return nil, err
	}

	header := strings.Split(lines[0], "\t")
	if len(header) != 4 || header[0] != indexMagic {
		return nil, fmt.Errorf("malformed index header")
	}
	if header[1] != IndexSchemaVersion {
		return nil, fmt.Errorf("unsupported index schema %q", header[1])
	}
	seq, err := strconv.ParseUint(header[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed index sequence %q", header[2])
	}
	ts, err := strconv.ParseInt(header[3], 10, 64)
	if err != nil || ts < 0 {
		return nil, fmt.Errorf("malformed index timestamp %q", header[3])
	}

	m := &IndexManifest{Sequence: seq, Timestamp: ts}
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return nil, fmt.Errorf("malformed index entry")
		}
		if !libapk.ValidIdentity(fields[0]) {
			return nil, fmt.Errorf("malformed index identity %q", fields[0])
		}
		if len(m.Entries) > 0 && m.Entries[len(m.Entries)-1].Identity >= fields[0] {
			return nil, fmt.Errorf("index entries not identity-sorted at %q", fields[0])
		}
		head, err := libapk.ParseVersionCode(fields[1])
		if err != nil {
			return nil, err
		}
		if !validDigest(fields[2]) || !validDigest(fields[3]) {
			return nil, fmt.Errorf("malformed index digests for %q", fields[0])
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed index metadata size %q", fields[4])
		}
		mseq, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed index metadata sequence %q", fields[5])
		}
		m.Entries = append(m.Entries, IndexEntry{
			Identity:     fields[0],
			Head:         head,
			HeadDigest:   fields[2],
			MetaDigest:   fields[3],
			MetaSize:     size,
			MetaSequence: mseq,
		})
	}
	return m, nil
}

// payloadLines splits a canonical payload into its lines, requiring a
// trailing newline and forbidding empty interior lines
func payloadLines(payload []byte) ([]string, error) {
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		return nil, fmt.Errorf("payload is not newline-terminated")
	}
	lines := strings.Split(strings.TrimSuffix(string(payload), "\n"), "\n")
	for _, line := range lines {
		if line == "" {
			return nil, fmt.Errorf("payload carries an empty line")
		}
	}
	return lines, nil
}

// EncodeSignedFile wraps a canonical payload in the signed-file framing:
// line one is the base64 signature over every byte after the first
// newline, the remainder is the payload untouched
func EncodeSignedFile(s Signer, payload []byte) ([]byte, error) {
	sig, err := s.Sign(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	line := base64.StdEncoding.EncodeToString(sig)
	out := make([]byte, 0, len(line)+1+len(payload))
	out = append(out, line...)
	out = append(out, '\n')
	return append(out, payload...), nil
}

// SplitSignedFile separates a signed file into its decoded signature and
// payload without verifying anything
func SplitSignedFile(data []byte) (sig []byte, payload []byte, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil, fmt.Errorf("signed file carries no signature line")
	}
	sig, err = base64.StdEncoding.DecodeString(string(data[:idx]))
	if err != nil {
		return nil, nil, fmt.Errorf("malformed signature line: %w", err)
	}
	return sig, data[idx+1:], nil
}

// VerifySignedFile checks the framing signature and returns the payload
func VerifySignedFile(s Signer, data []byte) ([]byte, error) {
	sig, payload, err := SplitSignedFile(data)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(bytes.NewReader(payload), sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexSignatureInvalid, err)
	}
	return payload, nil
}

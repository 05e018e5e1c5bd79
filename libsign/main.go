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

// Package libsign wraps the repository signing key. The repository key is
// operator-held and entirely distinct from the application signing
// certificates; it only ever attests to metadata, never to package bytes.
//
// Keys are a tagged variant over the supported algorithms: RSA keys sign
// with PSS padding, EC keys with ASN.1 ECDSA, both over a streamed
// SHA-256 of the payload so large payloads never sit in memory.
package libsign

import (
	"errors"
)

var (
	// ErrUnsupportedKey is returned when a key's algorithm has no variant here
	ErrUnsupportedKey = errors.New("Unsupported key algorithm")

	// ErrNoPrivateKey is returned when signing is requested from a
	// verification-only key
	ErrNoPrivateKey = errors.New("Key has no private half, cannot sign")

	// ErrBadSignature is returned when a signature does not verify
	ErrBadSignature = errors.New("Signature verification failed")
)

// Algorithm tags the supported key variants
type Algorithm int

const (
	// RSA keys sign with PSS padding over SHA-256
	RSA Algorithm = iota

	// EC keys sign ASN.1 ECDSA over SHA-256
	EC
)

// String yields the short human name for the algorithm
func (a Algorithm) String() string {
	switch a {
	case RSA:
		return "RSA"
	case EC:
		return "EC"
	default:
		return "unknown"
	}
}

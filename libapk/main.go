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

// Package libapk provides read-only access to Android application packages.
//
// An .apk file is a ZIP archive. The pieces we care about are the binary
// AndroidManifest.xml, which carries the application identity and version
// code, and the META-INF signature blocks, which carry the signing
// certificates. We never mutate the archive; the inspector only extracts
// the identity tuple the repository needs to reason about a package.
package libapk

import (
	"errors"
)

var (
	// ErrMalformed is returned when a candidate package is structurally
	// broken: not a zip, missing its manifest, or carrying nonsense values
	ErrMalformed = errors.New("Package file is malformed")

	// ErrUnsigned is returned when no signature block is present at all
	ErrUnsigned = errors.New("Package file carries no signature block")

	// ErrUnsupportedIdentityScheme is returned when the only signature
	// blocks present use an algorithm the signing adapter cannot represent
	ErrUnsupportedIdentityScheme = errors.New("Package signature scheme is not supported")
)

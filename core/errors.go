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
	"errors"
)

// Input errors: the candidate is rejected and the whole batch aborts.
var (
	// ErrDowngradeOrDuplicate rejects a candidate that does not strictly
	// advance the application's head version code
	ErrDowngradeOrDuplicate = errors.New("Version code must be strictly greater than the current head")

	// ErrIdentityMismatch rejects a candidate whose identity does not
	// match the history it was validated against
	ErrIdentityMismatch = errors.New("Candidate identity does not match the application history")

	// ErrSignerMismatch rejects a candidate whose signer set is neither
	// equal to the head's nor authorized by a recorded rotation
	ErrSignerMismatch = errors.New("Candidate signer set is not compatible with the application history")

	// ErrPlatformRegression rejects a candidate whose minimum platform
	// drops below the head's by more than the configured relaxation
	ErrPlatformRegression = errors.New("Candidate minimum platform regresses below the current head")
)

// Fatal consistency errors: detected by startup validation; the
// coordinator refuses to publish until the operator resolves them.
var (
	// ErrIndexSignatureInvalid means the published index or metadata does
	// not verify under the repository key
	ErrIndexSignatureInvalid = errors.New("Repository signature is invalid")

	// ErrMetadataDigestMismatch means published metadata disagrees with
	// what is actually on disk
	ErrMetadataDigestMismatch = errors.New("On-disk state does not match the published metadata")

	// ErrOrphanedDelta means a published delta references an endpoint
	// that is not in the store
	ErrOrphanedDelta = errors.New("Published delta references a missing endpoint")

	// ErrMissingPackage means a published package file is absent on disk
	ErrMissingPackage = errors.New("Published package file is missing from the store")
)

// Operational errors.
var (
	// ErrUnknownApp is returned when an operation names an application
	// the repository has never seen
	ErrUnknownApp = errors.New("The specified application does not exist in the repository")

	// ErrBatchRejected is returned when one or more candidates in an
	// ingest batch failed validation; the per-candidate report carries
	// the detail
	ErrBatchRejected = errors.New("One or more candidates were rejected, nothing was published")
)

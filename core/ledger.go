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
	"fmt"
	"sort"
	"strings"

	"github.com/boltdb/bolt"

	"github.com/skiff-project/skiff/libapk"
)

const (
	// DatabaseBucketApps is the identifier for the application records bucket
	DatabaseBucketApps = "apps"

	// DatabaseBucketRepo is the identifier for the repository state bucket
	DatabaseBucketRepo = "repo"

	// DatabaseBucketDeltaSkip is the identifier for recorded not-worthwhile deltas
	DatabaseBucketDeltaSkip = "deltaSkip"

	// DatabaseBucketGroups is the identifier for named release groups
	DatabaseBucketGroups = "groups"

	// LedgerSchemaVersion is the current schema version for ledger records
	LedgerSchemaVersion = "1.0"

	// repoStateKey is the single key within the repo bucket
	repoStateKey = "state"
)

// A VersionEntry is one published version within an application's history
type VersionEntry struct {
	Code        libapk.VersionCode // Full 64-bit version code
	Digest      string             // SHA-256 of the package file
	Size        int64              // Package file size in bytes
	MinPlatform int                // Minimum supported platform version
	NotesDigest string             // SHA-256 of the release notes, or "-"
	Signers     libapk.SignerSet   // Certificates that signed this version
}

// A DeltaEntry is one published delta patch
type DeltaEntry struct {
	From   libapk.VersionCode // Source version
	To     libapk.VersionCode // Target version
	Digest string             // SHA-256 of the patch file
	Size   int64              // Patch file size in bytes
}

// A RotationEntry authorises one signer-set transition. Entries are
// operator-recorded, ordered, and immutable once recorded.
type RotationEntry struct {
	Predecessor libapk.SignerSet // The signer set being rotated away from
	Successor   libapk.SignerSet // The signer set taking over
}

// An AppRecord is the ledger's unit of storage: the full ordered history
// of one application plus everything needed to republish its metadata.
type AppRecord struct {
	SchemaVersion string             // Version used when this record was created
	Identity      string             // Reverse-DNS application identity
	Label         string             // Display label
	IconDigest    string             // SHA-256 of the published icon, or "-"
	Group         string             // Optional release group name
	Sequence      uint64             // Per-application publication sequence
	Versions      []VersionEntry     // Strictly ascending by Code
	Deltas        []DeltaEntry       // Current delta set, ascending by From
	Rotations     []RotationEntry    // Signer rotation chain, in recorded order
	ReleaseNotes  map[string]string  // Version code (decimal) to notes text
	MetaDigest    string             // SHA-256 of the published signed metadata
	MetaSize      int64              // Size of the published signed metadata
}

// Head returns the highest published version, or nil for an empty record
func (r *AppRecord) Head() *VersionEntry {
	if len(r.Versions) == 0 {
		return nil
	}
	return &r.Versions[len(r.Versions)-1]
}

// FindVersion returns the entry for the given code, or nil
func (r *AppRecord) FindVersion(code libapk.VersionCode) *VersionEntry {
	for i := range r.Versions {
		if r.Versions[i].Code == code {
			return &r.Versions[i]
		}
	}
	return nil
}

// RepoState is the repository-wide publication state
type RepoState struct {
	SchemaVersion string // Version used when this state was created
	Sequence      uint64 // Strictly increasing per publication
	Timestamp     int64  // Unix seconds of the last publication
}

// The Ledger maintains per-application history inside the bolt database.
// It decides whether a candidate may extend a history; committing the
// extension is the coordinator's job.
type Ledger struct{}

// NewLedger returns a ledger view over the manager's database
func NewLedger() *Ledger {
	return &Ledger{}
}

// Init will create our initial DB buckets
func (l *Ledger) Init(tx *bolt.Tx) error {
	buckets := []string{
		DatabaseBucketApps,
		DatabaseBucketRepo,
		DatabaseBucketDeltaSkip,
		DatabaseBucketGroups,
	}
	for _, b := range buckets {
		if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
			return err
		}
	}
	return nil
}

// GetApp will return the application record for the given identity, or
// nil without error when the application is unknown
func (l *Ledger) GetApp(tx *bolt.Tx, identity string) (*AppRecord, error) {
	v := tx.Bucket([]byte(DatabaseBucketApps)).Get([]byte(identity))
	if v == nil {
		return nil, nil
	}
	rec := &AppRecord{}
	dec := NewGobDecoderLight()
	if err := dec.DecodeType(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutApp will store the application record under its identity
func (l *Ledger) PutApp(tx *bolt.Tx, rec *AppRecord) error {
	enc := NewGobEncoderLight()
	data, err := enc.EncodeType(rec)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(DatabaseBucketApps)).Put([]byte(rec.Identity), data)
}

// AppIdentities returns every known identity in ascending order
func (l *Ledger) AppIdentities(tx *bolt.Tx) ([]string, error) {
	var ids []string
	err := tx.Bucket([]byte(DatabaseBucketApps)).ForEach(func(k, v []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}

// RepoState returns the repository publication state, zero-valued for a
// fresh repository
func (l *Ledger) RepoState(tx *bolt.Tx) (*RepoState, error) {
	v := tx.Bucket([]byte(DatabaseBucketRepo)).Get([]byte(repoStateKey))
	if v == nil {
		return &RepoState{SchemaVersion: LedgerSchemaVersion}, nil
	}
	st := &RepoState{}
	dec := NewGobDecoderLight()
	if err := dec.DecodeType(v, st); err != nil {
		return nil, err
	}
	return st, nil
}

// PutRepoState stores the repository publication state
func (l *Ledger) PutRepoState(tx *bolt.Tx, st *RepoState) error {
	enc := NewGobEncoderLight()
	data, err := enc.EncodeType(st)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(DatabaseBucketRepo)).Put([]byte(repoStateKey), data)
}

// deltaSkipKey builds the key recording a not-worthwhile delta pair
func deltaSkipKey(identity string, from, to libapk.VersionCode) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", identity, from, to))
}

// MarkDeltaSkipped will insert a record indicating that producing this
// delta is not worthwhile, so we never attempt the expensive generation
// again
func (l *Ledger) MarkDeltaSkipped(tx *bolt.Tx, identity string, from, to libapk.VersionCode) error {
	return tx.Bucket([]byte(DatabaseBucketDeltaSkip)).Put(deltaSkipKey(identity, from, to), []byte{1})
}

// IsDeltaSkipped will determine if generation of this delta has been
// recorded as not worthwhile in the past
func (l *Ledger) IsDeltaSkipped(tx *bolt.Tx, identity string, from, to libapk.VersionCode) bool {
	return tx.Bucket([]byte(DatabaseBucketDeltaSkip)).Get(deltaSkipKey(identity, from, to)) != nil
}

// SetGroup stores a named release group over the given identities
func (l *Ledger) SetGroup(tx *bolt.Tx, group string, members []string) error {
	sorted := append([]string{}, members...)
	sort.Strings(sorted)
	return tx.Bucket([]byte(DatabaseBucketGroups)).Put([]byte(group), []byte(strings.Join(sorted, "\n")))
}

// GetGroup returns the members of a named release group, or nil
func (l *Ledger) GetGroup(tx *bolt.Tx, group string) []string {
	v := tx.Bucket([]byte(DatabaseBucketGroups)).Get([]byte(group))
	if v == nil {
		return nil
	}
	return strings.Split(string(v), "\n")
}

// Groups returns every named release group and its members
func (l *Ledger) Groups(tx *bolt.Tx) (map[string][]string, error) {
	out := make(map[string][]string)
	err := tx.Bucket([]byte(DatabaseBucketGroups)).ForEach(func(k, v []byte) error {
		out[string(k)] = strings.Split(string(v), "\n")
		return nil
	})
	return out, err
}

// SignerCompatible reports whether a transition from prev to next signer
// sets is admissible: either the sets are equal, or an entry in the
// rotation chain authorises exactly this transition
func SignerCompatible(prev, next libapk.SignerSet, rotations []RotationEntry) bool {
	if prev.Equal(next) {
		return true
	}
	for _, rot := range rotations {
		if rot.Predecessor.Equal(prev) && rot.Successor.Equal(next) {
			return true
		}
	}
	return false
}

// ValidateCandidate decides whether the candidate package may extend the
// given history. A nil record means first ingest, which is always
// admissible. On accept the ledger proposes the new head without
// committing anything; commit happens in the coordinator.
func (l *Ledger) ValidateCandidate(rec *AppRecord, pkg *libapk.Package, relaxation int) error {
	if rec == nil || len(rec.Versions) == 0 {
		return nil
	}
	head := rec.Head()

	if pkg.Version <= head.Code {
		return fmt.Errorf("%w: candidate %s, head %s", ErrDowngradeOrDuplicate, pkg.Version, head.Code)
	}
	if pkg.Identity != rec.Identity {
		return fmt.Errorf("%w: candidate %q, history %q", ErrIdentityMismatch, pkg.Identity, rec.Identity)
	}
	if !SignerCompatible(head.Signers, pkg.Signers, rec.Rotations) {
		return fmt.Errorf("%w: %s", ErrSignerMismatch, pkg.Identity)
	}
	if pkg.MinPlatform < head.MinPlatform-relaxation {
		return fmt.Errorf("%w: candidate %d, head %d", ErrPlatformRegression, pkg.MinPlatform, head.MinPlatform)
	}
	return nil
}

// RecordRotation appends a rotation entry moving the application from its
// current head signer set to the given successor set. Entries are never
// rewritten or removed.
func (r *AppRecord) RecordRotation(successor libapk.SignerSet) error {
	head := r.Head()
	if head == nil {
		return fmt.Errorf("%w: %s has no published versions to rotate from", ErrUnknownApp, r.Identity)
	}
	if head.Signers.Equal(successor) {
		return fmt.Errorf("rotation for %s is a no-op", r.Identity)
	}
	r.Rotations = append(r.Rotations, RotationEntry{
		Predecessor: append(libapk.SignerSet{}, head.Signers...),
		Successor:   append(libapk.SignerSet{}, successor...),
	})
	return nil
}

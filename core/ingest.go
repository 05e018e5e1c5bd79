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
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/sirupsen/logrus"

	"github.com/skiff-project/skiff/libapk"
	"github.com/skiff-project/skiff/libdelta"
)

// An Inspector parses candidate package files into their identity tuple
type Inspector interface {
	Inspect(path string) (*libapk.Package, error)
}

// A DeltaEngine produces and applies binary patches between package
// files. Generate must be deterministic and must report a not-worthwhile
// patch with an error satisfying errors.Is against
// libdelta.ErrPatchTooLarge.
type DeltaEngine interface {
	Generate(ctx context.Context, oldPath, newPath, outPath string, maxFraction float64) error
	Apply(oldPath, patchPath, outPath string) error
}

// The Manager is the ingest coordinator: the single component that sees a
// whole transaction. Everything below it (ledger, planner, store,
// adapters) is invoked from here and never cross-cuts.
type Manager struct {
	ctx       *Context
	config    *Config
	db        *bolt.DB
	store     *Store
	ledger    *Ledger
	inspector Inspector
	engine    DeltaEngine
	signer    Signer
}

// NewManager will acquire the repository lock, open the ledger database
// and discard any staging orphans left by a dead transaction. The caller
// owns the manager and must Close it to release the lock.
func NewManager(ctx *Context, config *Config, inspector Inspector, engine DeltaEngine, signer Signer) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		ctx:       ctx,
		config:    config,
		store:     NewStore(ctx),
		ledger:    NewLedger(),
		inspector: inspector,
		engine:    engine,
		signer:    signer,
	}

	if err := m.store.AcquireLock(); err != nil {
		return nil, err
	}

	db, err := bolt.Open(ctx.DbPath, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		m.store.ReleaseLock()
		return nil, err
	}
	m.db = db

	if err := db.Update(func(tx *bolt.Tx) error {
		return m.ledger.Init(tx)
	}); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.store.Init(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.store.DiscardOrphans(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the database and the repository lock
func (m *Manager) Close() {
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
	m.store.ReleaseLock()
}

// A CandidateResult is the per-candidate outcome of an ingest batch
type CandidateResult struct {
	Path     string             // The candidate file as given by the operator
	Identity string             // Extracted identity, when inspection succeeded
	Version  libapk.VersionCode // Extracted version, when inspection succeeded
	Err      error              // nil when the candidate was accepted
}

// An IngestReport summarises one ingest transaction for the operator
type IngestReport struct {
	Candidates    []CandidateResult
	RepoSequence  uint64
	NewDeltas     int
	SkippedDeltas int
	PrunedDeltas  int
}

// Failed reports whether any candidate was rejected
func (r *IngestReport) Failed() bool {
	for i := range r.Candidates {
		if r.Candidates[i].Err != nil {
			return true
		}
	}
	return false
}

// newAppRecord seeds the record for a first-time application
func newAppRecord(identity string) *AppRecord {
	return &AppRecord{
		SchemaVersion: LedgerSchemaVersion,
		Identity:      identity,
		Label:         identity,
		IconDigest:    AbsentDigest,
		ReleaseNotes:  make(map[string]string),
	}
}

// Ingest executes a single all-or-nothing transaction over the candidate
// package files, in caller-specified order: inspect and validate every
// candidate, stage the new packages, replan and regenerate deltas, rebuild
// every touched application's metadata plus the repository index, and
// commit the whole staged set atomically. Any error leaves the published
// tree untouched.
func (m *Manager) Ingest(ctx context.Context, paths []string) (*IngestReport, error) {
	report := &IngestReport{}
	batch := m.store.NewBatch()
	defer batch.Discard()

	err := m.db.Update(func(tx *bolt.Tx) error {
		recs := make(map[string]*AppRecord)
		stagedPkgs := make(map[string]map[libapk.VersionCode]string)

		// Validate the whole batch up front so the report can name every
		// rejected candidate, not just the first
		type candidate struct {
			path string
			pkg  *libapk.Package
		}
		var accepted []candidate

		for _, p := range paths {
			result := CandidateResult{Path: p}
			pkg, err := m.inspector.Inspect(p)
			if err != nil {
				result.Err = err
				report.Candidates = append(report.Candidates, result)
				continue
			}
			result.Identity = pkg.Identity
			result.Version = pkg.Version

			rec, ok := recs[pkg.Identity]
			if !ok {
				stored, err := m.ledger.GetApp(tx, pkg.Identity)
				if err != nil {
					return err
				}
				if stored == nil {
					stored = newAppRecord(pkg.Identity)
				}
				rec = stored
				recs[pkg.Identity] = rec
			}

			if err := m.ledger.ValidateCandidate(rec, pkg, m.config.PlatformRelaxation); err != nil {
				result.Err = err
				report.Candidates = append(report.Candidates, result)
				continue
			}

			rec.Versions = append(rec.Versions, VersionEntry{
				Code:        pkg.Version,
				Digest:      pkg.Digest,
				Size:        pkg.Size,
				MinPlatform: pkg.MinPlatform,
				NotesDigest: AbsentDigest,
				Signers:     pkg.Signers,
			})
			accepted = append(accepted, candidate{path: p, pkg: pkg})
			report.Candidates = append(report.Candidates, result)
		}

		if report.Failed() {
			return ErrBatchRejected
		}
		if len(accepted) == 0 {
			return fmt.Errorf("no candidate packages given")
		}

		// Stage the accepted packages into the tree
		for _, c := range accepted {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(c.path)
			if err != nil {
				return err
			}
			sf, err := batch.Stage(PackageRel(c.pkg.Identity, c.pkg.Version), f)
			f.Close()
			if err != nil {
				return err
			}
			if sf.Digest != c.pkg.Digest {
				return fmt.Errorf("candidate %s changed while staging", c.path)
			}
			if stagedPkgs[c.pkg.Identity] == nil {
				stagedPkgs[c.pkg.Identity] = make(map[libapk.VersionCode]string)
			}
			stagedPkgs[c.pkg.Identity][c.pkg.Version] = sf.Temp

			log.WithFields(log.Fields{
				"identity": c.pkg.Identity,
				"version":  c.pkg.Version.String(),
				"size":     c.pkg.Size,
			}).Info("Staged candidate package")
		}

		// Replan and regenerate deltas, then republish, one application at
		// a time in identity order so the produced set is deterministic
		var touched []string
		for id := range recs {
			touched = append(touched, id)
		}
		sort.Strings(touched)

		for _, id := range touched {
			rec := recs[id]
			if err := m.replanApp(ctx, tx, rec, stagedPkgs[id], batch, report); err != nil {
				return err
			}
			rec.Sequence++
			if err := m.emitApp(rec, batch); err != nil {
				return err
			}
			if err := m.ledger.PutApp(tx, rec); err != nil {
				return err
			}
		}

		st, err := m.ledger.RepoState(tx)
		if err != nil {
			return err
		}
		st.Sequence++
		st.Timestamp = time.Now().UTC().Unix()
		if err := m.ledger.PutRepoState(tx, st); err != nil {
			return err
		}
		if err := m.emitIndex(tx, st, batch); err != nil {
			return err
		}
		report.RepoSequence = st.Sequence

		return batch.Commit()
	})

	if err != nil {
		return report, err
	}

	log.WithFields(log.Fields{
		"sequence":   report.RepoSequence,
		"candidates": len(report.Candidates),
		"deltas":     report.NewDeltas,
	}).Info("Published repository")
	return report, nil
}

// replanApp recomputes one application's delta set after its history
// changed: stale deltas become staged removals, missing window deltas are
// generated in parallel, and pairs the engine refuses as not worthwhile
// are recorded so we never retry them
func (m *Manager) replanApp(ctx context.Context, tx *bolt.Tx, rec *AppRecord, staged map[libapk.VersionCode]string, batch *StagedBatch, report *IngestReport) error {
	plan := PlanDeltas(rec, m.config.DeltaWindow, func(from, to libapk.VersionCode) bool {
		return m.ledger.IsDeltaSkipped(tx, rec.Identity, from, to)
	})

	// Resolve an endpoint to its on-disk bytes: packages staged in this
	// transaction are not renamed yet, so their temp files stand in
	pkgPath := func(code libapk.VersionCode) string {
		if p, ok := staged[code]; ok {
			return p
		}
		return m.store.Abs(PackageRel(rec.Identity, code))
	}

	outcomes, err := m.generateDeltas(ctx, rec.Identity, plan.Generate, pkgPath)
	if err != nil {
		return err
	}

	deltas := append([]DeltaEntry{}, plan.Keep...)
	for _, out := range outcomes {
		if out.skipped {
			if err := m.ledger.MarkDeltaSkipped(tx, rec.Identity, out.pair.From.Code, out.pair.To.Code); err != nil {
				return err
			}
			report.SkippedDeltas++
			log.WithFields(log.Fields{
				"identity": rec.Identity,
				"from":     out.pair.From.Code.String(),
				"to":       out.pair.To.Code.String(),
			}).Warn("Delta not worthwhile, clients will fall back to the full package")
			continue
		}
		batch.Adopt(out.sf)
		deltas = append(deltas, DeltaEntry{
			From:   out.pair.From.Code,
			To:     out.pair.To.Code,
			Digest: out.sf.Digest,
			Size:   out.sf.Size,
		})
		report.NewDeltas++
	}
	sort.Slice(deltas, func(a, b int) bool { return deltas[a].From < deltas[b].From })
	rec.Deltas = deltas

	for _, d := range plan.Prune {
		batch.StageRemoval(DeltaRel(rec.Identity, d.From, d.To))
		report.PrunedDeltas++
	}
	return nil
}

// A deltaOutcome is one worker's result
type deltaOutcome struct {
	pair    DeltaPair
	sf      *StagedFile
	skipped bool
}

// generateDeltas drives the delta engine across the wanted pairs through
// a bounded worker pool. Each worker task is pure over its two immutable
// input files; staging handles are created up front on the coordinating
// goroutine so the store sees no concurrent mutation.
func (m *Manager) generateDeltas(ctx context.Context, identity string, pairs []DeltaPair, pkgPath func(libapk.VersionCode) string) ([]deltaOutcome, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	type job struct {
		pair DeltaPair
		sf   *StagedFile
	}
	jobs := make([]job, 0, len(pairs))
	for _, pair := range pairs {
		sf, err := m.store.StagePath(DeltaRel(identity, pair.From.Code, pair.To.Code))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{pair: pair, sf: sf})
	}

	workers := m.config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	type result struct {
		out deltaOutcome
		err error
	}
	feed := make(chan job)
	results := make(chan result, len(jobs))

	for i := 0; i < workers; i++ {
		go func() {
			for j := range feed {
				err := m.engine.Generate(ctx,
					pkgPath(j.pair.From.Code), pkgPath(j.pair.To.Code),
					j.sf.Temp, m.config.PatchCap)
				if err != nil {
					if errors.Is(err, libdelta.ErrPatchTooLarge) {
						os.Remove(j.sf.Temp)
						results <- result{out: deltaOutcome{pair: j.pair, skipped: true}}
						continue
					}
					results <- result{err: err}
					continue
				}
				if err := m.store.FinalizeStaged(j.sf); err != nil {
					results <- result{err: err}
					continue
				}
				results <- result{out: deltaOutcome{pair: j.pair, sf: j.sf}}
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, j := range jobs {
			select {
			case feed <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	var outcomes []deltaOutcome
	var firstErr error
	for range jobs {
		select {
		case r := <-results:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
			if r.err == nil {
				outcomes = append(outcomes, r.out)
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}

	if firstErr != nil {
		// Unwind: remove every temp this pool created. Handles were never
		// adopted into the batch, so this is our cleanup to do.
		for _, j := range jobs {
			os.Remove(j.sf.Temp)
		}
		return nil, firstErr
	}

	sort.Slice(outcomes, func(a, b int) bool {
		return outcomes[a].pair.From.Code < outcomes[b].pair.From.Code
	})
	return outcomes, nil
}

// emitApp renders, signs and stages one application's metadata, recording
// the resulting digest and size on the record for the index
func (m *Manager) emitApp(rec *AppRecord, batch *StagedBatch) error {
	if m.signer == nil {
		return fmt.Errorf("no signing key available, cannot publish")
	}
	payload, err := EmitAppPayload(rec)
	if err != nil {
		return err
	}
	signed, err := EncodeSignedFile(m.signer, payload)
	if err != nil {
		return err
	}
	sf, err := batch.StageBytes(MetadataRel(rec.Identity), signed)
	if err != nil {
		return err
	}
	rec.MetaDigest = sf.Digest
	rec.MetaSize = sf.Size
	return nil
}

// emitIndex renders, signs and stages the repository index plus its
// convenience sidecars from the ledger state within this transaction
func (m *Manager) emitIndex(tx *bolt.Tx, st *RepoState, batch *StagedBatch) error {
	if m.signer == nil {
		return fmt.Errorf("no signing key available, cannot publish")
	}

	ids, err := m.ledger.AppIdentities(tx)
	if err != nil {
		return err
	}
	entries := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := m.ledger.GetApp(tx, id)
		if err != nil {
			return err
		}
		head := rec.Head()
		if head == nil {
			return fmt.Errorf("application %s has no published versions", id)
		}
		entries = append(entries, IndexEntry{
			Identity:     rec.Identity,
			Head:         head.Code,
			HeadDigest:   head.Digest,
			MetaDigest:   rec.MetaDigest,
			MetaSize:     rec.MetaSize,
			MetaSequence: rec.Sequence,
		})
	}

	payload, err := EmitIndexPayload(st, entries)
	if err != nil {
		return err
	}
	signed, err := EncodeSignedFile(m.signer, payload)
	if err != nil {
		return err
	}
	if _, err := batch.StageBytes(IndexName, signed); err != nil {
		return err
	}

	compressed, err := XzCompress(signed)
	if err != nil {
		return err
	}
	if _, err := batch.StageBytes(IndexName+".xz", compressed); err != nil {
		return err
	}
	_, err = batch.StageBytes(IndexName+".sha256sum", []byte(Sha256sum(signed)+"\n"))
	return err
}

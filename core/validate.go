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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/sirupsen/logrus"

	"github.com/skiff-project/skiff/libapk"
)

// Check verifies the published tree against the ledger without changing
// anything: index and metadata signatures, digest agreement between index,
// metadata, ledger and disk, and the existence of every referenced package
// and delta endpoint. With deep set, package and patch contents are
// re-digested in full rather than trusted by size.
//
// Any error returned here is a fatal consistency error: the coordinator
// must not publish on top of a tree that fails Check.
func (m *Manager) Check(deep bool) error {
	if m.signer == nil {
		return fmt.Errorf("no repository key available, cannot verify signatures")
	}
	return m.db.View(func(tx *bolt.Tx) error {
		st, err := m.ledger.RepoState(tx)
		if err != nil {
			return err
		}

		indexPath := m.store.Abs(IndexName)
		if !PathExists(indexPath) {
			if st.Sequence == 0 {
				return nil
			}
			return fmt.Errorf("%w: index file is missing", ErrMetadataDigestMismatch)
		}

		data, err := os.ReadFile(indexPath)
		if err != nil {
			return err
		}
		payload, err := VerifySignedFile(m.signer, data)
		if err != nil {
			return err
		}
		idx, err := ParseIndexPayload(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataDigestMismatch, err)
		}
		if idx.Sequence != st.Sequence {
			return fmt.Errorf("%w: index sequence %d, ledger sequence %d",
				ErrMetadataDigestMismatch, idx.Sequence, st.Sequence)
		}

		ids, err := m.ledger.AppIdentities(tx)
		if err != nil {
			return err
		}
		if len(ids) != len(idx.Entries) {
			return fmt.Errorf("%w: index lists %d applications, ledger %d",
				ErrMetadataDigestMismatch, len(idx.Entries), len(ids))
		}
		for _, id := range ids {
			rec, err := m.ledger.GetApp(tx, id)
			if err != nil {
				return err
			}
			entry := idx.Entry(id)
			if entry == nil {
				return fmt.Errorf("%w: %s is missing from the index", ErrMetadataDigestMismatch, id)
			}
			if err := m.checkApp(rec, entry, deep); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkApp verifies one application's published state in depth
func (m *Manager) checkApp(rec *AppRecord, entry *IndexEntry, deep bool) error {
	id := rec.Identity

	data, err := os.ReadFile(m.store.Abs(MetadataRel(id)))
	if err != nil {
		return fmt.Errorf("%w: metadata for %s: %v", ErrMetadataDigestMismatch, id, err)
	}
	digest := Sha256sum(data)
	if digest != entry.MetaDigest || int64(len(data)) != entry.MetaSize {
		return fmt.Errorf("%w: metadata for %s does not match the index", ErrMetadataDigestMismatch, id)
	}
	if digest != rec.MetaDigest {
		return fmt.Errorf("%w: metadata for %s does not match the ledger", ErrMetadataDigestMismatch, id)
	}

	payload, err := VerifySignedFile(m.signer, data)
	if err != nil {
		return fmt.Errorf("%w (metadata for %s)", err, id)
	}
	man, err := ParseAppPayload(payload)
	if err != nil {
		return fmt.Errorf("%w: metadata for %s: %v", ErrMetadataDigestMismatch, id, err)
	}
	if man.Identity != id || man.Sequence != rec.Sequence {
		return fmt.Errorf("%w: metadata for %s disagrees with the ledger", ErrMetadataDigestMismatch, id)
	}
	head := rec.Head()
	if head == nil || entry.Head != head.Code || entry.HeadDigest != head.Digest {
		return fmt.Errorf("%w: head of %s disagrees with the index", ErrMetadataDigestMismatch, id)
	}

	if len(man.Versions) != len(rec.Versions) {
		return fmt.Errorf("%w: version list for %s disagrees with the ledger", ErrMetadataDigestMismatch, id)
	}
	for i := range man.Versions {
		mv, lv := &man.Versions[i], &rec.Versions[i]
		if mv.Code != lv.Code || mv.Digest != lv.Digest || mv.Size != lv.Size ||
			mv.MinPlatform != lv.MinPlatform || mv.NotesDigest != lv.NotesDigest {
			return fmt.Errorf("%w: version %s of %s disagrees with the ledger",
				ErrMetadataDigestMismatch, mv.Code, id)
		}
		pkgPath := m.store.Abs(PackageRel(id, mv.Code))
		st, err := os.Stat(pkgPath)
		if err != nil {
			return fmt.Errorf("%w: %s version %s", ErrMissingPackage, id, mv.Code)
		}
		if st.Size() != mv.Size {
			return fmt.Errorf("%w: package %s version %s has size %d, expected %d",
				ErrMetadataDigestMismatch, id, mv.Code, st.Size(), mv.Size)
		}
		if deep {
			onDisk, err := FileSha256sum(pkgPath)
			if err != nil {
				return err
			}
			if onDisk != mv.Digest {
				return fmt.Errorf("%w: package %s version %s content drifted",
					ErrMetadataDigestMismatch, id, mv.Code)
			}
		}
	}

	for i := range man.Deltas {
		d := &man.Deltas[i]
		if man.findVersion(d.From) == nil || man.findVersion(d.To) == nil {
			return fmt.Errorf("%w: %s delta %s to %s", ErrOrphanedDelta, id, d.From, d.To)
		}
		patchPath := m.store.Abs(DeltaRel(id, d.From, d.To))
		st, err := os.Stat(patchPath)
		if err != nil {
			return fmt.Errorf("%w: %s delta %s to %s has no patch file", ErrOrphanedDelta, id, d.From, d.To)
		}
		if st.Size() != d.Size {
			return fmt.Errorf("%w: patch %s %s to %s has size %d, expected %d",
				ErrMetadataDigestMismatch, id, d.From, d.To, st.Size(), d.Size)
		}
		if deep {
			onDisk, err := FileSha256sum(patchPath)
			if err != nil {
				return err
			}
			if onDisk != d.Digest {
				return fmt.Errorf("%w: patch %s %s to %s content drifted",
					ErrMetadataDigestMismatch, id, d.From, d.To)
			}
		}
	}

	if man.IconDigest != AbsentDigest {
		iconPath := m.store.Abs(IconRel(id))
		if !PathExists(iconPath) {
			return fmt.Errorf("%w: icon for %s", ErrMissingPackage, id)
		}
		if deep {
			onDisk, err := FileSha256sum(iconPath)
			if err != nil {
				return err
			}
			if onDisk != man.IconDigest {
				return fmt.Errorf("%w: icon for %s content drifted", ErrMetadataDigestMismatch, id)
			}
		}
	}
	return nil
}

// findVersion returns the manifest entry for the given code, or nil
func (m *AppManifest) findVersion(code libapk.VersionCode) *VersionEntry {
	for i := range m.Versions {
		if m.Versions[i].Code == code {
			return &m.Versions[i]
		}
	}
	return nil
}

// Reconcile repairs the asymmetries a crash can leave between the ledger
// and the published tree. Per application and for the index, whichever
// side carries the higher sequence wins: a tree ahead of the ledger
// rebuilds the ledger records from the signed metadata (re-inspecting
// package files to recover signer sets), a tree behind the ledger is
// republished from it. Files no application references any more are
// removed. Signature failures are never repaired; they are tampering, not
// crash damage.
func (m *Manager) Reconcile() error {
	if m.signer == nil {
		return fmt.Errorf("no repository key available, cannot verify signatures")
	}
	if err := m.store.DiscardOrphans(); err != nil {
		return err
	}

	batch := m.store.NewBatch()
	defer batch.Discard()

	return m.db.Update(func(tx *bolt.Tx) error {
		ids, err := m.ledger.AppIdentities(tx)
		if err != nil {
			return err
		}
		union := make(map[string]bool)
		for _, id := range ids {
			union[id] = true
		}
		appsDir := filepath.Join(m.ctx.RepoPath, AppsPathComponent)
		if entries, err := os.ReadDir(appsDir); err == nil {
			for _, e := range entries {
				if e.IsDir() && libapk.ValidIdentity(e.Name()) {
					union[e.Name()] = true
				}
			}
		}
		var all []string
		for id := range union {
			all = append(all, id)
		}
		sort.Strings(all)

		republished := false
		for _, id := range all {
			changed, err := m.reconcileApp(tx, id, batch)
			if err != nil {
				return err
			}
			republished = republished || changed
		}

		st, err := m.ledger.RepoState(tx)
		if err != nil {
			return err
		}

		indexPath := m.store.Abs(IndexName)
		if PathExists(indexPath) {
			data, err := os.ReadFile(indexPath)
			if err != nil {
				return err
			}
			payload, err := VerifySignedFile(m.signer, data)
			if err != nil {
				return err
			}
			idx, err := ParseIndexPayload(payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataDigestMismatch, err)
			}
			if idx.Sequence > st.Sequence {
				st.Sequence = idx.Sequence
				st.Timestamp = idx.Timestamp
				if err := m.ledger.PutRepoState(tx, st); err != nil {
					return err
				}
			} else if idx.Sequence < st.Sequence {
				republished = true
			}

			// A stale index that survived while an application's metadata
			// moved on must be re-emitted even at an equal sequence
			if !republished {
				agree, err := m.indexAgrees(tx, idx)
				if err != nil {
					return err
				}
				republished = !agree
			}
		} else if st.Sequence > 0 {
			republished = true
		}

		if !republished {
			return nil
		}

		log.WithFields(log.Fields{
			"sequence": st.Sequence + 1,
		}).Warn("Republishing repository after interrupted transaction")

		st.Sequence++
		st.Timestamp = time.Now().UTC().Unix()
		if err := m.ledger.PutRepoState(tx, st); err != nil {
			return err
		}
		if err := m.emitIndex(tx, st, batch); err != nil {
			return err
		}
		return batch.Commit()
	})
}

// indexAgrees compares the published index against what the ledger would
// emit right now
func (m *Manager) indexAgrees(tx *bolt.Tx, idx *IndexManifest) (bool, error) {
	ids, err := m.ledger.AppIdentities(tx)
	if err != nil {
		return false, err
	}
	if len(ids) != len(idx.Entries) {
		return false, nil
	}
	for _, id := range ids {
		rec, err := m.ledger.GetApp(tx, id)
		if err != nil {
			return false, err
		}
		entry := idx.Entry(id)
		head := rec.Head()
		if entry == nil || head == nil {
			return false, nil
		}
		if entry.Head != head.Code || entry.HeadDigest != head.Digest ||
			entry.MetaDigest != rec.MetaDigest || entry.MetaSize != rec.MetaSize ||
			entry.MetaSequence != rec.Sequence {
			return false, nil
		}
	}
	return true, nil
}

// reconcileApp brings one application's ledger record and on-disk state
// back into agreement, returning whether anything had to be restaged
func (m *Manager) reconcileApp(tx *bolt.Tx, id string, batch *StagedBatch) (bool, error) {
	rec, err := m.ledger.GetApp(tx, id)
	if err != nil {
		return false, err
	}

	appDir := filepath.Join(m.ctx.RepoPath, AppsPathComponent, id)
	metaPath := m.store.Abs(MetadataRel(id))
	changed := false

	if PathExists(metaPath) {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			return false, err
		}
		payload, err := VerifySignedFile(m.signer, data)
		if err != nil {
			return false, fmt.Errorf("%w (metadata for %s)", err, id)
		}
		man, err := ParseAppPayload(payload)
		if err != nil {
			return false, fmt.Errorf("%w: metadata for %s: %v", ErrMetadataDigestMismatch, id, err)
		}
		if man.Identity != id {
			return false, fmt.Errorf("%w: metadata under %s names %s", ErrMetadataDigestMismatch, id, man.Identity)
		}

		switch {
		case rec == nil || man.Sequence > rec.Sequence:
			rec, err = m.rebuildAppRecord(man, rec)
			if err != nil {
				return false, err
			}
			rec.MetaDigest = Sha256sum(data)
			rec.MetaSize = int64(len(data))
			if err := m.ledger.PutApp(tx, rec); err != nil {
				return false, err
			}
			log.WithFields(log.Fields{
				"identity": id,
				"sequence": rec.Sequence,
			}).Warn("Rebuilt ledger record from published metadata")
		case man.Sequence < rec.Sequence:
			if err := m.restageApp(tx, rec, batch); err != nil {
				return false, err
			}
			changed = true
		default:
			if Sha256sum(data) != rec.MetaDigest {
				return false, fmt.Errorf("%w: metadata for %s diverged at equal sequence",
					ErrMetadataDigestMismatch, id)
			}
		}
	} else if rec != nil {
		if err := m.restageApp(tx, rec, batch); err != nil {
			return false, err
		}
		changed = true
	} else {
		// A directory with no metadata and no record is rename debris
		log.WithFields(log.Fields{
			"identity": id,
		}).Warn("Removing application directory with no metadata")
		return false, os.RemoveAll(appDir)
	}

	return changed, m.pruneAppDir(rec, appDir)
}

// rebuildAppRecord reconstructs a ledger record from verified published
// metadata. The payload does not carry per-version signer sets, so each
// package file is re-inspected to recover them exactly.
func (m *Manager) rebuildAppRecord(man *AppManifest, prior *AppRecord) (*AppRecord, error) {
	if m.inspector == nil {
		return nil, fmt.Errorf("no package inspector available, cannot rebuild ledger")
	}
	rec := newAppRecord(man.Identity)
	if prior != nil {
		rec.ReleaseNotes = prior.ReleaseNotes
		rec.Group = prior.Group
	}
	rec.Label = man.Label
	rec.IconDigest = man.IconDigest
	rec.Sequence = man.Sequence
	rec.Deltas = man.Deltas
	rec.Rotations = man.Rotations

	for i := range man.Versions {
		mv := man.Versions[i]
		pkg, err := m.inspector.Inspect(m.store.Abs(PackageRel(man.Identity, mv.Code)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s version %s: %v", ErrMissingPackage, man.Identity, mv.Code, err)
		}
		if pkg.Digest != mv.Digest {
			return nil, fmt.Errorf("%w: package %s version %s content drifted",
				ErrMetadataDigestMismatch, man.Identity, mv.Code)
		}
		mv.Signers = pkg.Signers
		rec.Versions = append(rec.Versions, mv)
	}
	return rec, nil
}

// restageApp re-emits an application's metadata from the ledger record,
// first dropping delta entries whose patch files did not survive the
// crash; the planner will regenerate those on the next ingest
func (m *Manager) restageApp(tx *bolt.Tx, rec *AppRecord, batch *StagedBatch) error {
	for i := range rec.Versions {
		v := &rec.Versions[i]
		if !PathExists(m.store.Abs(PackageRel(rec.Identity, v.Code))) {
			return fmt.Errorf("%w: %s version %s", ErrMissingPackage, rec.Identity, v.Code)
		}
	}

	var surviving []DeltaEntry
	for _, d := range rec.Deltas {
		if PathExists(m.store.Abs(DeltaRel(rec.Identity, d.From, d.To))) {
			surviving = append(surviving, d)
			continue
		}
		log.WithFields(log.Fields{
			"identity": rec.Identity,
			"from":     d.From.String(),
			"to":       d.To.String(),
		}).Warn("Dropping delta whose patch did not survive")
	}
	rec.Deltas = surviving

	if err := m.emitApp(rec, batch); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"identity": rec.Identity,
		"sequence": rec.Sequence,
	}).Warn("Restaging application metadata from ledger")
	return m.ledger.PutApp(tx, rec)
}

// pruneAppDir removes files within an application directory that the
// authoritative record no longer references
func (m *Manager) pruneAppDir(rec *AppRecord, appDir string) error {
	entries, err := os.ReadDir(appDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	remove := func(p string) error {
		log.WithFields(log.Fields{
			"path": p,
		}).Info("Removing unreferenced file")
		return os.Remove(p)
	}

	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(appDir, name)
		switch {
		case name == MetadataName:
		case name == IconName:
			if rec.IconDigest == AbsentDigest {
				if err := remove(full); err != nil {
					return err
				}
			}
		case e.IsDir() && name == DeltasPathComponent:
			if err := m.pruneDeltaDir(rec, full); err != nil {
				return err
			}
		case strings.HasSuffix(name, ".pkg"):
			code, err := libapk.ParseVersionCode(strings.TrimSuffix(name, ".pkg"))
			if err != nil || rec.FindVersion(code) == nil {
				if err := remove(full); err != nil {
					return err
				}
			}
		default:
			if err := remove(full); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneDeltaDir removes patch files the record no longer references
func (m *Manager) pruneDeltaDir(rec *AppRecord, dir string) error {
	referenced := make(map[string]bool, len(rec.Deltas))
	for _, d := range rec.Deltas {
		referenced[fmt.Sprintf("%s-to-%s.patch", d.From, d.To)] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if referenced[e.Name()] {
			continue
		}
		log.WithFields(log.Fields{
			"path": filepath.Join(dir, e.Name()),
		}).Info("Removing unreferenced delta patch")
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

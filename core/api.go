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
	"time"

	"github.com/boltdb/bolt"
	log "github.com/sirupsen/logrus"

	"github.com/skiff-project/skiff/libapk"
)

// This file provides the operator-facing API functions which are exposed
// through the skiff CLI.

// An AppEdit names the application-level attributes an operator may change
type AppEdit struct {
	Label        string             // New display label, empty = unchanged
	IconPath     string             // Icon file to stage, empty = unchanged
	NotesVersion libapk.VersionCode // Version receiving release notes
	Notes        string             // The release notes text
	SetNotes     bool               // Whether Notes/NotesVersion apply
	RotateTo     libapk.SignerSet   // Successor signer set, nil = no rotation
}

// EditApp applies application-level edits and republishes the touched
// metadata plus the repository index in one atomic transaction. Rotations
// recorded here are the out-of-band input the ledger consults when the
// next candidate arrives with a new signer set.
func (m *Manager) EditApp(identity string, edit *AppEdit) (uint64, error) {
	var repoSeq uint64
	batch := m.store.NewBatch()
	defer batch.Discard()

	err := m.db.Update(func(tx *bolt.Tx) error {
		rec, err := m.ledger.GetApp(tx, identity)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrUnknownApp, identity)
		}

		changed := false
		if edit.Label != "" && edit.Label != rec.Label {
			if !validLabel(edit.Label) {
				return fmt.Errorf("invalid label %q", edit.Label)
			}
			rec.Label = edit.Label
			changed = true
		}
		if edit.IconPath != "" {
			f, err := os.Open(edit.IconPath)
			if err != nil {
				return err
			}
			sf, err := batch.Stage(IconRel(identity), f)
			f.Close()
			if err != nil {
				return err
			}
			rec.IconDigest = sf.Digest
			changed = true
		}
		if edit.SetNotes {
			v := rec.FindVersion(edit.NotesVersion)
			if v == nil {
				return fmt.Errorf("version %s is not published for %s", edit.NotesVersion, identity)
			}
			if rec.ReleaseNotes == nil {
				rec.ReleaseNotes = make(map[string]string)
			}
			rec.ReleaseNotes[edit.NotesVersion.String()] = edit.Notes
			v.NotesDigest = Sha256sum([]byte(edit.Notes))
			changed = true
		}
		if edit.RotateTo != nil {
			if err := rec.RecordRotation(edit.RotateTo); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return fmt.Errorf("nothing to edit for %s", identity)
		}

		rec.Sequence++
		if err := m.emitApp(rec, batch); err != nil {
			return err
		}
		if err := m.ledger.PutApp(tx, rec); err != nil {
			return err
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
		repoSeq = st.Sequence

		return batch.Commit()
	})
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"identity": identity,
		"sequence": repoSeq,
	}).Info("Republished application metadata")
	return repoSeq, nil
}

// SetGroup records a named release group over the given applications.
// Groups are operator bookkeeping within the ledger; nothing published
// changes, so no sequence is consumed.
func (m *Manager) SetGroup(group string, members []string) error {
	if group == "" {
		return fmt.Errorf("group name must not be empty")
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, id := range members {
			rec, err := m.ledger.GetApp(tx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%w: %s", ErrUnknownApp, id)
			}
			rec.Group = group
			if err := m.ledger.PutApp(tx, rec); err != nil {
				return err
			}
		}
		return m.ledger.SetGroup(tx, group, members)
	})
}

// Groups returns every named release group and its members
func (m *Manager) Groups() (map[string][]string, error) {
	var out map[string][]string
	err := m.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = m.ledger.Groups(tx)
		return err
	})
	return out, err
}

// An AppSummary is the operator-facing view of one application
type AppSummary struct {
	Identity string
	Label    string
	Group    string
	Head     libapk.VersionCode
	Versions int
	Deltas   int
	Sequence uint64
}

// ListApps returns a summary of every application in identity order
func (m *Manager) ListApps() ([]AppSummary, error) {
	var out []AppSummary
	err := m.db.View(func(tx *bolt.Tx) error {
		ids, err := m.ledger.AppIdentities(tx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := m.ledger.GetApp(tx, id)
			if err != nil {
				return err
			}
			head := rec.Head()
			if head == nil {
				continue
			}
			out = append(out, AppSummary{
				Identity: rec.Identity,
				Label:    rec.Label,
				Group:    rec.Group,
				Head:     head.Code,
				Versions: len(rec.Versions),
				Deltas:   len(rec.Deltas),
				Sequence: rec.Sequence,
			})
		}
		return nil
	})
	return out, err
}

// GetApp returns the full ledger record for one application
func (m *Manager) GetApp(identity string) (*AppRecord, error) {
	var rec *AppRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = m.ledger.GetApp(tx, identity)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, identity)
	}
	return rec, nil
}

// RepoSequence returns the current repository publication sequence
func (m *Manager) RepoSequence() (uint64, error) {
	var seq uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		st, err := m.ledger.RepoState(tx)
		if err != nil {
			return err
		}
		seq = st.Sequence
		return nil
	})
	return seq, err
}

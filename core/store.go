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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/skiff-project/skiff/libapk"
)

// stagePrefix marks temp files that have been staged but not committed.
// Anything carrying it after a restart is an orphan from a dead transaction.
const stagePrefix = ".stage-"

// Commit classes. Renames are applied class by class, with a directory
// flush between classes, so the signed index only ever becomes visible
// after everything it references is durable. The index rename is the
// single point where the published repository flips state.
const (
	classPackage = iota // package files, delta patches, icons
	classMetadata       // per-application signed metadata
	classIndexAux       // index sidecars (xz copy, checksum)
	classIndex          // the signed index itself
)

// A StagedFile is the handle returned by staging operations. It either
// introduces content (Temp waiting to be renamed onto Target) or stages a
// removal of Target; both are applied by Commit.
type StagedFile struct {
	Target string // Final absolute path
	Temp   string // Temp file in the same directory, empty for removals
	Remove bool   // Whether this stages a deletion instead of content
	Digest string // SHA-256 of the staged content, set by finalise
	Size   int64  // Size of the staged content in bytes
	class  int
}

// The Store owns the on-disk layout of the published tree and is the only
// component that ever renames into it.
type Store struct {
	ctx  *Context
	lock *LockFile
}

// NewStore will return a store rooted at the context's repository path
func NewStore(ctx *Context) *Store {
	return &Store{
		ctx:  ctx,
		lock: NewLockFile(ctx.LockPath),
	}
}

// AcquireLock takes the process-wide exclusive lock on the repository.
// The kernel releases it on every exit path, including a crash.
func (s *Store) AcquireLock() error {
	return s.lock.Lock()
}

// ReleaseLock releases the repository lock
func (s *Store) ReleaseLock() error {
	return s.lock.Unlock()
}

// Init ensures the published tree skeleton exists
func (s *Store) Init() error {
	return os.MkdirAll(filepath.Join(s.ctx.RepoPath, AppsPathComponent), 00755)
}

// PackageRel is the tree-relative path of a published package file
func PackageRel(identity string, code libapk.VersionCode) string {
	return filepath.Join(AppsPathComponent, identity, code.String()+".pkg")
}

// DeltaRel is the tree-relative path of a published delta patch
func DeltaRel(identity string, from, to libapk.VersionCode) string {
	return filepath.Join(AppsPathComponent, identity, DeltasPathComponent,
		fmt.Sprintf("%s-to-%s.patch", from, to))
}

// MetadataRel is the tree-relative path of an application's signed metadata
func MetadataRel(identity string) string {
	return filepath.Join(AppsPathComponent, identity, MetadataName)
}

// IconRel is the tree-relative path of an application's icon
func IconRel(identity string) string {
	return filepath.Join(AppsPathComponent, identity, IconName)
}

// Abs resolves a tree-relative path against the published tree root
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.ctx.RepoPath, rel)
}

// classify assigns a commit class from the tree-relative path
func classify(rel string) int {
	switch {
	case rel == IndexName:
		return classIndex
	case strings.HasPrefix(rel, IndexName+"."):
		return classIndexAux
	case filepath.Base(rel) == MetadataName:
		return classMetadata
	default:
		return classPackage
	}
}

// StagePath creates an empty staged temp file next to the target and hands
// it back so a producer (the delta engine) can write straight into it.
// The handle must be finalised before commit.
func (s *Store) StagePath(rel string) (*StagedFile, error) {
	target := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(target), 00755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(target), stagePrefix+"*")
	if err != nil {
		return nil, err
	}
	temp := f.Name()
	f.Close()
	return &StagedFile{
		Target: target,
		Temp:   temp,
		class:  classify(rel),
	}, nil
}

// FinalizeStaged digests, measures and fsyncs content written into a
// staged temp file by an external producer
func (s *Store) FinalizeStaged(sf *StagedFile) error {
	f, err := os.OpenFile(sf.Temp, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	sf.Digest = hex.EncodeToString(h.Sum(nil))
	sf.Size = n
	return nil
}

// Stage writes the reader's content to a staged temp file beside the
// target, fsyncing it and recording digest and size on the way through
func (s *Store) Stage(rel string, r io.Reader) (*StagedFile, error) {
	sf, err := s.StagePath(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(sf.Temp, os.O_WRONLY|os.O_TRUNC, 00644)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	sf.Digest = hex.EncodeToString(h.Sum(nil))
	sf.Size = n
	return sf, nil
}

// StageRemoval records that the target should be deleted at commit time
func (s *Store) StageRemoval(rel string) *StagedFile {
	return &StagedFile{
		Target: s.Abs(rel),
		Remove: true,
		class:  classify(rel),
	}
}

// Discard removes the temp files of an uncommitted staging set
func (s *Store) Discard(staged []*StagedFile) {
	for _, sf := range staged {
		if sf.Remove || sf.Temp == "" {
			continue
		}
		os.Remove(sf.Temp)
	}
}

// Commit is the unit of atomicity. Every staged file is renamed into its
// target path in commit-class order with a directory flush between
// classes, so by the time the index rename lands, everything the index
// references is already durable. Staged removals are applied only after
// the index no longer references them.
func (s *Store) Commit(staged []*StagedFile) error {
	ordered := make([]*StagedFile, len(staged))
	copy(ordered, staged)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].class < ordered[b].class
	})

	// A published package file is immutable; duplicates must have been
	// rejected upstream, so hitting one here is a hard stop.
	for _, sf := range ordered {
		if sf.Remove {
			continue
		}
		if strings.HasSuffix(sf.Target, ".pkg") && PathExists(sf.Target) {
			return fmt.Errorf("refusing to overwrite published package %s", sf.Target)
		}
	}

	dirs := make(map[string]bool)
	flush := func() error {
		for d := range dirs {
			if err := SyncDir(d); err != nil {
				return err
			}
		}
		dirs = make(map[string]bool)
		return nil
	}

	current := -1
	for _, sf := range ordered {
		if sf.Remove {
			continue
		}
		if sf.class != current {
			if err := flush(); err != nil {
				return err
			}
			current = sf.class
		}
		if err := AtomicRename(sf.Temp, sf.Target); err != nil {
			return err
		}
		dirs[filepath.Dir(sf.Target)] = true
	}
	if err := flush(); err != nil {
		return err
	}

	for _, sf := range ordered {
		if !sf.Remove {
			continue
		}
		if err := os.Remove(sf.Target); err != nil && !os.IsNotExist(err) {
			return err
		}
		dirs[filepath.Dir(sf.Target)] = true
	}
	return flush()
}

// DiscardOrphans removes staged temp files left behind by a transaction
// that never committed. Run on startup before anything else looks at the
// tree.
func (s *Store) DiscardOrphans() error {
	if !PathExists(s.ctx.RepoPath) {
		return nil
	}
	return filepath.WalkDir(s.ctx.RepoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), stagePrefix) {
			return nil
		}
		log.WithFields(log.Fields{
			"path": path,
		}).Info("Discarding orphaned staging file")
		return os.Remove(path)
	})
}

// A StagedBatch collects the staging handles of one transaction so abort
// paths can discard everything in one go
type StagedBatch struct {
	store     *Store
	files     []*StagedFile
	committed bool
}

// NewBatch returns an empty staging batch against this store
func (s *Store) NewBatch() *StagedBatch {
	return &StagedBatch{store: s}
}

// Stage stages reader content into the batch
func (b *StagedBatch) Stage(rel string, r io.Reader) (*StagedFile, error) {
	sf, err := b.store.Stage(rel, r)
	if err != nil {
		return nil, err
	}
	b.files = append(b.files, sf)
	return sf, nil
}

// StageBytes stages literal content into the batch
func (b *StagedBatch) StageBytes(rel string, data []byte) (*StagedFile, error) {
	return b.Stage(rel, bytes.NewReader(data))
}

// StagePath stages an empty producer-written file into the batch
func (b *StagedBatch) StagePath(rel string) (*StagedFile, error) {
	sf, err := b.store.StagePath(rel)
	if err != nil {
		return nil, err
	}
	b.files = append(b.files, sf)
	return sf, nil
}

// Adopt takes ownership of a staging handle created directly against the
// store, typically by a delta worker
func (b *StagedBatch) Adopt(sf *StagedFile) {
	b.files = append(b.files, sf)
}

// StageRemoval stages a deletion into the batch
func (b *StagedBatch) StageRemoval(rel string) *StagedFile {
	sf := b.store.StageRemoval(rel)
	b.files = append(b.files, sf)
	return sf
}

// Len returns how many staging handles the batch holds
func (b *StagedBatch) Len() int {
	return len(b.files)
}

// Commit renames the whole batch into place atomically
func (b *StagedBatch) Commit() error {
	if err := b.store.Commit(b.files); err != nil {
		return err
	}
	b.committed = true
	return nil
}

// Discard removes all uncommitted temp files. Safe to defer: it is a
// no-op once the batch has committed.
func (b *StagedBatch) Discard() {
	if b.committed {
		return
	}
	b.store.Discard(b.files)
}

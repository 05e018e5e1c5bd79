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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skiff-project/skiff/libapk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, err := NewContext(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to build context: %v", err)
	}
	s := NewStore(ctx)
	if err := s.Init(); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	return s
}

func TestStageAndCommit(t *testing.T) {
	s := newTestStore(t)
	rel := PackageRel("com.example.app", libapk.ComposeVersionCode(1, 0))
	content := []byte("package bytes")

	sf, err := s.Stage(rel, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	if sf.Digest != Sha256sum(content) || sf.Size != int64(len(content)) {
		t.Fatalf("Staging recorded wrong digest or size")
	}
	if PathExists(s.Abs(rel)) {
		t.Fatalf("Staged file must not be visible before commit")
	}

	if err := s.Commit([]*StagedFile{sf}); err != nil {
		t.Fatalf("Did not expect commit error, found: %v", err)
	}
	got, err := os.ReadFile(s.Abs(rel))
	if err != nil {
		t.Fatalf("Committed file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Committed content mismatch")
	}
	if PathExists(sf.Temp) {
		t.Fatalf("Temp file must be gone after commit")
	}
}

func TestDiscardRemovesTemps(t *testing.T) {
	s := newTestStore(t)
	sf, err := s.Stage("index", bytes.NewReader([]byte("payload")))
	if err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	s.Discard([]*StagedFile{sf})
	if PathExists(sf.Temp) {
		t.Fatalf("Discard must remove the temp file")
	}
	if PathExists(s.Abs("index")) {
		t.Fatalf("Discard must not publish anything")
	}
}

func TestDiscardOrphans(t *testing.T) {
	s := newTestStore(t)

	// Simulate a crash: staged files with no commit
	if _, err := s.Stage("index", bytes.NewReader([]byte("one"))); err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	rel := PackageRel("com.example.app", libapk.ComposeVersionCode(1, 0))
	if _, err := s.Stage(rel, bytes.NewReader([]byte("two"))); err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}

	if err := s.DiscardOrphans(); err != nil {
		t.Fatalf("Did not expect orphan discard error, found: %v", err)
	}

	count := 0
	filepath.Walk(s.ctx.RepoPath, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasPrefix(filepath.Base(path), stagePrefix) {
			count++
		}
		return nil
	})
	if count != 0 {
		t.Fatalf("Expected no staging orphans, found %d", count)
	}
}

func TestCommitAppliesRemovals(t *testing.T) {
	s := newTestStore(t)
	rel := DeltaRel("com.example.app", 1, 2)

	sf, err := s.Stage(rel, bytes.NewReader([]byte("patch")))
	if err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	if err := s.Commit([]*StagedFile{sf}); err != nil {
		t.Fatalf("Did not expect commit error, found: %v", err)
	}

	if err := s.Commit([]*StagedFile{s.StageRemoval(rel)}); err != nil {
		t.Fatalf("Did not expect removal commit error, found: %v", err)
	}
	if PathExists(s.Abs(rel)) {
		t.Fatalf("Removal must delete the published file")
	}

	// Removing a file twice is not an error
	if err := s.Commit([]*StagedFile{s.StageRemoval(rel)}); err != nil {
		t.Fatalf("Removal of an absent file must not fail, found: %v", err)
	}
}

func TestCommitRefusesPackageOverwrite(t *testing.T) {
	s := newTestStore(t)
	rel := PackageRel("com.example.app", libapk.ComposeVersionCode(1, 0))

	first, err := s.Stage(rel, bytes.NewReader([]byte("first")))
	if err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	if err := s.Commit([]*StagedFile{first}); err != nil {
		t.Fatalf("Did not expect commit error, found: %v", err)
	}

	second, err := s.Stage(rel, bytes.NewReader([]byte("second")))
	if err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	if err := s.Commit([]*StagedFile{second}); err == nil {
		t.Fatalf("Expected commit to refuse overwriting a published package")
	}
	s.Discard([]*StagedFile{second})
}

func TestMetadataOverwriteAllowed(t *testing.T) {
	s := newTestStore(t)
	rel := MetadataRel("com.example.app")

	for i, content := range []string{"metadata one", "metadata two"} {
		sf, err := s.Stage(rel, bytes.NewReader([]byte(content)))
		if err != nil {
			t.Fatalf("Did not expect staging error, found: %v", err)
		}
		if err := s.Commit([]*StagedFile{sf}); err != nil {
			t.Fatalf("Commit %d failed: %v", i, err)
		}
	}
	got, _ := os.ReadFile(s.Abs(rel))
	if string(got) != "metadata two" {
		t.Fatalf("Metadata must be replaced by rename, found %q", got)
	}
}

func TestLockExcludesSecondOwner(t *testing.T) {
	dir := t.TempDir()
	ctx, err := NewContext(dir)
	if err != nil {
		t.Fatalf("Failed to build context: %v", err)
	}

	a := NewStore(ctx)
	if err := a.AcquireLock(); err != nil {
		t.Fatalf("Did not expect lock error, found: %v", err)
	}
	defer a.ReleaseLock()

	b := NewStore(ctx)
	if err := b.AcquireLock(); err == nil {
		b.ReleaseLock()
		t.Fatalf("Second lock acquisition must fail while held")
	}

	// After release the lock is free again
	if err := a.ReleaseLock(); err != nil {
		t.Fatalf("Did not expect unlock error, found: %v", err)
	}
	if err := b.AcquireLock(); err != nil {
		t.Fatalf("Lock must be acquirable after release, found: %v", err)
	}
	b.ReleaseLock()
}

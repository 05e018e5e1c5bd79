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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skiff-project/skiff/libapk"
)

const testApp = "com.example.app"

// ingestOne is a convenience wrapper for single-candidate transactions
func ingestOne(t *testing.T, m *Manager, path string) *IngestReport {
	t.Helper()
	report, err := m.Ingest(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Did not expect ingest error, found: %v", err)
	}
	return report
}

// Starting empty, the first ingest publishes one package, no deltas, and
// both sequences start at 1
func TestIngestFirstPackage(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	content := bytes.Repeat([]byte("version one "), 64)
	v1 := libapk.ComposeVersionCode(1, 0)
	path := mkCandidate(t, env.insp, env.work, "app-1.apk", content, testApp, v1, 21, signers)

	m := env.open(t)
	defer m.Close()

	report := ingestOne(t, m, path)
	if report.RepoSequence != 1 {
		t.Fatalf("Expected repository sequence 1, found %d", report.RepoSequence)
	}
	if report.NewDeltas != 0 {
		t.Fatalf("Expected no deltas on first ingest, found %d", report.NewDeltas)
	}

	pkgPath := filepath.Join(env.base, RepoPathComponent, PackageRel(testApp, v1))
	got, err := os.ReadFile(pkgPath)
	if err != nil {
		t.Fatalf("Published package missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Published package content mismatch")
	}

	man := env.readAppManifest(t, testApp)
	if man.Sequence != 1 {
		t.Fatalf("Expected metadata sequence 1, found %d", man.Sequence)
	}
	if len(man.Versions) != 1 || man.Versions[0].Code != v1 {
		t.Fatalf("Expected exactly version %s, found %+v", v1, man.Versions)
	}
	if len(man.Deltas) != 0 {
		t.Fatalf("Expected no deltas, found %d", len(man.Deltas))
	}

	idx := env.readIndex(t)
	if idx.Sequence != 1 {
		t.Fatalf("Expected index sequence 1, found %d", idx.Sequence)
	}
	entry := idx.Entry(testApp)
	if entry == nil || entry.Head != v1 {
		t.Fatalf("Index does not list %s at head %s", testApp, v1)
	}
	if entry.HeadDigest != Sha256sum(content) {
		t.Fatalf("Index head digest mismatch")
	}
}

// The second ingest produces one delta from the prior version and the
// delta round trips byte exact onto the new package
func TestIngestSecondProducesDelta(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	content1 := bytes.Repeat([]byte("version one "), 64)
	content2 := bytes.Repeat([]byte("version two "), 64)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", content1, testApp, v1, 21, signers)
	p2 := mkCandidate(t, env.insp, env.work, "app-2.apk", content2, testApp, v2, 21, signers)

	m := env.open(t)
	defer m.Close()

	ingestOne(t, m, p1)
	report := ingestOne(t, m, p2)
	if report.RepoSequence != 2 {
		t.Fatalf("Expected repository sequence 2, found %d", report.RepoSequence)
	}
	if report.NewDeltas != 1 {
		t.Fatalf("Expected one new delta, found %d", report.NewDeltas)
	}

	man := env.readAppManifest(t, testApp)
	if man.Sequence != 2 {
		t.Fatalf("Expected metadata sequence 2, found %d", man.Sequence)
	}
	if len(man.Deltas) != 1 || man.Deltas[0].From != v1 || man.Deltas[0].To != v2 {
		t.Fatalf("Expected delta %s to %s, found %+v", v1, v2, man.Deltas)
	}

	repo := filepath.Join(env.base, RepoPathComponent)
	oldPkg := filepath.Join(repo, PackageRel(testApp, v1))
	patch := filepath.Join(repo, DeltaRel(testApp, v1, v2))
	rebuilt := filepath.Join(env.work, "rebuilt.apk")
	if err := env.engine.Apply(oldPkg, patch, rebuilt); err != nil {
		t.Fatalf("Did not expect apply error, found: %v", err)
	}
	got, _ := os.ReadFile(rebuilt)
	if !bytes.Equal(got, content2) {
		t.Fatalf("Delta round trip does not reproduce the new package")
	}
}

// Re-ingesting a published version is rejected and leaves the tree intact
func TestIngestDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", []byte("version one"), testApp, v1, 21, signers)

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p1)

	before := env.treeSnapshot(t)
	report, err := m.Ingest(context.Background(), []string{p1})
	if !errors.Is(err, ErrBatchRejected) {
		t.Fatalf("Expected ErrBatchRejected, found: %v", err)
	}
	if len(report.Candidates) != 1 || !errors.Is(report.Candidates[0].Err, ErrDowngradeOrDuplicate) {
		t.Fatalf("Expected DowngradeOrDuplicate in the report, found %+v", report.Candidates)
	}
	if !sameSnapshot(before, env.treeSnapshot(t)) {
		t.Fatalf("Rejected ingest changed the published tree")
	}
	assertNoStagingOrphans(t, env)
}

// Five successive versions with the default window of four leave exactly
// four deltas, each targeting the head, and no stale patches
func TestIngestWindowAndPruning(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)

	m := env.open(t)
	defer m.Close()

	var versions []libapk.VersionCode
	for minor := uint32(0); minor < 5; minor++ {
		v := libapk.ComposeVersionCode(1, minor)
		versions = append(versions, v)
		content := bytes.Repeat([]byte(fmt.Sprintf("content %d ", minor)), 64)
		p := mkCandidate(t, env.insp, env.work, fmt.Sprintf("app-%d.apk", minor), content, testApp, v, 21, signers)
		ingestOne(t, m, p)
	}

	head := versions[4]
	man := env.readAppManifest(t, testApp)
	if len(man.Deltas) != 4 {
		t.Fatalf("Expected 4 deltas, found %d", len(man.Deltas))
	}
	for i, d := range man.Deltas {
		if d.From != versions[i] || d.To != head {
			t.Fatalf("Expected delta %s to %s, found %s to %s", versions[i], head, d.From, d.To)
		}
	}

	// The on-disk delta directory must match exactly: no stale patches
	deltaDir := filepath.Join(env.base, RepoPathComponent, AppsPathComponent, testApp, DeltasPathComponent)
	entries, err := os.ReadDir(deltaDir)
	if err != nil {
		t.Fatalf("Failed to read delta dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("Expected 4 patch files, found %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), fmt.Sprintf("-to-%s.patch", head)) {
			t.Fatalf("Stale patch survived pruning: %s", e.Name())
		}
	}
}

// A candidate with a foreign signer set and no rotation entry aborts the
// transaction without leaving staged files behind
func TestIngestSignerMismatch(t *testing.T) {
	env := newTestEnv(t)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", []byte("version one"), testApp, v1, 21, testSignerSet(t, 0xaa))
	p2 := mkCandidate(t, env.insp, env.work, "app-2.apk", []byte("version two"), testApp, v2, 21, testSignerSet(t, 0xbb))

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p1)

	before := env.treeSnapshot(t)
	report, err := m.Ingest(context.Background(), []string{p2})
	if !errors.Is(err, ErrBatchRejected) {
		t.Fatalf("Expected ErrBatchRejected, found: %v", err)
	}
	if !errors.Is(report.Candidates[0].Err, ErrSignerMismatch) {
		t.Fatalf("Expected ErrSignerMismatch, found: %v", report.Candidates[0].Err)
	}
	if !sameSnapshot(before, env.treeSnapshot(t)) {
		t.Fatalf("Aborted ingest changed the published tree")
	}
	assertNoStagingOrphans(t, env)
}

// A recorded rotation authorises exactly the declared successor set
func TestRotationAllowsNewSigner(t *testing.T) {
	env := newTestEnv(t)
	oldSet := testSignerSet(t, 0xaa)
	newSet := testSignerSet(t, 0xbb)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", []byte("version one"), testApp, v1, 21, oldSet)
	p2 := mkCandidate(t, env.insp, env.work, "app-2.apk", []byte("version two"), testApp, v2, 21, newSet)

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p1)

	if _, err := m.EditApp(testApp, &AppEdit{RotateTo: newSet}); err != nil {
		t.Fatalf("Did not expect rotation error, found: %v", err)
	}

	report := ingestOne(t, m, p2)
	if report.RepoSequence != 3 {
		t.Fatalf("Expected repository sequence 3 after edit and ingest, found %d", report.RepoSequence)
	}

	man := env.readAppManifest(t, testApp)
	if len(man.Rotations) != 1 {
		t.Fatalf("Expected one rotation record, found %d", len(man.Rotations))
	}
	if !man.Rotations[0].Predecessor.Equal(oldSet) || !man.Rotations[0].Successor.Equal(newSet) {
		t.Fatalf("Rotation record does not carry the expected sets")
	}
	if len(man.Deltas) != 1 {
		t.Fatalf("Expected the rotated upgrade to still carry a delta, found %d", len(man.Deltas))
	}
}

// An ingest batch is all-or-nothing: one bad candidate sinks the batch
func TestBatchAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	good := mkCandidate(t, env.insp, env.work, "good.apk", []byte("good content"),
		"com.example.good", libapk.ComposeVersionCode(1, 0), 21, signers)
	bad := filepath.Join(env.work, "bad.apk")
	if err := os.WriteFile(bad, []byte("unregistered"), 0644); err != nil {
		t.Fatalf("Failed to write bad candidate: %v", err)
	}

	m := env.open(t)
	defer m.Close()

	report, err := m.Ingest(context.Background(), []string{good, bad})
	if !errors.Is(err, ErrBatchRejected) {
		t.Fatalf("Expected ErrBatchRejected, found: %v", err)
	}
	if len(report.Candidates) != 2 {
		t.Fatalf("Expected both candidates in the report, found %d", len(report.Candidates))
	}
	if report.Candidates[0].Err != nil {
		t.Fatalf("Good candidate should carry no error in the report")
	}
	if report.Candidates[1].Err == nil {
		t.Fatalf("Bad candidate should carry its error in the report")
	}
	if PathExists(filepath.Join(env.base, RepoPathComponent, IndexName)) {
		t.Fatalf("Nothing may be published from a rejected batch")
	}
}

// PatchTooLarge is a policy signal: the delta is skipped, recorded, and
// the transaction still publishes
func TestPatchTooLargeSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.engine.tooLarge = true
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", []byte("version one"), testApp, v1, 21, signers)
	p2 := mkCandidate(t, env.insp, env.work, "app-2.apk", []byte("version two"), testApp, v2, 21, signers)

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p1)

	report := ingestOne(t, m, p2)
	if report.NewDeltas != 0 || report.SkippedDeltas != 1 {
		t.Fatalf("Expected 0 new and 1 skipped delta, found %d and %d",
			report.NewDeltas, report.SkippedDeltas)
	}

	man := env.readAppManifest(t, testApp)
	if len(man.Deltas) != 0 {
		t.Fatalf("Skipped delta must not be published")
	}
	assertNoStagingOrphans(t, env)

	// A third ingest moves the head, so both prior versions get a delta to
	// the new head
	env.engine.tooLarge = false
	v3 := libapk.ComposeVersionCode(1, 2)
	p3 := mkCandidate(t, env.insp, env.work, "app-3.apk", []byte("version three"), testApp, v3, 21, signers)
	report = ingestOne(t, m, p3)
	if report.NewDeltas != 2 {
		t.Fatalf("Expected deltas from both prior versions to the new head, found %d", report.NewDeltas)
	}
}

// Simulated crash between staging and commit: on restart the orphans are
// discarded, the tree matches the pre-transaction snapshot, and the same
// candidate then ingests cleanly
func TestCrashBetweenStageAndCommit(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	p1 := mkCandidate(t, env.insp, env.work, "app-1.apk", []byte("version one"), testApp, v1, 21, signers)
	p2 := mkCandidate(t, env.insp, env.work, "app-2.apk", []byte("version two"), testApp, v2, 21, signers)

	m := env.open(t)
	ingestOne(t, m, p1)
	before := env.treeSnapshot(t)

	// Stage without ever committing, then "kill" the process by dropping
	// the manager on the floor
	f, err := os.Open(p2)
	if err != nil {
		t.Fatalf("Failed to open candidate: %v", err)
	}
	if _, err := m.store.Stage(PackageRel(testApp, v2), f); err != nil {
		t.Fatalf("Did not expect staging error, found: %v", err)
	}
	f.Close()
	m.Close()

	m2 := env.open(t)
	defer m2.Close()
	if err := m2.Reconcile(); err != nil {
		t.Fatalf("Did not expect reconcile error, found: %v", err)
	}
	if !sameSnapshot(before, env.treeSnapshot(t)) {
		t.Fatalf("Recovered tree differs from the pre-transaction snapshot")
	}
	assertNoStagingOrphans(t, env)

	report := ingestOne(t, m2, p2)
	if report.RepoSequence != 2 {
		t.Fatalf("Expected repository sequence 2 after recovery, found %d", report.RepoSequence)
	}
}

// The minor-half maximum must ingest, publish and re-parse correctly
func TestIngestMinorBoundary(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v := libapk.ComposeVersionCode(0, 0xffffffff)
	p := mkCandidate(t, env.insp, env.work, "edge.apk", []byte("edge content"), testApp, v, 21, signers)

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p)

	man := env.readAppManifest(t, testApp)
	if man.Versions[0].Code != v {
		t.Fatalf("Expected version %s, found %s", v, man.Versions[0].Code)
	}
	if man.Versions[0].Code.Minor() != 0xffffffff || man.Versions[0].Code.Major() != 0 {
		t.Fatalf("Boundary version decomposed incorrectly")
	}
}

// A batch may carry several versions of the same application; deltas are
// planned against the final head only
func TestBatchMultipleVersionsSameApp(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	v3 := libapk.ComposeVersionCode(1, 2)
	p1 := mkCandidate(t, env.insp, env.work, "a1.apk", []byte("content one"), testApp, v1, 21, signers)
	p2 := mkCandidate(t, env.insp, env.work, "a2.apk", []byte("content two"), testApp, v2, 21, signers)
	p3 := mkCandidate(t, env.insp, env.work, "a3.apk", []byte("content three"), testApp, v3, 21, signers)

	m := env.open(t)
	defer m.Close()

	report, err := m.Ingest(context.Background(), []string{p1, p2, p3})
	if err != nil {
		t.Fatalf("Did not expect ingest error, found: %v", err)
	}
	if report.RepoSequence != 1 {
		t.Fatalf("One transaction consumes one sequence, found %d", report.RepoSequence)
	}

	man := env.readAppManifest(t, testApp)
	if len(man.Versions) != 3 {
		t.Fatalf("Expected 3 versions, found %d", len(man.Versions))
	}
	if len(man.Deltas) != 2 {
		t.Fatalf("Expected deltas %s,%s to head, found %+v", v1, v2, man.Deltas)
	}
	for _, d := range man.Deltas {
		if d.To != v3 {
			t.Fatalf("All deltas must target the head %s, found %s", v3, d.To)
		}
	}
}

// A platform regression is rejected unless relaxation allows it
func TestPlatformRegression(t *testing.T) {
	env := newTestEnv(t)
	signers := testSignerSet(t, 0xaa)
	v1 := libapk.ComposeVersionCode(1, 0)
	v2 := libapk.ComposeVersionCode(1, 1)
	p1 := mkCandidate(t, env.insp, env.work, "a1.apk", []byte("content one"), testApp, v1, 23, signers)
	p2 := mkCandidate(t, env.insp, env.work, "a2.apk", []byte("content two"), testApp, v2, 21, signers)

	m := env.open(t)
	defer m.Close()
	ingestOne(t, m, p1)

	report, err := m.Ingest(context.Background(), []string{p2})
	if !errors.Is(err, ErrBatchRejected) {
		t.Fatalf("Expected ErrBatchRejected, found: %v", err)
	}
	if !errors.Is(report.Candidates[0].Err, ErrPlatformRegression) {
		t.Fatalf("Expected ErrPlatformRegression, found: %v", report.Candidates[0].Err)
	}
}

// assertNoStagingOrphans fails the test when staged temp files survive
func assertNoStagingOrphans(t *testing.T, env *testEnv) {
	t.Helper()
	root := filepath.Join(env.base, RepoPathComponent)
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasPrefix(filepath.Base(path), stagePrefix) {
			t.Fatalf("Staging orphan survived: %s", path)
		}
		return nil
	})
}

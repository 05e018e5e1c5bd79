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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skiff-project/skiff/libapk"
	"github.com/skiff-project/skiff/libdelta"
	"github.com/skiff-project/skiff/libsign"
)

// newTestSigner builds a fresh EC repository key
func newTestSigner(t *testing.T) Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}
	key, err := libsign.NewSigningKey(priv)
	if err != nil {
		t.Fatalf("Failed to wrap test key: %v", err)
	}
	return key
}

// testSignerSet builds a deterministic signer set from a single seed byte
func testSignerSet(t *testing.T, seed byte) libapk.SignerSet {
	t.Helper()
	set, err := libapk.NewSignerSet(strings.Repeat(fmt.Sprintf("%02x", seed), 32))
	if err != nil {
		t.Fatalf("Failed to build signer set: %v", err)
	}
	return set
}

// A stubInspector resolves packages by their content digest, so it keeps
// answering for a candidate after it has been copied into the tree
type stubInspector struct {
	byDigest map[string]*libapk.Package
}

func newStubInspector() *stubInspector {
	return &stubInspector{byDigest: make(map[string]*libapk.Package)}
}

func (s *stubInspector) add(pkg *libapk.Package) {
	s.byDigest[pkg.Digest] = pkg
}

func (s *stubInspector) Inspect(path string) (*libapk.Package, error) {
	digest, err := FileSha256sum(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", libapk.ErrMalformed, err)
	}
	pkg, ok := s.byDigest[digest]
	if !ok {
		return nil, fmt.Errorf("%w: unknown test package %s", libapk.ErrMalformed, path)
	}
	out := *pkg
	out.Path = path
	return &out, nil
}

// stubPatchMarker prefixes every stub patch so Apply can sanity check
const stubPatchMarker = "STUBPATCH:"

// A stubEngine is a trivially correct delta engine: the patch is the
// marker plus the full new file, so round trips are byte exact and output
// is deterministic. tooLarge flips it into refusing every pair.
type stubEngine struct {
	tooLarge bool
}

func (e *stubEngine) Generate(ctx context.Context, oldPath, newPath, outPath string, maxFraction float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.tooLarge {
		return fmt.Errorf("%w: stubbed", libdelta.ErrPatchTooLarge)
	}
	if _, err := os.ReadFile(oldPath); err != nil {
		return err
	}
	newBytes, err := os.ReadFile(newPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append([]byte(stubPatchMarker), newBytes...), 0644)
}

func (e *stubEngine) Apply(oldPath, patchPath, outPath string) error {
	patch, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(patch, []byte(stubPatchMarker)) {
		return fmt.Errorf("corrupt stub patch %s", patchPath)
	}
	return os.WriteFile(outPath, patch[len(stubPatchMarker):], 0644)
}

// mkCandidate writes a candidate package file and registers its identity
// tuple with the inspector
func mkCandidate(t *testing.T, insp *stubInspector, dir, name string, content []byte,
	identity string, version libapk.VersionCode, minPlatform int, signers libapk.SignerSet) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write candidate: %v", err)
	}
	insp.add(&libapk.Package{
		Path:        path,
		Identity:    identity,
		Version:     version,
		MinPlatform: minPlatform,
		Signers:     signers,
		Digest:      Sha256sum(content),
		Size:        int64(len(content)),
	})
	return path
}

// testEnv bundles everything a repository scenario needs
type testEnv struct {
	base   string
	work   string
	signer Signer
	insp   *stubInspector
	engine *stubEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "repo-base")
	work := filepath.Join(root, "work")
	for _, d := range []string{base, work} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}
	return &testEnv{
		base:   base,
		work:   work,
		signer: newTestSigner(t),
		insp:   newStubInspector(),
		engine: &stubEngine{},
	}
}

// open builds a manager over the scenario state; callers own Close
func (e *testEnv) open(t *testing.T) *Manager {
	t.Helper()
	ctx, err := NewContext(e.base)
	if err != nil {
		t.Fatalf("Failed to build context: %v", err)
	}
	m, err := NewManager(ctx, DefaultConfig(), e.insp, e.engine, e.signer)
	if err != nil {
		t.Fatalf("Failed to open manager: %v", err)
	}
	return m
}

// readIndex loads, verifies and parses the published index
func (e *testEnv) readIndex(t *testing.T) *IndexManifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.base, RepoPathComponent, IndexName))
	if err != nil {
		t.Fatalf("Failed to read index: %v", err)
	}
	payload, err := VerifySignedFile(e.signer, data)
	if err != nil {
		t.Fatalf("Index did not verify: %v", err)
	}
	idx, err := ParseIndexPayload(payload)
	if err != nil {
		t.Fatalf("Index did not parse: %v", err)
	}
	return idx
}

// readAppManifest loads, verifies and parses an application's metadata
func (e *testEnv) readAppManifest(t *testing.T, identity string) *AppManifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.base, RepoPathComponent, MetadataRel(identity)))
	if err != nil {
		t.Fatalf("Failed to read metadata for %s: %v", identity, err)
	}
	payload, err := VerifySignedFile(e.signer, data)
	if err != nil {
		t.Fatalf("Metadata for %s did not verify: %v", identity, err)
	}
	man, err := ParseAppPayload(payload)
	if err != nil {
		t.Fatalf("Metadata for %s did not parse: %v", identity, err)
	}
	return man
}

// treeSnapshot digests every file under the published tree
func (e *testEnv) treeSnapshot(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	root := filepath.Join(e.base, RepoPathComponent)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		sum, err := FileSha256sum(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = sum
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("Failed to snapshot tree: %v", err)
	}
	return out
}

// sameSnapshot compares two tree snapshots
func sameSnapshot(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

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

// Package libdelta adapts the bsdiff patch engine to the repository.
//
// Patch generation is deterministic: identical input bytes always yield an
// identical patch, which the planner relies on to keep republished delta
// sets byte-stable. A configurable cap rejects patches that would not be
// worth shipping compared to the full package.
package libdelta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

var (
	// ErrPatchTooLarge is a policy signal, not a failure: the patch would
	// exceed the configured fraction of the new file, so clients should
	// fall back to the full download
	ErrPatchTooLarge = errors.New("Delta patch would exceed the configured size cap")
)

// readChunkSize bounds how much we read between cancellation checks
const readChunkSize = 4 * 1024 * 1024

// An Engine produces and applies binary patches between two package
// files. Engines are stateless and safe for concurrent use; every worker
// in the delta pool shares one.
type Engine struct{}

// NewEngine returns a ready to use delta engine
func NewEngine() *Engine {
	return &Engine{}
}

// readFileCancellable slurps a file in bounded chunks, checking for
// cooperative cancellation between chunks so a cancelled transaction
// never sits behind a multi-hundred-megabyte read
func readFileCancellable(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, st.Size())
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Generate produces the binary patch transforming oldPath into newPath and
// writes it to outPath. If maxFraction is positive and the patch would
// exceed that fraction of the new file's size, ErrPatchTooLarge is
// returned and nothing is written.
func (e *Engine) Generate(ctx context.Context, oldPath, newPath, outPath string, maxFraction float64) error {
	oldBytes, err := readFileCancellable(ctx, oldPath)
	if err != nil {
		return err
	}
	newBytes, err := readFileCancellable(ctx, newPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	patch, err := bsdiff.Bytes(oldBytes, newBytes)
	if err != nil {
		return fmt.Errorf("bsdiff failed for %s: %w", newPath, err)
	}

	if maxFraction > 0 {
		limit := int64(maxFraction * float64(len(newBytes)))
		if int64(len(patch)) > limit {
			return fmt.Errorf("%w: %d > %d bytes", ErrPatchTooLarge, len(patch), limit)
		}
	}

	return os.WriteFile(outPath, patch, 0644)
}

// Apply reconstructs the new file from oldPath plus the patch at
// patchPath, writing the result to outPath. Round-tripping a patch from
// Generate reproduces the new file byte for byte.
func (e *Engine) Apply(oldPath, patchPath, outPath string) error {
	oldBytes, err := os.ReadFile(oldPath)
	if err != nil {
		return err
	}
	patch, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}

	newBytes, err := bspatch.Bytes(oldBytes, patch)
	if err != nil {
		return fmt.Errorf("bspatch failed for %s: %w", patchPath, err)
	}

	return os.WriteFile(outPath, newBytes, 0644)
}

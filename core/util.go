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
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// CopyFile will copy the file and permissions to the new target
func CopyFile(source, dest string) error {
	st, err := os.Stat(source)
	if err != nil {
		return err
	}
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(dest, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, st.Mode())
	if err != nil {
		return err
	}
	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// AtomicRename positions the new file into the old name in one step.
// rename(2) within a directory replaces the target atomically, so readers
// either see the old bytes or the new bytes, never a partial file and
// never a missing one. Open descriptors on the old file stay intact.
func AtomicRename(origPath, newPath string) error {
	return os.Rename(origPath, newPath)
}

// FileSha256sum is a quick wrapper to grab the sha256sum for the given
// file, streaming so large packages never sit in memory
func FileSha256sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sha256sum returns the lowercase hex digest of the given bytes
func Sha256sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SyncDir flushes directory entries so a rename survives a crash
func SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// XzCompress produces the xz rendering of the given bytes. This backs the
// compressed index copy which clients may prefer over the plain index.
func XzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PathExists is a trivial helper to figure out if a path exists or not
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

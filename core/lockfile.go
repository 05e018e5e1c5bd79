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
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrRepositoryLocked is returned when another process owns the repository
var ErrRepositoryLocked = errors.New("Repository is locked by another process")

// A LockFile guards the base directory against concurrent writers. The
// lock is a kernel flock, so it is released on every exit path including
// a crash; the file itself is only advisory bookkeeping.
type LockFile struct {
	path string
	file *os.File
}

// NewLockFile will return a lockfile for the given path, without taking
// the lock
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Lock will attempt to take an exclusive, non-blocking lock on the file,
// writing our pid into it for the benefit of a curious operator
func (l *LockFile) Lock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s", ErrRepositoryLocked, l.path)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()
	l.file = f
	return nil
}

// Unlock releases the lock and closes the underlying file
func (l *LockFile) Unlock() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

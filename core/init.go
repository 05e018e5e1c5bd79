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

// Package core provides the internal skiff implementation.
//
// This portion of skiff owns the repository state machine: candidate
// packages come in through the ingest coordinator, the ledger reconciles
// them with prior history, the planner bounds the delta set, and the
// store publishes the re-signed tree atomically.
package core

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	// DatabasePathComponent is the bolt ledger file within the base directory
	DatabasePathComponent = "skiff.db"

	// LockPathComponent asserts single-writer ownership of the base directory
	LockPathComponent = "skiff.lock"

	// RepoPathComponent is the published tree within the base directory
	RepoPathComponent = "repo"

	// AppsPathComponent holds the per-application directories within the tree
	AppsPathComponent = "apps"

	// DeltasPathComponent holds the delta patches within an application directory
	DeltasPathComponent = "deltas"

	// IndexName is the signed repository index file
	IndexName = "index"

	// MetadataName is the signed per-application metadata file
	MetadataName = "metadata"

	// IconName is the optional per-application icon file
	IconName = "icon"

	// Version of the skiff tool
	Version = "0.9.0"
)

// The Context is shared between all of the components of skiff to provide
// working directories and such.
type Context struct {
	BaseDir  string // Base directory of operations
	DbPath   string // Path to the ledger database file
	LockPath string // Path to the lock file
	RepoPath string // Path to the published repository tree
}

// NewContext will construct a context from the given base directory for
// all file path functions
func NewContext(root string) (*Context, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}
	basedir, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Context{
		BaseDir:  basedir,
		DbPath:   filepath.Join(basedir, DatabasePathComponent),
		LockPath: filepath.Join(basedir, LockPathComponent),
		RepoPath: filepath.Join(basedir, RepoPathComponent),
	}, nil
}

// Config carries the tunables of the repository state machine. These are
// policy, not invariants; the defaults match what clients expect but every
// one of them is surfaced as a flag.
type Config struct {
	// DeltaWindow is how many versions below the head get a delta
	DeltaWindow int

	// PatchCap is the fraction of the new file size above which a patch
	// is not worth shipping
	PatchCap float64

	// Workers bounds parallel delta generation within one transaction
	Workers int

	// PlatformRelaxation is how far the minimum platform version may
	// regress between head and candidate. The default of 0 never regresses.
	PlatformRelaxation int
}

// DefaultConfig returns the stock policy configuration
func DefaultConfig() *Config {
	return &Config{
		DeltaWindow:        4,
		PatchCap:           0.75,
		Workers:            runtime.NumCPU(),
		PlatformRelaxation: 0,
	}
}

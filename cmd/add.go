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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add [package...]",
	Short: "add packages to the repository",
	Long: `Ingest one or more candidate packages in a single all-or-nothing
transaction: validate each candidate against its application history,
regenerate the bounded delta set, re-sign the metadata and index, and
publish atomically. Any rejected candidate aborts the whole batch.`,
	Args: cobra.MinimumNArgs(1),
	RunE: addPackages,
}

func init() {
	RootCmd.AddCommand(addCmd)
}

func addPackages(cmd *cobra.Command, args []string) error {
	m, err := newManager(true)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Reconcile(); err != nil {
		return err
	}
	if err := m.Check(false); err != nil {
		return err
	}

	// Cancellation is cooperative at transaction boundaries: a second
	// interrupt kills us outright, the kernel drops the lock
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	go func() {
		<-ch
		signal.Stop(ch)
		cancel()
	}()

	report, err := m.Ingest(ctx, args)
	for _, c := range report.Candidates {
		if c.Err != nil {
			fmt.Fprintf(os.Stderr, " ! %s: %v\n", c.Path, c.Err)
			continue
		}
		fmt.Printf(" * %s %s (%s)\n", c.Identity, c.Version, c.Path)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nPublished repository sequence %d: %d new deltas, %d skipped, %d pruned\n",
		report.RepoSequence, report.NewDeltas, report.SkippedDeltas, report.PrunedDeltas)
	return nil
}

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
	"fmt"

	"github.com/spf13/cobra"
)

var validateFast = false

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "verify the published repository end to end",
	Long: `Verify the signed index and every application's metadata against the
ledger and the on-disk tree: signatures, digests, sizes, and delta
endpoint existence. With --fast, package contents are trusted by size
instead of re-digested.`,
	Args: cobra.NoArgs,
	RunE: validateRepo,
}

func init() {
	validateCmd.Flags().BoolVar(&validateFast, "fast", false, "Trust package contents by size instead of digesting")
	RootCmd.AddCommand(validateCmd)
}

func validateRepo(cmd *cobra.Command, args []string) error {
	m, err := newManager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Check(!validateFast); err != nil {
		return err
	}
	seq, err := m.RepoSequence()
	if err != nil {
		return err
	}
	fmt.Printf("Repository is consistent at sequence %d\n", seq)
	return nil
}

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

	"github.com/spf13/cobra"

	"github.com/skiff-project/skiff/libdelta"
)

var generateDeltaCmd = &cobra.Command{
	Use:   "generate-delta [old] [new] [patch]",
	Short: "produce a binary patch between two packages",
	Long: `Produce the binary patch transforming the old package into the new
one, outside of any repository. The configured patch cap applies; a
patch that is not worthwhile fails with a nonzero exit.`,
	Args: cobra.ExactArgs(3),
	RunE: generateDelta,
}

var applyDeltaCmd = &cobra.Command{
	Use:   "apply-delta [old] [patch] [new]",
	Short: "apply a binary patch to reconstruct a package",
	Args:  cobra.ExactArgs(3),
	RunE:  applyDelta,
}

func init() {
	RootCmd.AddCommand(generateDeltaCmd)
	RootCmd.AddCommand(applyDeltaCmd)
}

func generateDelta(cmd *cobra.Command, args []string) error {
	engine := libdelta.NewEngine()
	if err := engine.Generate(context.Background(), args[0], args[1], args[2], patchCap); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", args[2])
	return nil
}

func applyDelta(cmd *cobra.Command, args []string) error {
	engine := libdelta.NewEngine()
	if err := engine.Apply(args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", args[2])
	return nil
}

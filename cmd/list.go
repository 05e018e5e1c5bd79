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
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list the applications in the repository",
	Args:  cobra.NoArgs,
	RunE:  listApps,
}

func init() {
	RootCmd.AddCommand(listCmd)
}

func listApps(cmd *cobra.Command, args []string) error {
	m, err := newManager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	apps, err := m.ListApps()
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Printf("No applications have been published yet.\n\n")
		fmt.Println("Add one with 'skiff add $package.apk'.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Identity", "Label", "Head", "Versions", "Deltas", "Group"})
	table.SetBorder(false)
	for _, app := range apps {
		table.Append([]string{
			app.Identity,
			app.Label,
			app.Head.String(),
			strconv.Itoa(app.Versions),
			strconv.Itoa(app.Deltas),
			app.Group,
		})
	}
	table.Render()
	return nil
}

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
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// GroupCmd is the parent for release group management
var GroupCmd = &cobra.Command{
	Use:   "group [set] [list]",
	Short: "manage named release groups",
}

var groupSetCmd = &cobra.Command{
	Use:   "set [name] [identity...]",
	Short: "assign applications to a release group",
	Args:  cobra.MinimumNArgs(2),
	RunE:  groupSet,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "list release groups and their members",
	Args:  cobra.NoArgs,
	RunE:  groupList,
}

func init() {
	GroupCmd.AddCommand(groupSetCmd)
	GroupCmd.AddCommand(groupListCmd)
	RootCmd.AddCommand(GroupCmd)
}

func groupSet(cmd *cobra.Command, args []string) error {
	m, err := newManager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.SetGroup(args[0], args[1:]); err != nil {
		return err
	}
	fmt.Printf("Group %s now has %d members\n", args[0], len(args)-1)
	return nil
}

func groupList(cmd *cobra.Command, args []string) error {
	m, err := newManager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	groups, err := m.Groups()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No release groups have been recorded yet.")
		return nil
	}

	var names []string
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf(" * %s: %s\n", name, strings.Join(groups[name], ", "))
	}
	return nil
}

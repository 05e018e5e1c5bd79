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

	"github.com/skiff-project/skiff/core"
	"github.com/skiff-project/skiff/libapk"
)

var (
	editLabel        = ""
	editIcon         = ""
	editNotes        = ""
	editNotesVersion = ""
	editRotateTo     = ""
)

var editCmd = &cobra.Command{
	Use:   "edit [identity]",
	Short: "edit application attributes and republish",
	Long: `Change an application's display label, icon or per-version release
notes, or record a signer rotation authorising the next release to be
signed by a different certificate set. Every edit republishes the
application metadata and the repository index atomically.`,
	Args: cobra.ExactArgs(1),
	RunE: editApp,
}

func init() {
	editCmd.Flags().StringVar(&editLabel, "label", "", "Set the display label")
	editCmd.Flags().StringVar(&editIcon, "icon", "", "Stage an icon file for the application")
	editCmd.Flags().StringVar(&editNotes, "notes", "", "Release notes text for --notes-version")
	editCmd.Flags().StringVar(&editNotesVersion, "notes-version", "", "Version code receiving the release notes")
	editCmd.Flags().StringVar(&editRotateTo, "rotate-to", "", "Record a rotation to this comma-joined signer set")
	RootCmd.AddCommand(editCmd)
}

func editApp(cmd *cobra.Command, args []string) error {
	edit := &core.AppEdit{
		Label:    editLabel,
		IconPath: editIcon,
	}
	if editNotesVersion != "" {
		code, err := libapk.ParseVersionCode(editNotesVersion)
		if err != nil {
			return err
		}
		edit.NotesVersion = code
		edit.Notes = editNotes
		edit.SetNotes = true
	} else if editNotes != "" {
		return fmt.Errorf("--notes requires --notes-version")
	}
	if editRotateTo != "" {
		set, err := libapk.ParseSignerSet(editRotateTo)
		if err != nil {
			return err
		}
		edit.RotateTo = set
	}

	m, err := newManager(true)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Reconcile(); err != nil {
		return err
	}
	seq, err := m.EditApp(args[0], edit)
	if err != nil {
		return err
	}
	fmt.Printf("Republished %s at repository sequence %d\n", args[0], seq)
	return nil
}

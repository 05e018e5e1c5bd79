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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skiff-project/skiff/core"
	"github.com/skiff-project/skiff/libapk"
	"github.com/skiff-project/skiff/libdelta"
	"github.com/skiff-project/skiff/libsign"
)

// RootCmd is the main entry point into skiff
var RootCmd = &cobra.Command{
	Use:           "skiff",
	Short:         "skiff is the signed application repository tool",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		form := &log.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		}
		log.SetFormatter(form)
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

var (
	// baseDir is where we expect to operate
	baseDir = "."

	// keyPath points to the repository private key
	keyPath = ""

	// pubKeyPath points to the repository public key for verify-only use
	pubKeyPath = ""

	// deltaWindow is how many versions below the head get a delta
	deltaWindow = 4

	// patchCap is the patch size fraction above which a delta is skipped
	patchCap = 0.75

	// jobCount bounds parallel delta generation (-1 uses all cores)
	jobCount = -1

	// platformRelaxation is how far minPlatform may regress
	platformRelaxation = 0

	// verbose enables debug logging
	verbose = false
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&baseDir, "base", "d", ".", "Set the base directory for the repository")
	RootCmd.PersistentFlags().StringVarP(&keyPath, "key", "k", "", "Path to the repository private key (PEM)")
	RootCmd.PersistentFlags().StringVarP(&pubKeyPath, "public-key", "p", "", "Path to the repository public key (PEM)")
	RootCmd.PersistentFlags().IntVar(&deltaWindow, "delta-window", 4, "Number of versions below the head to delta against")
	RootCmd.PersistentFlags().Float64Var(&patchCap, "patch-cap", 0.75, "Skip deltas larger than this fraction of the full package")
	RootCmd.PersistentFlags().IntVarP(&jobCount, "jobs", "j", -1, "Number of delta workers (-1 uses all cores)")
	RootCmd.PersistentFlags().IntVar(&platformRelaxation, "platform-relaxation", 0, "Allowed minimum platform regression between releases")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// buildConfig maps the global flags onto the core configuration
func buildConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.DeltaWindow = deltaWindow
	cfg.PatchCap = patchCap
	cfg.PlatformRelaxation = platformRelaxation
	if jobCount > 0 {
		cfg.Workers = jobCount
	}
	return cfg
}

// loadSigner loads whichever key the operator pointed us at, preferring
// the private key. Returns nil when no key flag was given.
func loadSigner() (core.Signer, error) {
	if keyPath != "" {
		key, err := libsign.LoadPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	if pubKeyPath != "" {
		key, err := libsign.LoadPublicKey(pubKeyPath)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	return nil, nil
}

// newManager wires the leaf adapters into a locked repository manager.
// Commands that publish must pass needPrivate to fail early rather than
// halfway through a transaction.
func newManager(needPrivate bool) (*core.Manager, error) {
	ctx, err := core.NewContext(baseDir)
	if err != nil {
		return nil, err
	}
	signer, err := loadSigner()
	if err != nil {
		return nil, err
	}
	if needPrivate {
		key, ok := signer.(*libsign.SigningKey)
		if !ok || !key.CanSign() {
			return nil, fmt.Errorf("a private repository key is required (--key)")
		}
	}
	return core.NewManager(ctx, buildConfig(), libapk.NewInspector(), libdelta.NewEngine(), signer)
}

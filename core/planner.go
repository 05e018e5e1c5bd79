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
	"sort"

	"github.com/skiff-project/skiff/libapk"
)

// A DeltaPair names one patch the planner wants generated, always
// targeting the current head
type DeltaPair struct {
	From VersionEntry
	To   VersionEntry
}

// A DeltaPlan is the planner's verdict for one application after ingest:
// which patches to generate, which existing patches survive, and which
// must be pruned from the tree
type DeltaPlan struct {
	Generate []DeltaPair  // Pairs needing generation, ascending by From
	Keep     []DeltaEntry // Existing deltas that remain valid
	Prune    []DeltaEntry // Existing deltas to delete
}

// chainCompatible walks the adjacent version chain between indices lo and
// hi and requires every step to be signer-compatible. A delta is only
// offered when the whole upgrade path it spans was admissible.
func chainCompatible(rec *AppRecord, lo, hi int) bool {
	for j := lo; j < hi; j++ {
		if !SignerCompatible(rec.Versions[j].Signers, rec.Versions[j+1].Signers, rec.Rotations) {
			return false
		}
	}
	return true
}

// PlanDeltas computes the target delta set for an application history
// whose Versions already include the new head. The window bounds how many
// versions below the head receive a delta; skipped reports pairs recorded
// as not worthwhile. For identical inputs the plan is identical, which
// keeps the produced delta set byte-stable across runs.
func PlanDeltas(rec *AppRecord, window int, skipped func(from, to libapk.VersionCode) bool) *DeltaPlan {
	plan := &DeltaPlan{}
	n := len(rec.Versions)
	if n < 2 || window < 1 {
		plan.Prune = append(plan.Prune, rec.Deltas...)
		return plan
	}

	head := rec.Versions[n-1]
	lo := n - 1 - window
	if lo < 0 {
		lo = 0
	}

	// The target set: every version in the window below the head whose
	// chain to the head is fully signer-compatible
	wanted := make(map[libapk.VersionCode]int)
	for i := lo; i < n-1; i++ {
		if !chainCompatible(rec, i, n-1) {
			continue
		}
		wanted[rec.Versions[i].Code] = i
	}

	// Partition the existing set into survivors and prunes
	existing := make(map[libapk.VersionCode]bool)
	for _, d := range rec.Deltas {
		if _, ok := wanted[d.From]; d.To == head.Code && ok {
			plan.Keep = append(plan.Keep, d)
			existing[d.From] = true
			continue
		}
		plan.Prune = append(plan.Prune, d)
	}

	// Whatever remains in the window needs generating, unless a previous
	// run already proved the pair not worthwhile
	for code, i := range wanted {
		if existing[code] {
			continue
		}
		if skipped != nil && skipped(code, head.Code) {
			continue
		}
		plan.Generate = append(plan.Generate, DeltaPair{
			From: rec.Versions[i],
			To:   head,
		})
	}

	sort.Slice(plan.Generate, func(a, b int) bool {
		return plan.Generate[a].From.Code < plan.Generate[b].From.Code
	})
	sort.Slice(plan.Keep, func(a, b int) bool {
		return plan.Keep[a].From < plan.Keep[b].From
	})
	sort.Slice(plan.Prune, func(a, b int) bool {
		if plan.Prune[a].From != plan.Prune[b].From {
			return plan.Prune[a].From < plan.Prune[b].From
		}
		return plan.Prune[a].To < plan.Prune[b].To
	})
	return plan
}

// Copyright 2025 btrmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replicate

import (
	log "github.com/sirupsen/logrus"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/volume"
)

// TransferMode selects full or incremental transfer for one subvolume.
type TransferMode int

const (
	// TransferFull sends the complete subvolume.
	TransferFull TransferMode = iota
	// TransferIncremental sends only the difference against an ancestor
	// snapshot that was transferred earlier in the same run.
	TransferIncremental
)

func (m TransferMode) String() string {
	if m == TransferIncremental {
		return "incremental"
	}
	return "full"
}

// PlanEntry is one planned subvolume transfer. ParentPath is set only for
// incremental transfers and is the parent's path relative to the top-level
// subvolume.
type PlanEntry struct {
	Subvol     btrfs.Subvolume
	Mode       TransferMode
	ParentPath string
}

// BuildPlan computes the transfer plan for a graph, in graph (creation)
// order. A subvolume is planned incremental exactly when its recorded
// parent uuid resolves to a subvolume that is itself part of the plan: the
// parent is then guaranteed to be on the destination, with the same
// generation, by the time the child transfers. A parent that is missing
// from the filesystem (deleted ancestor) or excluded by filter forces a
// full transfer.
//
// The plan is computed once; it is not re-derived after individual
// transfers, so a parent whose transfer later fails still leaves its
// children planned incremental (their receives will fail and be reported).
func BuildPlan(g *Graph, filter volume.Filter, skipPaths ...string) ([]PlanEntry, []btrfs.Subvolume) {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	planned := make(map[string]string, len(g.Subvols)) // uuid → relative path
	var plan []PlanEntry
	var excluded []btrfs.Subvolume

	for _, sv := range g.Subvols {
		if skip[sv.Path] || !filter(sv.Path) {
			log.Debugf("[PLAN] %s: excluded", sv.Path)
			excluded = append(excluded, sv)
			continue
		}

		entry := PlanEntry{Subvol: sv, Mode: TransferFull}
		if sv.HasParent() {
			if parentPath, ok := planned[sv.ParentUUID]; ok {
				entry.Mode = TransferIncremental
				entry.ParentPath = parentPath
			}
		}
		log.Debugf("[PLAN] %s: %s (parent=%s)", sv.Path, entry.Mode, entry.ParentPath)
		planned[sv.UUID] = sv.Path
		plan = append(plan, entry)
	}
	return plan, excluded
}

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

// Package replicate orchestrates the replication of a btrfs filesystem and
// all its subvolumes from one mounted location to another.
package replicate

import (
	"context"

	"btrmirror/internal/btrfs"
)

// Graph is the subvolume lineage of one filesystem: an arena of Subvolume
// records in ascending creation-generation order, plus a uuid lookup into
// the arena. Because generation order is creation order, a parent that is
// present at all appears strictly before its children — the transfer loop
// never needs a subvolume that has not been processed yet, without any
// explicit topological sort.
type Graph struct {
	Subvols []btrfs.Subvolume
	byUUID  map[string]int
}

// BuildGraph indexes a generation-sorted subvolume listing.
func BuildGraph(subvols []btrfs.Subvolume) *Graph {
	g := &Graph{
		Subvols: subvols,
		byUUID:  make(map[string]int, len(subvols)),
	}
	for i, sv := range subvols {
		g.byUUID[sv.UUID] = i
	}
	return g
}

// LoadGraph lists the subvolumes under root and builds their graph.
func LoadGraph(ctx context.Context, r btrfs.Runner, root string) (*Graph, error) {
	subvols, err := btrfs.ListSubvolumes(ctx, r, root)
	if err != nil {
		return nil, err
	}
	return BuildGraph(subvols), nil
}

// PathByUUID resolves a subvolume uuid to its path relative to the
// top-level subvolume.
func (g *Graph) PathByUUID(uuid string) (string, bool) {
	i, ok := g.byUUID[uuid]
	if !ok {
		return "", false
	}
	return g.Subvols[i].Path, true
}

// Contains reports whether uuid belongs to this filesystem's tree.
func (g *Graph) Contains(uuid string) bool {
	_, ok := g.byUUID[uuid]
	return ok
}

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

package btrfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"btrmirror/internal/common"
)

// TopLevelID is the well-known id of the btrfs top-level subvolume.
const TopLevelID uint64 = 5

// NoParentUUID is the sentinel btrfs prints for a subvolume without a
// recorded parent (not a snapshot, or the parent is unknown).
const NoParentUUID = "-"

// Subvolume is one node of a filesystem's subvolume tree, as reported by
// `btrfs subvolume list`. Path is relative to the top-level subvolume.
// ReadOnly is filled in later from `btrfs property get`; the listing itself
// does not carry it.
type Subvolume struct {
	Path       string
	ID         uint64
	Gen        uint64
	TopLevel   uint64
	ParentUUID string
	UUID       string
	ReadOnly   bool
}

// HasParent reports whether a parent uuid was recorded for this subvolume.
func (s Subvolume) HasParent() bool {
	return s.ParentUUID != NoParentUUID && s.ParentUUID != ""
}

// ListSubvolumes enumerates every subvolume under root, sorted ascending by
// creation generation (ogen). That order is creation order, which guarantees
// a parent always precedes its children in the result.
//
// A failed or unparseable listing is fatal (common.ErrListingUnavailable):
// without it no safe transfer order can be derived.
func ListSubvolumes(ctx context.Context, r Runner, root string) ([]Subvolume, error) {
	out, err := r.Output(ctx, "btrfs", "subvolume", "list", "-u", "-q", "--sort=ogen", root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrListingUnavailable, err)
	}
	subvols, err := ParseSubvolumeList(string(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrListingUnavailable, err)
	}
	return subvols, nil
}

// ParseSubvolumeList parses `btrfs subvolume list -u -q` output. Each line:
//
//	ID 257 gen 10 top level 5 parent_uuid - uuid 7c4e...-... path foo/bar
func ParseSubvolumeList(out string) ([]Subvolume, error) {
	var subvols []Subvolume
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sv, err := parseSubvolumeLine(line)
		if err != nil {
			return nil, err
		}
		subvols = append(subvols, sv)
	}
	return subvols, nil
}

func parseSubvolumeLine(line string) (Subvolume, error) {
	fields := strings.Fields(line)
	// "top level" is two tokens, so the fixed part is 13 fields; the path may
	// contain spaces and spill into more.
	if len(fields) < 13 ||
		fields[0] != "ID" || fields[2] != "gen" ||
		fields[4] != "top" || fields[5] != "level" ||
		fields[7] != "parent_uuid" || fields[9] != "uuid" || fields[11] != "path" {
		return Subvolume{}, fmt.Errorf("malformed subvolume list line: %q", line)
	}

	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Subvolume{}, fmt.Errorf("bad subvolume id in %q: %w", line, err)
	}
	gen, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Subvolume{}, fmt.Errorf("bad generation in %q: %w", line, err)
	}
	topLevel, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return Subvolume{}, fmt.Errorf("bad top level in %q: %w", line, err)
	}

	parentUUID := fields[8]
	if parentUUID != NoParentUUID {
		if _, err := uuid.Parse(parentUUID); err != nil {
			return Subvolume{}, fmt.Errorf("bad parent uuid in %q: %w", line, err)
		}
	}
	svUUID := fields[10]
	if _, err := uuid.Parse(svUUID); err != nil {
		return Subvolume{}, fmt.Errorf("bad uuid in %q: %w", line, err)
	}

	return Subvolume{
		Path:       strings.Join(fields[12:], " "),
		ID:         id,
		Gen:        gen,
		TopLevel:   topLevel,
		ParentUUID: parentUUID,
		UUID:       svUUID,
	}, nil
}

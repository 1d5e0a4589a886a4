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

	"btrmirror/internal/common"
)

// ResolveSubvolumeID returns the id of the subvolume mounted or rooted at
// path, via `btrfs inspect-internal rootid`, falling back to parsing
// `btrfs subvolume show` on progs too old to carry the former.
func ResolveSubvolumeID(ctx context.Context, r Runner, path string) (uint64, error) {
	out, err := r.Output(ctx, "btrfs", "inspect-internal", "rootid", path)
	if err != nil {
		return resolveViaShow(ctx, r, path)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad rootid reply %q", common.ErrSubvolumeUnresolvable, strings.TrimSpace(string(out)))
	}
	return id, nil
}

func resolveViaShow(ctx context.Context, r Runner, path string) (uint64, error) {
	out, err := r.Output(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrSubvolumeUnresolvable, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(label) != "Subvolume ID" {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad subvolume id %q", common.ErrSubvolumeUnresolvable, strings.TrimSpace(value))
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: no subvolume id in show output for %s", common.ErrSubvolumeUnresolvable, path)
}

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
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"btrmirror/internal/btrfs"
)

// ReadOnlyState drives the read-only flag of source subvolumes around the
// transfer loop. Only flags this run actually flipped are memoized, so
// Restore puts back exactly the pre-run state: a subvolume that was already
// read-only by user policy is never touched and stays read-only afterward.
type ReadOnlyState struct {
	runner   btrfs.Runner
	root     string // source mount path
	memo     []string
	restored bool
}

func NewReadOnlyState(r btrfs.Runner, root string) *ReadOnlyState {
	return &ReadOnlyState{runner: r, root: root}
}

// Capture records the current read-only flag of every subvolume in the
// graph, mutating the arena records in place. A failed or ambiguous query
// is not fatal: the flag is conservatively assumed false (mutable), so the
// subvolume will be forced read-only for its transfer and flipped back
// afterward. A single unreadable property must not block replication of
// everything else.
func (s *ReadOnlyState) Capture(ctx context.Context, g *Graph) {
	for i := range g.Subvols {
		sv := &g.Subvols[i]
		ro, err := btrfs.GetReadOnly(ctx, s.runner, filepath.Join(s.root, sv.Path))
		if err != nil {
			log.Warnf("[RO] cannot read ro flag of %s, assuming writable: %v", sv.Path, err)
			ro = false
		}
		sv.ReadOnly = ro
	}
}

// ForceReadOnly makes a subvolume read-only for the duration of its
// transfer, so the sent data is a frozen point-in-time view and the
// differential relationship to later incremental transfers stays well
// defined. Already read-only subvolumes are left alone and not memoized.
func (s *ReadOnlyState) ForceReadOnly(ctx context.Context, sv *btrfs.Subvolume) error {
	if sv.ReadOnly {
		return nil
	}
	path := filepath.Join(s.root, sv.Path)
	if err := btrfs.SetReadOnly(ctx, s.runner, path, true); err != nil {
		return err
	}
	s.memo = append(s.memo, sv.Path)
	return nil
}

// Restore flips every memoized flag back to writable. It runs on every
// exit path, succeeds-or-not per path, and releases the memo exactly once;
// a second call is a no-op.
func (s *ReadOnlyState) Restore(ctx context.Context) {
	if s.restored {
		return
	}
	s.restored = true
	for _, rel := range s.memo {
		path := filepath.Join(s.root, rel)
		if err := btrfs.SetReadOnly(ctx, s.runner, path, false); err != nil {
			log.Warnf("[RO] failed to restore ro=false on %s: %v", rel, err)
		}
	}
	s.memo = nil
}

// Changed returns the relative paths whose flag this run flipped. Test and
// reporting hook.
func (s *ReadOnlyState) Changed() []string {
	return append([]string(nil), s.memo...)
}

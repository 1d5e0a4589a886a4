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

package volume

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/util"
)

// DefaultSettleTimeout bounds how long a remount waits for the new binding
// to become visible in the mount table.
const DefaultSettleTimeout = 5 * time.Second

// Remounter rebinds a mounted btrfs filesystem to a different subvolume at
// the same mount path. The unmount+mount pair is executed unconditionally,
// even when the target binding is already active: if it is, the sequence is
// side-effect-free, and not special-casing it keeps the manager stateless.
type Remounter struct {
	runner btrfs.Runner

	// Verify controls post-remount polling of the mount table. Disabled
	// under dry-run, where the mount commands are no-ops and the table
	// would never show the new binding.
	Verify        bool
	SettleTimeout time.Duration
}

func NewRemounter(r btrfs.Runner) *Remounter {
	return &Remounter{runner: r, Verify: true, SettleTimeout: DefaultSettleTimeout}
}

// ToRoot remounts the volume at its top-level subvolume so the whole
// subvolume tree is visible. Returns the freshly re-derived Volume.
func (m *Remounter) ToRoot(ctx context.Context, vol Volume) (Volume, error) {
	return m.rebind(ctx, vol, btrfs.TopLevelID)
}

// ToSubvolume remounts the volume bound to a specific subvolume id.
func (m *Remounter) ToSubvolume(ctx context.Context, vol Volume, subvolID uint64) (Volume, error) {
	return m.rebind(ctx, vol, subvolID)
}

func (m *Remounter) rebind(ctx context.Context, vol Volume, subvolID uint64) (Volume, error) {
	log.Infof("[MOUNT] rebinding %s (%s) to subvolid=%d", vol.MountPath, vol.Device, subvolID)

	if err := m.runner.Run(ctx, "umount", vol.MountPath); err != nil {
		return vol, fmt.Errorf("unmount %s: %w", vol.MountPath, err)
	}
	opt := fmt.Sprintf("subvolid=%d", subvolID)
	if err := m.runner.Run(ctx, "mount", "-o", opt, vol.Device, vol.MountPath); err != nil {
		return vol, fmt.Errorf("mount %s at %s: %w", vol.Device, vol.MountPath, err)
	}

	if !m.Verify {
		// Best guess without consulting the table; dry-run only.
		vol.SubvolID = subvolID
		return vol, nil
	}
	return m.settle(ctx, vol.MountPath, subvolID)
}

// settle polls the mount table until the new binding is visible. The
// table can lag the mount syscall briefly; this is a read-side wait, not a
// retry of the mutating commands.
func (m *Remounter) settle(ctx context.Context, path string, subvolID uint64) (Volume, error) {
	timeout := m.SettleTimeout
	if timeout == 0 {
		timeout = DefaultSettleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return util.RetryWithResult(ctx, func() (Volume, error) {
		vol, err := Locate(ctx, m.runner, path)
		if err != nil {
			return Volume{}, err
		}
		if vol.SubvolID != subvolID {
			return Volume{}, fmt.Errorf("mount table still shows subvolid=%d at %s", vol.SubvolID, path)
		}
		return vol, nil
	}, util.SettleOptions(ctx)...)
}

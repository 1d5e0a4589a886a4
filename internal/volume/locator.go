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

// Package volume locates mounted btrfs filesystems and manages their mount
// bindings. It drives the mount table and block-device collaborators; it
// never touches subvolume data itself.
package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/common"
)

// Volume is one filesystem's current mount binding. It is re-derived from
// the live mount table whenever the mount changes, never mutated in place.
type Volume struct {
	Device     string
	MountPath  string
	SubvolID   uint64
	SubvolPath string
}

// IsRootMount reports whether the volume is mounted at its top-level
// subvolume, i.e. the whole subvolume tree is visible.
func (v Volume) IsRootMount() bool {
	return v.SubvolID == btrfs.TopLevelID
}

// lsblkDevice mirrors one node of `lsblk --json` output.
type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Fstype     string        `json:"fstype"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// mountEntry is one parsed mount table line.
type mountEntry struct {
	device  string
	path    string
	fstype  string
	options []string
}

// Locate confirms path is a btrfs mount point and returns its binding:
// backing device plus the currently-active subvolume id and path. The id
// defaults to the top-level id and the path to "/" unless the mount options
// declare an explicit subvolume.
func Locate(ctx context.Context, r btrfs.Runner, path string) (Volume, error) {
	out, err := r.Output(ctx, "mount")
	if err != nil {
		return Volume{}, fmt.Errorf("query mount table: %w", err)
	}
	entry, err := findMount(string(out), path)
	if err != nil {
		return Volume{}, err
	}
	if entry.fstype != "btrfs" {
		return Volume{}, fmt.Errorf("%w: %s is %s", common.ErrUnsupportedFilesystem, path, entry.fstype)
	}

	// Cross-check against the block device tree. A device the kernel mounted
	// as btrfs but lsblk reports otherwise points at a stacked or stale
	// mount we should not touch.
	if err := verifyBlockDevice(ctx, r, entry.device); err != nil {
		return Volume{}, err
	}

	vol := Volume{
		Device:     entry.device,
		MountPath:  entry.path,
		SubvolID:   btrfs.TopLevelID,
		SubvolPath: "/",
	}
	for _, opt := range entry.options {
		if v, ok := strings.CutPrefix(opt, "subvolid="); ok {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Volume{}, fmt.Errorf("bad subvolid option %q on %s: %w", opt, path, err)
			}
			vol.SubvolID = id
		}
		if v, ok := strings.CutPrefix(opt, "subvol="); ok {
			vol.SubvolPath = v
		}
	}
	log.Debugf("[VOLUME] %s: device=%s subvolid=%d subvol=%s", path, vol.Device, vol.SubvolID, vol.SubvolPath)
	return vol, nil
}

// findMount scans mount table output of the form
//
//	/dev/sdb on /build type btrfs (rw,relatime,subvolid=5,subvol=/)
//
// for the entry mounted at path.
func findMount(mountOutput, path string) (mountEntry, error) {
	for _, line := range strings.Split(mountOutput, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, ok := parseMountLine(line)
		if !ok {
			continue
		}
		if entry.path == path {
			return entry, nil
		}
	}
	return mountEntry{}, fmt.Errorf("%w: %s", common.ErrNotMounted, path)
}

func parseMountLine(line string) (mountEntry, bool) {
	device, rest, ok := strings.Cut(line, " on ")
	if !ok {
		return mountEntry{}, false
	}
	path, rest, ok := strings.Cut(rest, " type ")
	if !ok {
		return mountEntry{}, false
	}
	fstype, optsPart, ok := strings.Cut(rest, " (")
	if !ok {
		return mountEntry{}, false
	}
	optsPart = strings.TrimSuffix(optsPart, ")")
	return mountEntry{
		device:  device,
		path:    path,
		fstype:  fstype,
		options: strings.Split(optsPart, ","),
	}, true
}

func verifyBlockDevice(ctx context.Context, r btrfs.Runner, device string) error {
	out, err := r.Output(ctx, "lsblk", "--json", "-o", "NAME,PATH,FSTYPE,MOUNTPOINT")
	if err != nil {
		return fmt.Errorf("enumerate block devices: %w", err)
	}
	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return fmt.Errorf("parse lsblk output: %w", err)
	}
	dev := findDevice(parsed.BlockDevices, device)
	if dev == nil {
		return fmt.Errorf("%w: device %s not found", common.ErrUnsupportedFilesystem, device)
	}
	if dev.Fstype != "btrfs" {
		return fmt.Errorf("%w: device %s is %q", common.ErrUnsupportedFilesystem, device, dev.Fstype)
	}
	return nil
}

func findDevice(devices []lsblkDevice, path string) *lsblkDevice {
	for i := range devices {
		if devices[i].Path == path {
			return &devices[i]
		}
		if child := findDevice(devices[i].Children, path); child != nil {
			return child
		}
	}
	return nil
}

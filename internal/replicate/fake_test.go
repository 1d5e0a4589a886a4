package replicate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"btrmirror/internal/btrfs"
)

// fakeMount is one entry of the fake's mount table.
type fakeMount struct {
	device     string
	fstype     string
	subvolID   uint64
	subvolPath string
}

// fakeRunner simulates the external collaborators statefully: umount/mount
// edit its mount table, property set edits its ro flags, and every mutating
// command is recorded in order.
type fakeRunner struct {
	devices map[string]string    // device path → fstype
	mounts  map[string]fakeMount // mount path → entry
	listing map[string]string    // filesystem root → subvolume list output
	ro      map[string]string    // abs subvolume path → property get reply
	rootids map[string]string    // abs path → inspect-internal rootid reply

	failRun   map[string]error // substring of command → error
	failPipe  map[string]error
	failQuery map[string]error

	mutations []string // Run and Pipe commands, in order
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		devices:   make(map[string]string),
		mounts:    make(map[string]fakeMount),
		listing:   make(map[string]string),
		ro:        make(map[string]string),
		rootids:   make(map[string]string),
		failRun:   make(map[string]error),
		failPipe:  make(map[string]error),
		failQuery: make(map[string]error),
	}
}

func (f *fakeRunner) addVolume(device, fstype, mountPath string, subvolID uint64, subvolPath string) {
	f.devices[device] = fstype
	f.mounts[mountPath] = fakeMount{device: device, fstype: fstype, subvolID: subvolID, subvolPath: subvolPath}
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := name
	if len(args) > 0 {
		cmd = name + " " + strings.Join(args, " ")
	}
	for substr, err := range f.failQuery {
		if strings.Contains(cmd, substr) {
			return nil, err
		}
	}

	switch {
	case cmd == "mount":
		return []byte(f.mountTable()), nil
	case name == "lsblk":
		return []byte(f.lsblkJSON()), nil
	case strings.HasPrefix(cmd, "btrfs subvolume list"):
		root := args[len(args)-1]
		out, ok := f.listing[root]
		if !ok {
			return nil, errors.New("cannot access " + root)
		}
		return []byte(out), nil
	case strings.HasPrefix(cmd, "btrfs property get"):
		path := args[len(args)-2]
		if reply, ok := f.ro[path]; ok {
			return []byte(reply), nil
		}
		return []byte("ro=false"), nil
	case strings.HasPrefix(cmd, "btrfs inspect-internal rootid"):
		path := args[len(args)-1]
		if reply, ok := f.rootids[path]; ok {
			return []byte(reply), nil
		}
		return nil, errors.New("no such subvolume " + path)
	}
	return nil, errors.New("unexpected query " + cmd)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	cmd := name
	if len(args) > 0 {
		cmd = name + " " + strings.Join(args, " ")
	}
	for substr, err := range f.failRun {
		if strings.Contains(cmd, substr) {
			f.mutations = append(f.mutations, cmd+" (failed)")
			return err
		}
	}
	f.mutations = append(f.mutations, cmd)

	switch {
	case name == "umount":
		delete(f.mounts, args[0])
	case name == "mount":
		// mount -o subvolid=N <dev> <path>
		id, _ := strconv.ParseUint(strings.TrimPrefix(args[1], "subvolid="), 10, 64)
		subvolPath := "/"
		if id != btrfs.TopLevelID {
			subvolPath = fmt.Sprintf("/@%d", id)
		}
		f.mounts[args[3]] = fakeMount{
			device: args[2], fstype: f.devices[args[2]], subvolID: id, subvolPath: subvolPath,
		}
	case strings.HasPrefix(cmd, "btrfs property set"):
		// btrfs property set -ts <path> ro <v>
		f.ro[args[3]] = "ro=" + args[5]
	}
	return nil
}

func (f *fakeRunner) Pipe(_ context.Context, src btrfs.Cmd, dst btrfs.Cmd) error {
	cmd := src.String() + " | " + dst.String()
	for substr, err := range f.failPipe {
		if strings.Contains(cmd, substr) {
			f.mutations = append(f.mutations, cmd+" (failed)")
			return err
		}
	}
	f.mutations = append(f.mutations, cmd)
	return nil
}

func (f *fakeRunner) mountTable() string {
	var b strings.Builder
	for path, m := range f.mounts {
		fmt.Fprintf(&b, "%s on %s type %s (rw,relatime,subvolid=%d,subvol=%s)\n",
			m.device, path, m.fstype, m.subvolID, m.subvolPath)
	}
	return b.String()
}

func (f *fakeRunner) lsblkJSON() string {
	var entries []string
	for dev, fstype := range f.devices {
		entries = append(entries, fmt.Sprintf(
			`{"name": %q, "path": %q, "fstype": %q, "mountpoint": null}`,
			strings.TrimPrefix(dev, "/dev/"), dev, fstype))
	}
	return `{"blockdevices": [` + strings.Join(entries, ",") + `]}`
}

// mutationIndex returns the position of the first recorded mutation
// containing substr, or -1.
func (f *fakeRunner) mutationIndex(substr string) int {
	for i, m := range f.mutations {
		if strings.Contains(m, substr) {
			return i
		}
	}
	return -1
}

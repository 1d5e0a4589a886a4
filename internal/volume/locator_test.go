package volume

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/common"
)

const lsblkTwoDisks = `{
  "blockdevices": [
    {"name": "sda", "path": "/dev/sda", "fstype": null, "mountpoint": null,
     "children": [
       {"name": "sda1", "path": "/dev/sda1", "fstype": "btrfs", "mountpoint": "/mnt/src"}
     ]},
    {"name": "sdb", "path": "/dev/sdb", "fstype": "btrfs", "mountpoint": "/mnt/dst"},
    {"name": "sdc", "path": "/dev/sdc", "fstype": "ext4", "mountpoint": "/data"}
  ]
}`

type queryRunner struct {
	outputs map[string]string
}

func (q *queryRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name
	if len(args) > 0 {
		key = name + " " + strings.Join(args, " ")
	}
	out, ok := q.outputs[key]
	if !ok {
		return nil, errors.New("no script for " + key)
	}
	return []byte(out), nil
}

func (q *queryRunner) Run(context.Context, string, ...string) error { return nil }

func (q *queryRunner) Pipe(context.Context, btrfs.Cmd, btrfs.Cmd) error { return nil }

func newQueryRunner(mountTable string) *queryRunner {
	return &queryRunner{outputs: map[string]string{
		"mount": mountTable,
		"lsblk --json -o NAME,PATH,FSTYPE,MOUNTPOINT": lsblkTwoDisks,
	}}
}

func TestLocateRootMount(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sdb on /mnt/dst type btrfs (rw,relatime,space_cache=v2,subvolid=5,subvol=/)\n")
	vol, err := Locate(context.Background(), r, "/mnt/dst")
	require.NoError(t, err)
	assert.Equal(t, Volume{Device: "/dev/sdb", MountPath: "/mnt/dst", SubvolID: 5, SubvolPath: "/"}, vol)
	assert.True(t, vol.IsRootMount())
}

func TestLocateSubvolumeMount(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sda1 on /mnt/src type btrfs (rw,relatime,subvolid=257,subvol=/@root)\n")
	vol, err := Locate(context.Background(), r, "/mnt/src")
	require.NoError(t, err)
	assert.Equal(t, uint64(257), vol.SubvolID)
	assert.Equal(t, "/@root", vol.SubvolPath)
	assert.False(t, vol.IsRootMount())
}

func TestLocateDefaultsWithoutSubvolOptions(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sdb on /mnt/dst type btrfs (rw,relatime)\n")
	vol, err := Locate(context.Background(), r, "/mnt/dst")
	require.NoError(t, err)
	assert.Equal(t, btrfs.TopLevelID, vol.SubvolID)
	assert.Equal(t, "/", vol.SubvolPath)
}

func TestLocateRejectsNonBtrfs(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sdc on /data type ext4 (rw,relatime)\n")
	_, err := Locate(context.Background(), r, "/data")
	assert.ErrorIs(t, err, common.ErrUnsupportedFilesystem)
}

func TestLocateRejectsUnmountedPath(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sdb on /mnt/dst type btrfs (rw,subvolid=5,subvol=/)\n")
	_, err := Locate(context.Background(), r, "/mnt/other")
	assert.ErrorIs(t, err, common.ErrNotMounted)
}

func TestLocateRejectsDeviceMissingFromLsblk(t *testing.T) {
	t.Parallel()

	r := newQueryRunner("/dev/sdz on /mnt/dst type btrfs (rw,subvolid=5,subvol=/)\n")
	r.outputs["mount"] = "/dev/sdz on /mnt/dst type btrfs (rw,subvolid=5,subvol=/)\n"
	_, err := Locate(context.Background(), r, "/mnt/dst")
	assert.ErrorIs(t, err, common.ErrUnsupportedFilesystem)
}

func TestParseMountLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		ok   bool
		want mountEntry
	}{
		{
			name: "btrfs_with_subvol",
			line: "/dev/sdb on /build type btrfs (rw,relatime,subvolid=5,subvol=/)",
			ok:   true,
			want: mountEntry{
				device:  "/dev/sdb",
				path:    "/build",
				fstype:  "btrfs",
				options: []string{"rw", "relatime", "subvolid=5", "subvol=/"},
			},
		},
		{
			name: "proc_pseudo_fs",
			line: "proc on /proc type proc (rw,nosuid,nodev,noexec)",
			ok:   true,
			want: mountEntry{
				device:  "proc",
				path:    "/proc",
				fstype:  "proc",
				options: []string{"rw", "nosuid", "nodev", "noexec"},
			},
		},
		{name: "garbage", line: "not a mount line", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseMountLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFindDeviceRecursesChildren(t *testing.T) {
	t.Parallel()

	devices := []lsblkDevice{
		{Path: "/dev/sda", Children: []lsblkDevice{
			{Path: "/dev/sda1", Fstype: "btrfs"},
		}},
	}
	dev := findDevice(devices, "/dev/sda1")
	require.NotNil(t, dev)
	assert.Equal(t, "btrfs", dev.Fstype)
	assert.Nil(t, findDevice(devices, "/dev/sdx"))
}

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
	"time"

	"github.com/google/uuid"
)

// SnapshotReadOnly creates a read-only snapshot of src at dst.
func SnapshotReadOnly(ctx context.Context, r Runner, src, dst string) error {
	return r.Run(ctx, "btrfs", "subvolume", "snapshot", "-r", src, dst)
}

// DeleteSubvolume removes a subvolume or snapshot.
func DeleteSubvolume(ctx context.Context, r Runner, path string) error {
	return r.Run(ctx, "btrfs", "subvolume", "delete", path)
}

// Send transfers the read-only subvolume at src into the directory dstDir on
// the destination filesystem. When parent is non-empty an incremental stream
// is sent, encoding only the blocks that differ from parent; parent must be
// present on both sides.
func Send(ctx context.Context, r Runner, src, dstDir, parent string) error {
	send := Cmd{Name: "btrfs", Args: []string{"send"}}
	if parent != "" {
		send.Args = append(send.Args, "-p", parent)
	}
	send.Args = append(send.Args, src)
	receive := Cmd{Name: "btrfs", Args: []string{"receive", dstDir}}
	return r.Pipe(ctx, send, receive)
}

// Rename moves a received subvolume to its final name. Plain rename(2)
// semantics, run through the Runner so dry-run captures it.
func Rename(ctx context.Context, r Runner, oldPath, newPath string) error {
	return r.Run(ctx, "mv", "-T", oldPath, newPath)
}

// GenerateSnapshotName builds a run-scoped transient snapshot name. The
// uuid suffix keeps two runs within the same second from colliding.
func GenerateSnapshotName(prefix string) string {
	if prefix == "" {
		prefix = "btrmirror"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().Unix(), uuid.NewString()[:8])
}

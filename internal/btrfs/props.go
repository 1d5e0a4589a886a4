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
	"strings"
)

// GetReadOnly queries the ro property of a subvolume. The reply is the
// single line "ro=true" or "ro=false"; anything else is an error so the
// caller can apply its own policy for ambiguous replies.
func GetReadOnly(ctx context.Context, r Runner, path string) (bool, error) {
	out, err := r.Output(ctx, "btrfs", "property", "get", "-ts", path, "ro")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(out)) {
	case "ro=true":
		return true, nil
	case "ro=false":
		return false, nil
	}
	return false, fmt.Errorf("unexpected property reply for %s: %q", path, strings.TrimSpace(string(out)))
}

// SetReadOnly sets or clears the ro property of a subvolume.
func SetReadOnly(ctx context.Context, r Runner, path string, ro bool) error {
	value := "false"
	if ro {
		value = "true"
	}
	return r.Run(ctx, "btrfs", "property", "set", "-ts", path, "ro", value)
}

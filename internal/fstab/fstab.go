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

// Package fstab patches the persisted mount configuration so a replicated
// root subvolume is referenced going forward. The patch is a single-line
// rewrite: only the options field of the one line mounting the destination
// path changes, every other byte of the file passes through unmodified.
package fstab

import (
	"fmt"
	"os"
	"strings"
)

// DefaultPath is the system mount configuration record.
const DefaultPath = "/etc/fstab"

// PatchContent rewrites the subvolid= and subvol= options of the first
// non-comment line whose mount path equals mountPath. Existing entries are
// replaced in place; missing ones are appended to the options field. All
// other lines, comments included, are returned byte-identical. The second
// return reports whether a line was patched.
//
// Applying the same patch twice yields identical output.
func PatchContent(content, mountPath string, subvolID uint64, subvolPath string) (string, bool) {
	// Preserve the exact trailing-newline shape of the input.
	lines := strings.Split(content, "\n")
	patched := false
	for i, line := range lines {
		if patched {
			break
		}
		newLine, ok := patchLine(line, mountPath, subvolID, subvolPath)
		if ok {
			lines[i] = newLine
			patched = true
		}
	}
	return strings.Join(lines, "\n"), patched
}

// PatchFile applies PatchContent to the file at path. Nothing is written
// when no line matches.
func PatchFile(path, mountPath string, subvolID uint64, subvolPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	newContent, patched := PatchContent(string(data), mountPath, subvolID, subvolPath)
	if !patched {
		return fmt.Errorf("no entry for %s in %s", mountPath, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(newContent), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// patchLine rewrites one fstab line when it mounts mountPath. The options
// field (field 4) is rewritten in place; the surrounding whitespace and the
// remaining fields keep their original bytes.
func patchLine(line, mountPath string, subvolID uint64, subvolPath string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line, false
	}
	fields := fieldSpans(line)
	// device, path, type, options, and two trailing numeric fields
	if len(fields) < 6 {
		return line, false
	}
	if line[fields[1].start:fields[1].end] != mountPath {
		return line, false
	}
	opts := line[fields[3].start:fields[3].end]
	newOpts := rewriteOptions(opts, subvolID, subvolPath)
	return line[:fields[3].start] + newOpts + line[fields[3].end:], true
}

// rewriteOptions replaces subvolid= and subvol= entries in a mount options
// string, appending whichever is absent.
func rewriteOptions(opts string, subvolID uint64, subvolPath string) string {
	idEntry := fmt.Sprintf("subvolid=%d", subvolID)
	pathEntry := "subvol=" + subvolPath

	parts := strings.Split(opts, ",")
	haveID, havePath := false, false
	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, "subvolid="):
			parts[i] = idEntry
			haveID = true
		case strings.HasPrefix(part, "subvol="):
			parts[i] = pathEntry
			havePath = true
		}
	}
	if !haveID {
		parts = append(parts, idEntry)
	}
	if !havePath {
		parts = append(parts, pathEntry)
	}
	return strings.Join(parts, ",")
}

type span struct {
	start, end int
}

// fieldSpans returns the byte ranges of whitespace-separated fields,
// preserving enough position information to splice a field in place.
func fieldSpans(line string) []span {
	var spans []span
	start := -1
	for i, c := range line {
		isSpace := c == ' ' || c == '\t'
		switch {
		case !isSpace && start < 0:
			start = i
		case isSpace && start >= 0:
			spans = append(spans, span{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(line)})
	}
	return spans
}

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

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

// seedSource populates the source with a file tree and a small subvolume
// lineage: base data, one subvolume, one snapshot of it with extra content.
func seedSource(t *testing.T) {
	t.Helper()
	remountTopLevel(t, srcMount)

	writeFile(t, filepath.Join(srcMount, "etc", "hostname"), "builder\n")
	writeFile(t, filepath.Join(srcMount, "var", "data.bin"), strings.Repeat("x", 4096))

	work := filepath.Join(srcMount, "work")
	if _, err := os.Stat(work); os.IsNotExist(err) {
		mustRun(t, "btrfs", "subvolume", "create", work)
	}
	writeFile(t, filepath.Join(work, "state.txt"), "generation one\n")

	snap := filepath.Join(srcMount, "work-snap")
	if _, err := os.Stat(snap); os.IsNotExist(err) {
		mustRun(t, "btrfs", "subvolume", "snapshot", work, snap)
	}
	writeFile(t, filepath.Join(work, "state.txt"), "generation two\n")
}

func TestReplicateTree(t *testing.T) {
	requireEnv(t)
	g := NewWithT(t)

	seedSource(t)
	resetDest(t)

	_, err := runCLI(t, t.TempDir(), srcMount, dstMount, "--root-snapshot-name", "itest-root", "-v")
	g.Expect(err).NotTo(HaveOccurred())

	// The whole tree arrived: plain files inside the replicated root plus
	// both subvolumes.
	remountTopLevel(t, dstMount)
	root := filepath.Join(dstMount, "itest-root")
	g.Expect(waitForPath(t, root, 5*time.Second)).To(BeTrue())

	hostname, err := os.ReadFile(filepath.Join(root, "etc", "hostname"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(hostname)).To(Equal("builder\n"))

	state, err := os.ReadFile(filepath.Join(dstMount, "work", "state.txt"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(state)).To(Equal("generation two\n"))

	snapState, err := os.ReadFile(filepath.Join(dstMount, "work-snap", "state.txt"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(snapState)).To(Equal("generation one\n"))

	// Replicated subvolumes must be independently writable.
	g.Expect(readOnlyFlag(t, root)).To(BeFalse())
	g.Expect(readOnlyFlag(t, filepath.Join(dstMount, "work"))).To(BeFalse())
	g.Expect(os.WriteFile(filepath.Join(dstMount, "work", "new.txt"), []byte("post-copy\n"), 0o644)).To(Succeed())
}

func TestReplicateRestoresSourceState(t *testing.T) {
	requireEnv(t)
	g := NewWithT(t)

	seedSource(t)
	resetDest(t)

	// Freeze one source subvolume by user policy and remember the binding.
	workSnap := filepath.Join(srcMount, "work-snap")
	mustRun(t, "btrfs", "property", "set", "-ts", workSnap, "ro", "true")
	devBefore := deviceOf(t, srcMount)

	_, err := runCLI(t, t.TempDir(), srcMount, dstMount)
	g.Expect(err).NotTo(HaveOccurred())

	// The user-frozen flag survives; the writable subvolume is writable
	// again; no transient snapshot is left behind.
	g.Expect(readOnlyFlag(t, workSnap)).To(BeTrue())
	g.Expect(readOnlyFlag(t, filepath.Join(srcMount, "work"))).To(BeFalse())
	g.Expect(deviceOf(t, srcMount)).To(Equal(devBefore))

	entries, err := os.ReadDir(srcMount)
	g.Expect(err).NotTo(HaveOccurred())
	for _, e := range entries {
		g.Expect(e.Name()).NotTo(HavePrefix("btrmirror-"))
	}

	mustRun(t, "btrfs", "property", "set", "-ts", workSnap, "ro", "false")
}

func TestReplicateDryRunTouchesNothing(t *testing.T) {
	requireEnv(t)
	g := NewWithT(t)

	seedSource(t)
	resetDest(t)

	out, err := runCLI(t, t.TempDir(), srcMount, dstMount, "--dry-run", "-v")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("DRY-RUN"))

	// Destination untouched.
	entries, err := os.ReadDir(dstMount)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(BeEmpty())
}

func TestHistoryRecordsRuns(t *testing.T) {
	requireEnv(t)
	g := NewWithT(t)

	seedSource(t)
	resetDest(t)
	configDir := t.TempDir()

	_, err := runCLI(t, configDir, srcMount, dstMount)
	g.Expect(err).NotTo(HaveOccurred())

	out, err := runCLI(t, configDir, "history")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring(srcMount))
	g.Expect(out).To(ContainSubstring(dstMount))
	g.Expect(out).To(ContainSubstring("completed"))
}

func TestConcurrentRunRefused(t *testing.T) {
	requireEnv(t)
	g := NewWithT(t)

	seedSource(t)
	resetDest(t)
	configDir := t.TempDir()

	first := exec.Command(cliBinary, srcMount, dstMount)
	first.Env = append(os.Environ(), "BTRMIRROR_CONFIG_DIR="+configDir)
	g.Expect(first.Start()).To(Succeed())
	defer first.Wait()

	// Give the first run a moment to take its device locks, then a second
	// run against the same filesystems must be refused cleanly.
	time.Sleep(200 * time.Millisecond)
	out, err := runCLI(t, configDir, srcMount, dstMount)
	if err == nil {
		// First run may already have finished on a tiny filesystem; nothing
		// to assert then.
		t.Log("first run finished before the second started; skipping refusal check")
		return
	}
	g.Expect(out).To(ContainSubstring("already"))
}

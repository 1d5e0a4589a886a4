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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/common"
	"btrmirror/internal/fstab"
	"btrmirror/internal/volume"
)

// Config configures one replication run.
type Config struct {
	Source           string
	Dest             string
	DryRun           bool
	RootSnapshotName string // overrides the generated transient snapshot name
	SnapshotPrefix   string
	EditFstab        bool
	FstabPath        string // defaults to fstab.DefaultPath
	Excludes         []string
	SettleTimeout    time.Duration
}

// Executor replicates a btrfs filesystem and all its subvolumes from
// Source to Dest, in dependency order, with best-effort continuation:
// only precondition failures before the first destructive action abort the
// run. Once transfers have started, every failure is reported and the run
// proceeds, because stopping midway would leave the destination and the
// source read-only flags in a half-migrated state strictly worse than
// finishing the pass. Read-only flags and the source mount binding are
// restored on every exit path.
type Executor struct {
	cfg    Config
	runner btrfs.Runner
	dry    *btrfs.DryRunner
	mounts *volume.Remounter
	report *Report

	srcVol, dstVol   volume.Volume
	origSrc, origDst volume.Volume
	srcRestored      bool
	destRootID       uint64
	destRootName     string
}

// New builds an executor. Under dry-run the runner is wrapped so every
// mutating collaborator call turns into a recorded no-op while read-only
// queries still hit the live system.
func New(cfg Config, runner btrfs.Runner) *Executor {
	e := &Executor{cfg: cfg}
	if cfg.DryRun {
		e.dry = btrfs.NewDryRunner(runner)
		runner = e.dry
	}
	e.runner = runner
	e.mounts = volume.NewRemounter(runner)
	e.mounts.Verify = !cfg.DryRun
	if cfg.SettleTimeout > 0 {
		e.mounts.SettleTimeout = cfg.SettleTimeout
	}
	return e
}

// Trace returns the recorded mutating commands of a dry run.
func (e *Executor) Trace() []string {
	if e.dry == nil {
		return nil
	}
	return e.dry.Trace
}

// Run executes the replication. The returned error is non-nil only for
// fatal precondition failures; operational failures are collected in the
// report as warnings.
func (e *Executor) Run(ctx context.Context) (*Report, error) {
	e.report = NewReport(e.cfg.Source, e.cfg.Dest, e.cfg.DryRun)
	err := e.run(ctx)
	e.report.FinishedAt = time.Now()
	if err != nil {
		e.report.Fatal = err.Error()
	}
	e.report.LogSummary()
	return e.report, err
}

func (e *Executor) run(ctx context.Context) error {
	// Step 1: validate. Everything here is fatal; nothing has been mutated.
	if err := e.validate(ctx); err != nil {
		return err
	}

	lock, err := acquireRunLock(e.srcVol.Device, e.dstVol.Device)
	if err != nil {
		return err
	}
	defer lock.release()

	// Step 2: normalize mounts. Subvolume enumeration needs the source
	// mounted at its top level; the root transfer needs the destination
	// top level visible too. Original bindings are remembered and the
	// source one restored on every exit path.
	e.normalizeMounts(ctx)
	defer e.restoreSourceMount(context.WithoutCancel(ctx))

	// Steps 3-4: root transfer, then rebind the destination mount onto the
	// replicated root so per-subvolume receives land inside it.
	snapName := e.cfg.RootSnapshotName
	if snapName == "" {
		snapName = btrfs.GenerateSnapshotName(e.cfg.SnapshotPrefix)
	}
	e.transferRoot(ctx, snapName)
	e.remountDestRoot(ctx)

	// Step 5: build the lineage graph and freeze the sources. A dead
	// listing is the one post-mutation fatal: no safe transfer order can
	// be derived without it. The deferred restores still run.
	graph, err := LoadGraph(ctx, e.runner, e.srcVol.MountPath)
	if err != nil {
		return err
	}
	roState := NewReadOnlyState(e.runner, e.srcVol.MountPath)
	defer roState.Restore(context.WithoutCancel(ctx))
	roState.Capture(ctx, graph)

	plan, excluded := BuildPlan(graph, volume.NewFilter(e.cfg.Excludes), snapName)
	for _, sv := range excluded {
		e.report.Skip("transfer", sv.Path, "excluded")
	}
	for i := range plan {
		sv := &plan[i].Subvol
		e.attempt("freeze", sv.Path, func() error {
			return roState.ForceReadOnly(ctx, sv)
		})
	}

	// Step 6: transfer child subvolumes in graph order. Parents always
	// precede children, so an incremental transfer's anchor is already on
	// the destination. One broken subvolume must not abort the rest.
	for _, entry := range plan {
		e.transferSubvolume(ctx, entry)
	}

	// Steps 7-8 in spec order on the success path; the defers above cover
	// error exits. Both are released exactly once.
	roState.Restore(ctx)
	e.restoreSourceMount(ctx)

	// Step 9: optionally point the persisted mount configuration at the
	// replicated root. Additive only; never affects the replication result.
	if e.cfg.EditFstab {
		e.patchFstab(ctx)
	}
	return nil
}

func (e *Executor) validate(ctx context.Context) error {
	// Clean first so a trailing slash or a ./ segment still matches the
	// mount table's canonical paths.
	src, dst := filepath.Clean(e.cfg.Source), filepath.Clean(e.cfg.Dest)
	if src == dst {
		return fmt.Errorf("%w: source and destination must be two distinct paths", common.ErrInvalidArguments)
	}
	if !filepath.IsAbs(src) || !filepath.IsAbs(dst) {
		return fmt.Errorf("%w: source and destination must be absolute paths", common.ErrInvalidArguments)
	}
	e.cfg.Source, e.cfg.Dest = src, dst

	srcVol, err := volume.Locate(ctx, e.runner, src)
	if err != nil {
		return err
	}
	dstVol, err := volume.Locate(ctx, e.runner, dst)
	if err != nil {
		return err
	}
	if srcVol.Device == dstVol.Device {
		return fmt.Errorf("%w: source and destination are the same filesystem (%s)", common.ErrInvalidArguments, srcVol.Device)
	}
	e.srcVol, e.dstVol = srcVol, dstVol
	e.origSrc, e.origDst = srcVol, dstVol
	return nil
}

func (e *Executor) normalizeMounts(ctx context.Context) {
	if !e.srcVol.IsRootMount() {
		e.attempt("remount-source-root", e.srcVol.MountPath, func() error {
			vol, err := e.mounts.ToRoot(ctx, e.srcVol)
			if err != nil {
				return err
			}
			e.srcVol = vol
			return nil
		})
	}
	if !e.dstVol.IsRootMount() {
		e.attempt("remount-dest-root", e.dstVol.MountPath, func() error {
			vol, err := e.mounts.ToRoot(ctx, e.dstVol)
			if err != nil {
				return err
			}
			e.dstVol = vol
			return nil
		})
	}
}

// transferRoot snapshots the source top-level subvolume under a transient
// run-scoped name, sends it to the destination, deletes the transient
// source-side snapshot, renames the destination copy to its final name when
// that differs, and makes it writable. A replicated root must be
// independently writable, unlike interior snapshots that only anchor
// incremental transfers.
func (e *Executor) transferRoot(ctx context.Context, snapName string) {
	srcSnap := filepath.Join(e.srcVol.MountPath, snapName)

	created := e.attempt("snapshot-root", srcSnap, func() error {
		return btrfs.SnapshotReadOnly(ctx, e.runner, e.srcVol.MountPath, srcSnap)
	})

	sent := false
	if created {
		sent = e.attempt("send-root", snapName, func() error {
			return btrfs.Send(ctx, e.runner, srcSnap, e.dstVol.MountPath, "")
		})
		e.attempt("delete-root-snapshot", srcSnap, func() error {
			return btrfs.DeleteSubvolume(ctx, e.runner, srcSnap)
		})
	}

	e.destRootName = e.chooseDestRootName(snapName)
	dstRoot := filepath.Join(e.dstVol.MountPath, e.destRootName)
	if !sent && !e.cfg.DryRun {
		return
	}
	if e.destRootName != snapName {
		renamed := e.attempt("rename-dest-root", dstRoot, func() error {
			return btrfs.Rename(ctx, e.runner, filepath.Join(e.dstVol.MountPath, snapName), dstRoot)
		})
		if !renamed {
			// The final name is still occupied, typically by the old
			// subvolume the destination was mounted at. The replica stays
			// under its transient name; resolving or rebinding the occupied
			// name would point every later step at the wrong tree.
			e.destRootName = snapName
			dstRoot = filepath.Join(e.dstVol.MountPath, snapName)
		}
	}
	e.attempt("set-rw", dstRoot, func() error {
		return btrfs.SetReadOnly(ctx, e.runner, dstRoot, false)
	})
}

// chooseDestRootName picks the replicated root's final name on the
// destination. When the destination was originally mounted at a named
// subvolume, the replica takes that name so the existing mount
// configuration keeps resolving; otherwise the transient snapshot name is
// kept.
func (e *Executor) chooseDestRootName(snapName string) string {
	if p := strings.TrimPrefix(e.origDst.SubvolPath, "/"); p != "" {
		return p
	}
	return snapName
}

// remountDestRoot rebinds the destination mount onto the freshly
// replicated root subvolume, at the same mount path, so subsequent
// receives land under the replica's namespace.
func (e *Executor) remountDestRoot(ctx context.Context) {
	dstRoot := filepath.Join(e.dstVol.MountPath, e.destRootName)
	if e.cfg.DryRun {
		// The replica does not exist under dry-run, so its id cannot be
		// resolved and the rebind is unverifiable. Record and move on.
		e.report.Skip("remount-dest-replica", dstRoot, "dry-run: destination root id unknown")
		return
	}
	id, err := btrfs.ResolveSubvolumeID(ctx, e.runner, dstRoot)
	if err != nil {
		log.Warnf("[REPLICATE] cannot resolve replicated root id at %s: %v", dstRoot, err)
		e.report.Warn("remount-dest-replica", dstRoot, err)
		return
	}
	e.destRootID = id
	e.attempt("remount-dest-replica", dstRoot, func() error {
		vol, err := e.mounts.ToSubvolume(ctx, e.dstVol, id)
		if err != nil {
			return err
		}
		e.dstVol = vol
		return nil
	})
}

func (e *Executor) transferSubvolume(ctx context.Context, entry PlanEntry) {
	rel := entry.Subvol.Path
	srcPath := filepath.Join(e.srcVol.MountPath, rel)
	dstPath := filepath.Join(e.dstVol.MountPath, rel)

	parent := ""
	op := "transfer-full"
	if entry.Mode == TransferIncremental {
		parent = filepath.Join(e.srcVol.MountPath, entry.ParentPath)
		op = "transfer-incremental"
	}

	received := e.attempt(op, rel, func() error {
		return btrfs.Send(ctx, e.runner, srcPath, filepath.Dir(dstPath), parent)
	})
	if !received {
		return
	}
	// An interior copy must become independently mutable right away or
	// later receives into the same destination tree may be rejected.
	e.attempt("set-rw", dstPath, func() error {
		return btrfs.SetReadOnly(ctx, e.runner, dstPath, false)
	})
}

// restoreSourceMount rebinds the source to its original subvolume when
// step 2 changed it. Idempotent; called both on the success path and from
// a defer so error exits restore too.
func (e *Executor) restoreSourceMount(ctx context.Context) {
	if e.srcRestored {
		return
	}
	e.srcRestored = true
	if e.origSrc.IsRootMount() || e.srcVol.SubvolID == e.origSrc.SubvolID {
		return
	}
	e.attempt("restore-source-mount", e.origSrc.MountPath, func() error {
		vol, err := e.mounts.ToSubvolume(ctx, e.srcVol, e.origSrc.SubvolID)
		if err != nil {
			return err
		}
		e.srcVol = vol
		return nil
	})
}

// patchFstab rewrites the destination's mount configuration line to
// reference the replicated root. Unresolvable inputs skip the step; the
// rest of the run is unaffected.
func (e *Executor) patchFstab(ctx context.Context) {
	path := e.cfg.FstabPath
	if path == "" {
		path = fstab.DefaultPath
	}
	subvolPath := "/" + e.destRootName

	id := e.destRootID
	if id == 0 {
		dstRoot := filepath.Join(e.dstVol.MountPath, e.destRootName)
		resolved, err := btrfs.ResolveSubvolumeID(ctx, e.runner, dstRoot)
		if err != nil {
			e.report.Skip("patch-fstab", path, fmt.Sprintf("cannot resolve new subvolume id: %v", err))
			return
		}
		id = resolved
	}

	if e.cfg.DryRun {
		data, err := os.ReadFile(path)
		if err != nil {
			e.report.Skip("patch-fstab", path, fmt.Sprintf("cannot read mount configuration: %v", err))
			return
		}
		_, matched := fstab.PatchContent(string(data), e.cfg.Dest, id, subvolPath)
		if !matched {
			e.report.Skip("patch-fstab", path, fmt.Sprintf("no entry for %s", e.cfg.Dest))
			return
		}
		log.Infof("[DRY-RUN] would patch %s: %s → subvolid=%d,subvol=%s", path, e.cfg.Dest, id, subvolPath)
		e.report.Ok("patch-fstab", path)
		return
	}

	e.attempt("patch-fstab", path, func() error {
		return fstab.PatchFile(path, e.cfg.Dest, id, subvolPath)
	})
}

// attempt runs one fallible step, converting failure into a logged warning
// in the report. Returns whether the step succeeded.
func (e *Executor) attempt(op, path string, fn func() error) bool {
	if err := fn(); err != nil {
		log.Warnf("[REPLICATE] %s %s: %v", op, path, err)
		e.report.Warn(op, path, err)
		return false
	}
	e.report.Ok(op, path)
	return true
}

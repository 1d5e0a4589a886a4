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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Runner is the single boundary to external processes. Every collaborator
// invocation (btrfs, mount, umount, lsblk) goes through it, which is what
// makes dry-run and testing with a scripted fake possible.
//
// Output is for read-only queries: it always executes, even under dry-run,
// because the replication plan cannot be computed without live state.
// Run and Pipe are for mutating commands.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Run(ctx context.Context, name string, args ...string) error
	Pipe(ctx context.Context, src Cmd, dst Cmd) error
}

// Cmd is one external command of a pipeline.
type Cmd struct {
	Name string
	Args []string
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func cmdline(name string, args []string) string {
	return Cmd{Name: name, Args: args}.String()
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		log.Debugf("[EXEC] %s failed: %v, stderr: %s", cmdline(name, args), err, stderr.String())
		return nil, fmt.Errorf("%s: %w: %s", cmdline(name, args), err, strings.TrimSpace(stderr.String()))
	}
	log.Tracef("[EXEC] %s → %d bytes", cmdline(name, args), len(out))
	return out, nil
}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	log.Debugf("[EXEC] %s", cmdline(name, args))
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Debugf("[EXEC] %s failed: %v, output: %s", cmdline(name, args), err, string(output))
		return fmt.Errorf("%s: %w: %s", cmdline(name, args), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Pipe runs src and dst concurrently with src's stdout connected to dst's
// stdin, and waits for both. Used for `btrfs send | btrfs receive`.
func (ExecRunner) Pipe(ctx context.Context, src Cmd, dst Cmd) error {
	log.Debugf("[EXEC] %s | %s", src, dst)

	srcCmd := exec.CommandContext(ctx, src.Name, src.Args...)
	dstCmd := exec.CommandContext(ctx, dst.Name, dst.Args...)

	var srcStderr, dstStderr bytes.Buffer
	srcCmd.Stderr = &srcStderr
	dstCmd.Stderr = &dstStderr

	pipe, err := srcCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	dstCmd.Stdin = pipe

	if err := srcCmd.Start(); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if err := dstCmd.Start(); err != nil {
		// Reap the sender so it does not linger as a zombie.
		_ = srcCmd.Process.Kill()
		_ = srcCmd.Wait()
		return fmt.Errorf("%s: %w", dst, err)
	}
	// Drop the parent's copy of the read end; the receiver holds its own
	// dup. A receiver that dies mid-stream then breaks the sender's writes
	// with EPIPE instead of wedging them against a pipe nobody reads.
	_ = pipe.Close()

	// Wait for the receiver first: it exits once the sender closes its
	// stdout, so this order never deadlocks.
	dstErr := dstCmd.Wait()
	srcErr := srcCmd.Wait()

	if srcErr != nil {
		return fmt.Errorf("%s: %w: %s", src, srcErr, strings.TrimSpace(srcStderr.String()))
	}
	if dstErr != nil {
		return fmt.Errorf("%s: %w: %s", dst, dstErr, strings.TrimSpace(dstStderr.String()))
	}
	return nil
}

// DryRunner wraps a real runner. Read-only queries pass through; mutating
// commands are recorded and logged but never executed.
type DryRunner struct {
	Real  Runner
	Trace []string
}

func NewDryRunner(real Runner) *DryRunner {
	return &DryRunner{Real: real}
}

func (d *DryRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return d.Real.Output(ctx, name, args...)
}

func (d *DryRunner) Run(ctx context.Context, name string, args ...string) error {
	line := cmdline(name, args)
	d.Trace = append(d.Trace, line)
	log.Infof("[DRY-RUN] %s", line)
	return nil
}

func (d *DryRunner) Pipe(ctx context.Context, src Cmd, dst Cmd) error {
	line := src.String() + " | " + dst.String()
	d.Trace = append(d.Trace, line)
	log.Infof("[DRY-RUN] %s", line)
	return nil
}

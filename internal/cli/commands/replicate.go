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

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"btrmirror/internal/btrfs"
	"btrmirror/internal/common"
	"btrmirror/internal/journal"
	"btrmirror/internal/replicate"
	"btrmirror/internal/settings"
)

var (
	dryRun           bool
	rootSnapshotName string
	editFstab        bool
	excludes         []string
	journalPath      string
)

func init() {
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Print the actions that would be taken without mutating anything")
	rootCmd.Flags().StringVar(&rootSnapshotName, "root-snapshot-name", "", "Override the generated transient root snapshot name")
	rootCmd.Flags().BoolVar(&editFstab, "edit-fstab", false, "Rewrite the destination's /etc/fstab entry to mount the replicated root")
	rootCmd.Flags().StringArrayVarP(&excludes, "exclude", "e", nil, "Gitignore-style pattern of subvolume paths to skip (repeatable)")
	rootCmd.Flags().StringVar(&journalPath, "journal", "", "Run journal database path ('off' disables; default from settings)")
}

func runReplicate(cmd *cobra.Command, args []string) error {
	// Every collaborator (btrfs, mount, lsblk) refuses unprivileged
	// callers anyway; failing here gives one clear error instead of a
	// cascade of permission noise.
	if os.Geteuid() != 0 {
		return common.ErrNotRoot
	}

	cfg, journalAt, err := buildRunConfig(args[0], args[1])
	if err != nil {
		return err
	}

	executor := replicate.New(cfg, btrfs.ExecRunner{})
	report, runErr := executor.Run(cmd.Context())

	recordRun(journalAt, report)

	if runErr != nil {
		return runErr
	}
	if cfg.DryRun {
		fmt.Printf("Dry run %s -> %s: %d actions would be taken, %d warnings\n",
			cfg.Source, cfg.Dest, len(executor.Trace()), report.Warnings())
		return nil
	}
	fmt.Printf("Replicated %s -> %s: %s (%d steps, %d warnings)\n",
		cfg.Source, cfg.Dest, report.Status(), len(report.Steps), report.Warnings())
	return nil
}

func buildRunConfig(source, dest string) (replicate.Config, string, error) {
	s, err := settings.Load()
	if err != nil {
		// Broken settings must not block a replication; defaults are fine.
		log.Warnf("[CLI] %v, using defaults", err)
		s = settings.Default()
	}

	journalAt := s.Journal
	if journalPath != "" {
		journalAt = journalPath
	}
	if journalAt == "off" || journalAt == "none" {
		journalAt = ""
	}

	cfg := replicate.Config{
		Source:           source,
		Dest:             dest,
		DryRun:           dryRun,
		RootSnapshotName: rootSnapshotName,
		SnapshotPrefix:   s.SnapshotPrefix,
		EditFstab:        editFstab,
		Excludes:         excludes,
		SettleTimeout:    time.Duration(s.MountSettleSeconds) * time.Second,
	}
	return cfg, journalAt, nil
}

// recordRun persists the report. Journal trouble is never allowed to
// change the outcome of a replication that already happened.
func recordRun(journalAt string, report *replicate.Report) {
	if journalAt == "" || report == nil {
		return
	}
	j, err := journal.Open(journalAt)
	if err != nil {
		log.Warnf("[CLI] cannot open run journal %s: %v", journalAt, err)
		return
	}
	defer j.Close()
	if err := j.Record(context.Background(), report); err != nil {
		log.Warnf("[CLI] cannot record run in journal: %v", err)
	}
}

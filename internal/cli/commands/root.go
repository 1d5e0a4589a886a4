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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"btrmirror/internal/settings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	verbosity     int
	debugMode     bool
	logConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "btrmirror <source> <dest>",
	Short: "Replicate a btrfs filesystem and all its subvolumes",
	Long: `Replicates a mounted btrfs filesystem — the root subvolume and every
child subvolume, with their snapshot lineage — to another mounted btrfs
filesystem.

Transfers run in creation order so every incremental transfer finds its
parent already on the destination. Read-only flags flipped for the
transfer and a source mount rebound to expose the subvolume tree are
restored when the run finishes, whatever happened in between.

Must run as root. Failed steps after the first destructive action are
logged and the run continues; only argument and filesystem-type problems
abort it.

Examples:
  btrmirror /mnt/old /mnt/new
  btrmirror -n /mnt/old /mnt/new                  # dry run, print actions only
  btrmirror --edit-fstab /mnt/old /mnt/new        # also patch /etc/fstab
  btrmirror -e 'scratch/*' /mnt/old /mnt/new      # skip matching subvolumes`,
	Args: cobra.ExactArgs(2),
	RunE: runReplicate,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := setupLogging(); err != nil {
			return err
		}
		if err := settings.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return nil
	},
}

func setupLogging() error {
	switch {
	case debugMode || verbosity >= 3:
		log.SetLevel(log.TraceLevel)
	case verbosity == 2:
		log.SetLevel(log.DebugLevel)
	case verbosity == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
	if debugMode {
		log.SetReportCaller(true)
	}

	if logConfigPath == "" {
		return nil
	}
	cfg, err := settings.LoadLogConfig(logConfigPath)
	if err != nil {
		return err
	}
	if cfg.Level != "" {
		level, err := log.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("bad log level %q in %s: %w", cfg.Level, logConfigPath, err)
		}
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(f)
	}
	return nil
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("btrmirror version {{.Version}}\n")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log detail (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Maximum log detail plus caller locations")
	rootCmd.PersistentFlags().StringVar(&logConfigPath, "log-config", "", "Path to a YAML logging configuration")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

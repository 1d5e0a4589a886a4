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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"btrmirror/internal/journal"
	"btrmirror/internal/settings"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past replication runs",
	Long: `Lists replication runs recorded in the run journal, newest first.

Pass --steps <run-id> to show the individual steps of one run.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyJournal string
	historyLimit   int
	historySteps   string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyJournal, "journal", "", "Run journal database path (default from settings)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	historyCmd.Flags().StringVar(&historySteps, "steps", "", "Show the steps of the run with this id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := historyJournal
	if path == "" {
		s, err := settings.Load()
		if err != nil {
			return err
		}
		path = s.Journal
	}
	if path == "" || path == "off" || path == "none" {
		return fmt.Errorf("run journal is disabled")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("no run journal at %s", path)
	}

	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if historySteps != "" {
		steps, err := j.Steps(ctx, historySteps)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "SEQ\tOP\tPATH\tSTATUS\tDETAIL")
		for _, s := range steps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.Seq, s.Op, s.Path, s.Status, s.Detail)
		}
		return nil
	}

	runs, err := j.History(ctx, historyLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "STARTED\tSTATUS\tSOURCE\tDEST\tWARNINGS\tRUN ID")
	for _, r := range runs {
		mode := ""
		if r.DryRun {
			mode = " (dry-run)"
		}
		fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\t%d\t%s\n",
			r.Started().Format(time.DateTime), r.Status, mode, r.Source, r.Dest, r.Warnings, r.ID)
	}
	return nil
}

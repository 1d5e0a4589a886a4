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

package journal

import (
	"time"

	"github.com/uptrace/bun"
)

// RunModel represents the runs table: one row per replication run.
// Times are stored as Unix timestamps.
type RunModel struct {
	bun.BaseModel `bun:"table:runs"`

	ID         string `bun:"id,pk"`
	Source     string `bun:"source,notnull"`
	Dest       string `bun:"dest,notnull"`
	DryRun     bool   `bun:"dry_run,notnull"`
	Status     string `bun:"status,notnull"`
	Warnings   int64  `bun:"warnings,notnull"`
	StartedAt  int64  `bun:"started_at,notnull"`
	FinishedAt int64  `bun:"finished_at,notnull"`
}

// Started returns the run start as a time.Time.
func (m *RunModel) Started() time.Time {
	return time.Unix(m.StartedAt, 0)
}

// StepModel represents the run_steps table: one row per step of a run.
type StepModel struct {
	bun.BaseModel `bun:"table:run_steps"`

	RunID  string `bun:"run_id,pk"`
	Seq    int64  `bun:"seq,pk"`
	Op     string `bun:"op,notnull"`
	Path   string `bun:"path,notnull"`
	Status string `bun:"status,notnull"`
	Detail string `bun:"detail,notnull"`
}

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
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// StepStatus classifies one step of a replication run.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepWarning StepStatus = "warning"
	StepSkipped StepStatus = "skipped"
)

// StepResult is the typed outcome of a single step. Failures of destructive
// steps are collected here instead of aborting the run: the operator
// reviewing the log needs the full set of problems, not just the first.
type StepResult struct {
	Seq    int
	Op     string
	Path   string
	Status StepStatus
	Detail string
}

// Report accumulates the outcome of one replication run.
type Report struct {
	RunID      string
	Source     string
	Dest       string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Fatal      string
	Steps      []StepResult
}

func NewReport(source, dest string, dryRun bool) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Source:    source,
		Dest:      dest,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
}

func (r *Report) add(op, path string, status StepStatus, detail string) {
	r.Steps = append(r.Steps, StepResult{
		Seq:    len(r.Steps),
		Op:     op,
		Path:   path,
		Status: status,
		Detail: detail,
	})
}

func (r *Report) Ok(op, path string) {
	r.add(op, path, StepOK, "")
}

func (r *Report) Warn(op, path string, err error) {
	r.add(op, path, StepWarning, err.Error())
}

func (r *Report) Skip(op, path, reason string) {
	r.add(op, path, StepSkipped, reason)
}

// Warnings counts the failed steps.
func (r *Report) Warnings() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepWarning {
			n++
		}
	}
	return n
}

// Status is the run's overall outcome label.
func (r *Report) Status() string {
	switch {
	case r.Fatal != "":
		return "failed"
	case r.Warnings() > 0:
		return "completed-with-warnings"
	default:
		return "completed"
	}
}

// LogSummary writes the per-step outcomes and the overall result to the log.
func (r *Report) LogSummary() {
	for _, s := range r.Steps {
		switch s.Status {
		case StepWarning:
			log.Warnf("[REPORT] %s %s: %s", s.Op, s.Path, s.Detail)
		case StepSkipped:
			log.Infof("[REPORT] %s %s: skipped (%s)", s.Op, s.Path, s.Detail)
		default:
			log.Debugf("[REPORT] %s %s: ok", s.Op, s.Path)
		}
	}
	log.Infof("[REPORT] run %s: %s (%d steps, %d warnings)",
		r.RunID, r.Status(), len(r.Steps), r.Warnings())
}

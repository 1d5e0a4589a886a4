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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"btrmirror/internal/common"
	"btrmirror/internal/settings"
)

// runLock is an advisory per-device lock against a second btrmirror run
// mutating the same filesystem's read-only flags and mount state on this
// host. It cannot guard against other hosts or other tools; running one
// replication per filesystem remains an operational precondition.
type runLock struct {
	locks []*flock.Flock
}

// acquireRunLock takes the advisory locks for the given devices. It fails
// before anything has been mutated, so a refused lock is a clean abort.
func acquireRunLock(devices ...string) (*runLock, error) {
	if err := settings.EnsureConfigDir(); err != nil {
		return nil, err
	}
	rl := &runLock{}
	for _, dev := range devices {
		fl := flock.New(filepath.Join(settings.LockDir(), sanitizeDevice(dev)+".lock"))
		locked, err := fl.TryLock()
		if err != nil {
			rl.release()
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", dev, err)
		}
		if !locked {
			rl.release()
			return nil, fmt.Errorf("%w: %s", common.ErrAlreadyRunning, dev)
		}
		rl.locks = append(rl.locks, fl)
	}
	return rl, nil
}

func (rl *runLock) release() {
	for _, fl := range rl.locks {
		_ = fl.Unlock()
	}
	rl.locks = nil
}

// sanitizeDevice maps a device path to a flat lock file name.
func sanitizeDevice(device string) string {
	return strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_")
}

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

package common

import "errors"

var (
	ErrInvalidArguments      = errors.New("invalid arguments")
	ErrUnsupportedFilesystem = errors.New("not a btrfs filesystem")
	ErrListingUnavailable    = errors.New("subvolume listing unavailable")
	ErrNotMounted            = errors.New("path is not a mount point")
	ErrNotRoot               = errors.New("root privileges required")
	ErrAlreadyRunning        = errors.New("another replication is already running")
	ErrSubvolumeUnresolvable = errors.New("cannot resolve subvolume id")
)

// Copyright 2024 Chainguard, Inc.
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

//go:build windows

package workspace

import "github.com/bobbuildtool/bob/internal/bstep"

// LinkDependencies is a no-op on Windows: the symlink tree this scheme
// relies on (path-relative symlinks a non-privileged process can create)
// isn't available the way it is on POSIX, and the script harness itself is
// POSIX-shell dependent. A Windows-native harness would need its own
// dependency-visibility mechanism entirely.
func (m *Manager) LinkDependencies(s *bstep.Step) error {
	return nil
}

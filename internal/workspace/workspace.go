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

// Package workspace handles directory creation/pruning/atticizing,
// content hashing, and dependency-link construction, following the same
// OutputDir/SyncOutputDir-style directory lifecycle management a remote
// output store would use, rebuilt around locally-owned workspace
// directories instead.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Manager owns the filesystem shape of every step's workspace, rooted at
// projectRoot.
type Manager struct {
	projectRoot string
}

// New returns a workspace manager rooted at projectRoot.
func New(projectRoot string) *Manager {
	return &Manager{projectRoot: projectRoot}
}

func (m *Manager) abs(relPath string) string {
	return filepath.Join(m.projectRoot, relPath)
}

// ConstructDir ensures the step's workspace directory exists, reporting
// whether this call created it.
func (m *Manager) ConstructDir(s *bstep.Step) (path string, created bool, err error) {
	dir := filepath.Join(m.abs(s.WorkspacePath), "workspace")
	if _, statErr := os.Stat(dir); statErr == nil {
		return dir, false, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, fmt.Errorf("stat workspace %s: %w", dir, statErr)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("creating workspace %s: %w", dir, err)
	}
	return dir, true, nil
}

// EmptyDirectory removes all entries under path but keeps the directory
// itself. Entries that cannot be removed (such as read-only children) are
// reported in a BuildError. The entries that could be removed are gone by
// then, so a failure can leave a partial deletion behind; it is never
// reported as success.
func (m *Manager) EmptyDirectory(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading directory %s: %w", path, err)
	}

	var failures []string
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", full, err))
		}
	}
	if len(failures) > 0 {
		return &bstep.BuildError{Err: fmt.Errorf("emptyDirectory %s: could not remove: %s", path, strings.Join(failures, "; "))}
	}
	return nil
}

// Atticize moves a conflicting SCM subtree out of the way before a
// checkout overwrites it: the destination name is
// `../attic/<ISO-timestamp>_<basename>`, with the timestamp the current
// UTC instant formatted per RFC3339 (colons replaced, since they aren't
// directory-name safe on every filesystem).
func (m *Manager) Atticize(workspaceParent, subdir string) error {
	src := filepath.Join(workspaceParent, "workspace", subdir)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	atticDir := filepath.Join(workspaceParent, "attic")
	if err := os.MkdirAll(atticDir, 0o755); err != nil {
		return fmt.Errorf("creating attic dir %s: %w", atticDir, err)
	}

	base := filepath.Base(subdir)
	ts := sanitizeTimestamp(nowFn())
	dst := filepath.Join(atticDir, ts+"_"+base)

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("atticizing %s to %s: %w", src, dst, err)
	}
	return nil
}

// nowFn exists so tests can deterministically pin "now".
var nowFn = time.Now

func sanitizeTimestamp(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format(time.RFC3339), ":", "-")
}

// CheckCollision reports an error when a new SCM checkout subdir would
// collide with an existing file that is not itself a tracked SCM
// subdirectory.
func CheckCollision(workspacePath, subdir, newSCMPath string) error {
	if _, err := os.Stat(newSCMPath); err == nil {
		return &bstep.BuildError{Err: fmt.Errorf("new SCM checkout %s collides with existing file in workspace %s", subdir, workspacePath)}
	}
	return nil
}

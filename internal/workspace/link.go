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

//go:build !windows

package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// LinkDependencies rebuilds workspace/../deps/ as a tree of path-relative
// symlinks: `sandbox`, `tools/<name>`, `args/NN-<pkgname>`, each pointing at
// a dependency's workspace directory. Entirely recreated on every call
// (idempotent). A no-op on Windows, where symlinks aren't available the
// way this scheme needs them.
func (m *Manager) LinkDependencies(s *bstep.Step) error {
	depsDir := filepath.Join(m.abs(s.WorkspacePath), "..", "deps")

	if err := os.RemoveAll(depsDir); err != nil {
		return fmt.Errorf("clearing deps dir %s: %w", depsDir, err)
	}
	if err := os.MkdirAll(depsDir, 0o755); err != nil {
		return fmt.Errorf("creating deps dir %s: %w", depsDir, err)
	}

	if s.Deps.Sandbox != nil {
		if err := m.symlinkDep(depsDir, "sandbox", s.Deps.Sandbox); err != nil {
			return err
		}
	}

	if len(s.Deps.Tools) > 0 {
		toolsDir := filepath.Join(depsDir, "tools")
		if err := os.MkdirAll(toolsDir, 0o755); err != nil {
			return fmt.Errorf("creating tools dir %s: %w", toolsDir, err)
		}
		for name, dep := range s.Deps.Tools {
			if err := m.symlinkDep(toolsDir, name, dep); err != nil {
				return err
			}
		}
	}

	if len(s.Deps.Arguments) > 0 {
		argsDir := filepath.Join(depsDir, "args")
		if err := os.MkdirAll(argsDir, 0o755); err != nil {
			return fmt.Errorf("creating args dir %s: %w", argsDir, err)
		}
		for i, dep := range s.Deps.Arguments {
			name := fmt.Sprintf("%02d-%s", i, filepath.Base(dep.WorkspacePath))
			if err := m.symlinkDep(argsDir, name, dep); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) symlinkDep(dir, name string, dep *bstep.Step) error {
	target := filepath.Join(m.abs(dep.WorkspacePath), "workspace")
	linkPath := filepath.Join(dir, name)

	rel, err := filepath.Rel(filepath.Dir(linkPath), target)
	if err != nil {
		rel = target
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	return os.Symlink(rel, linkPath)
}

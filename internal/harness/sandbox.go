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

package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Mount is one entry of a step's sandbox mount list: the host workspace
// root is writable, every dependency tree is read-only.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// BuildMounts computes the sandbox mount list for s: the step's own
// workspace (read-write), the sandbox dependency's workspace as the new
// root, and every tool/argument dependency bind-mounted read-only at its
// deps/ path. Ordering is deterministic (sorted by target) so two
// invocations of the same step produce byte-identical wrapper scripts.
func BuildMounts(s *bstep.Step) []Mount {
	var mounts []Mount

	mounts = append(mounts, Mount{
		Source:   "workspace",
		Target:   s.ExecPath,
		ReadOnly: false,
	})

	if s.Deps.Sandbox != nil {
		mounts = append(mounts, Mount{
			Source:   sandboxWorkspaceOf(s.Deps.Sandbox),
			Target:   "/",
			ReadOnly: true,
		})
	}

	for name, dep := range s.Deps.Tools {
		mounts = append(mounts, Mount{
			Source:   depWorkspaceOf(dep),
			Target:   "deps/tools/" + name,
			ReadOnly: true,
		})
	}

	for i, dep := range s.Deps.Arguments {
		mounts = append(mounts, Mount{
			Source:   depWorkspaceOf(dep),
			Target:   fmt.Sprintf("deps/args/%02d", i),
			ReadOnly: true,
		})
	}

	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Target < mounts[j].Target })
	return mounts
}

func sandboxWorkspaceOf(s *bstep.Step) string { return s.WorkspacePath + "/workspace" }
func depWorkspaceOf(s *bstep.Step) string     { return s.WorkspacePath + "/workspace" }

// composeWrapper renders the outer `<kind>.sh` wrapper: it takes the
// subcommand as its first argument, parses the short flags (only -E changes
// what it does), and runs the inner script under env -i plus the whitelist,
// or in the inherited environment with -E. When the step has a sandbox
// dependency the computed mount list is appended as comments only; the
// wrapper sets up no mounts and does not enter the sandbox.
func (h *Harness) composeWrapper(s *bstep.Step, mounts []Mount, whitelist Whitelist) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# generated wrapper; do not edit\n")
	b.WriteString("set -eu\n\n")

	fmt.Fprintf(&b, "STEP_KIND=%q\n", s.Kind.String())
	fmt.Fprintf(&b, "EXEC_PATH=%q\n\n", s.ExecPath)

	b.WriteString("cmd=${1:-run}\n")
	b.WriteString("shift || true\n\n")
	b.WriteString("keep_env=0\n")
	b.WriteString("while getopts qvcinEk opt \"$@\"; do\n")
	b.WriteString("  case \"$opt\" in\n")
	b.WriteString("    E) keep_env=1 ;;\n")
	b.WriteString("  esac\n")
	b.WriteString("done\n\n")

	b.WriteString("if [ \"$keep_env\" -eq 0 ]; then\n")
	fmt.Fprintf(&b, "  exec env -i %s /bin/sh \"$(dirname \"$0\")/script\"\n", whitelistAssignments(whitelist))
	b.WriteString("else\n")
	b.WriteString("  exec /bin/sh \"$(dirname \"$0\")/script\"\n")
	b.WriteString("fi\n")

	if s.HasSandbox() {
		b.WriteString("\n# sandbox mounts (informational only; no bind mounts are\n")
		b.WriteString("# set up for this script):\n")
		for _, m := range mounts {
			mode := "rw"
			if m.ReadOnly {
				mode = "ro"
			}
			fmt.Fprintf(&b, "#   %s -> %s (%s)\n", m.Source, m.Target, mode)
		}
	}

	return b.String()
}

func whitelistAssignments(wl Whitelist) string {
	if len(wl) == 0 {
		return ""
	}
	names := append([]string(nil), wl...)
	sort.Strings(names)
	var parts []string
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=\"$%s\"", n, n))
	}
	return strings.Join(parts, " ")
}

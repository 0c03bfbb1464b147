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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/internal/bstep"
)

func testStep(t *testing.T) *bstep.Step {
	t.Helper()
	return &bstep.Step{
		Kind:          bstep.Build,
		WorkspacePath: "work/pkg-abc123",
		ExecPath:      "work/pkg-abc123",
		Env:           map[string]string{"PKG_NAME": "demo"},
		Script:        "echo building",
	}
}

func TestComposeWritesScriptWrapperAndEnv(t *testing.T) {
	root := t.TempDir()
	h := New(root)
	s := testStep(t)

	wrapperPath, err := h.Compose(s, BuildMounts(s), Whitelist{"PATH"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, s.WorkspacePath, "build.sh"), wrapperPath)

	scriptBytes, err := os.ReadFile(filepath.Join(root, s.WorkspacePath, "script"))
	require.NoError(t, err)
	script := string(scriptBytes)
	require.Contains(t, script, "set -eu")
	require.Contains(t, script, `export PKG_NAME="demo"`)
	require.Contains(t, script, "echo building")

	wrapperBytes, err := os.ReadFile(wrapperPath)
	require.NoError(t, err)
	require.Contains(t, string(wrapperBytes), "STEP_KIND=\"build\"")

	envBytes, err := os.ReadFile(filepath.Join(root, s.WorkspacePath, "env"))
	require.NoError(t, err)
	require.Contains(t, string(envBytes), "declare -x PKG_NAME=\"demo\"")
}

func TestComposeInnerScriptDeterministicOrdering(t *testing.T) {
	root := t.TempDir()
	h := New(root)
	s := testStep(t)
	s.Env = map[string]string{"B": "2", "A": "1"}

	script := h.composeInnerScript(s)
	require.True(t, strings.Index(script, `export A=`) < strings.Index(script, `export B=`))
}

func TestBuildMountsOrderedByTarget(t *testing.T) {
	s := testStep(t)
	s.Deps.Tools = map[string]*bstep.Step{
		"zzz": {WorkspacePath: "work/zzz"},
		"aaa": {WorkspacePath: "work/aaa"},
	}
	mounts := BuildMounts(s)
	for i := 1; i < len(mounts); i++ {
		require.LessOrEqual(t, mounts[i-1].Target, mounts[i].Target)
	}
}

func TestFlagsArgv(t *testing.T) {
	f := Flags{Quiet: true, KeepEnv: true}
	require.Equal(t, []string{"-q", "-E"}, f.argv())
}

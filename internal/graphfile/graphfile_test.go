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

package graphfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeGraph(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadSimpleChain(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - name: src
    kind: checkout
    scm:
      type: git
      url: https://example.com/foo.git
      commit: deadbeef
  - name: build
    kind: build
    script: "make"
    deps:
      arguments: [src]
  - name: pkg
    kind: package
    script: "make install"
    isRelocatable: true
    deps:
      arguments: [build]
`)

	roots, err := Load(path)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	pkg := roots[0]
	require.Equal(t, "pkg", pkg.PrettyName)
	require.True(t, pkg.IsRelocatable)
	require.Len(t, pkg.Deps.Arguments, 1)

	build := pkg.Deps.Arguments[0]
	require.Equal(t, "build", build.PrettyName)
	require.Len(t, build.Deps.Arguments, 1)

	src := build.Deps.Arguments[0]
	require.Equal(t, "src", src.PrettyName)
	require.Len(t, src.SCMList, 1)
	require.False(t, src.VariantID.IsZero())
	require.True(t, src.IsDeterministic, "pinned commit should be deterministic")
}

func TestLoadFloatingRefIsNonDeterministic(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - name: src
    kind: checkout
    scm:
      type: git
      url: https://example.com/foo.git
      branch: main
roots: [src]
`)
	roots, err := Load(path)
	require.NoError(t, err)
	require.False(t, roots[0].IsDeterministic)
}

func TestVariantIDChangesWithScript(t *testing.T) {
	base := `
nodes:
  - name: only
    kind: build
    script: %q
roots: [only]
`
	p1 := writeGraph(t, fmt.Sprintf(base, "echo one"))
	p2 := writeGraph(t, fmt.Sprintf(base, "echo two"))

	r1, err := Load(p1)
	require.NoError(t, err)
	r2, err := Load(p2)
	require.NoError(t, err)

	require.NotEqual(t, r1[0].VariantID, r2[0].VariantID)
}

// TestLoadIsDeterministic reloads the same graph twice and requires the
// resulting step trees to be structurally identical, catching any field
// the loader populates non-deterministically (e.g. from unsorted map
// iteration) that the narrower VariantID-only checks above wouldn't see.
func TestLoadIsDeterministic(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - name: src
    kind: checkout
    scm:
      type: git
      url: https://example.com/foo.git
      commit: deadbeef
  - name: build
    kind: build
    script: "make"
    env:
      CC: gcc
      CFLAGS: -O2
    deps:
      arguments: [src]
      tools:
        make: src
  - name: pkg
    kind: package
    script: "make install"
    isRelocatable: true
    deps:
      arguments: [build]
`)

	r1, err := Load(path)
	require.NoError(t, err)
	r2, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(r1, r2); diff != "" {
		t.Fatalf("two loads of the same graph produced different step trees (-first +second):\n%s", diff)
	}
}

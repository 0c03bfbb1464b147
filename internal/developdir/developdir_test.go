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

package developdir

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/internal/bstep"
)

func step(name string, variant byte) *bstep.Step {
	s := &bstep.Step{PrettyName: name, WorkspacePath: name}
	s.VariantID[0] = variant
	return s
}

func baseDirByName(s *bstep.Step) string {
	return "work/" + s.PrettyName
}

func TestRefreshAssignsDistinctSuffixesPerVariant(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dev-dirs.sqlite3")
	o, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	a := step("foo", 1)
	b := step("foo", 2)
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a, b}}}

	ctx := context.Background()
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, baseDirByName))

	dirA, err := o.Dir(a)
	require.NoError(t, err)
	dirB, err := o.Dir(b)
	require.NoError(t, err)
	require.NotEqual(t, dirA, dirB)
	require.Equal(t, "work/foo/1", dirA)
	require.Equal(t, "work/foo/2", dirB)
}

func TestRefreshReusesSameRecipeSameVariant(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dev-dirs.sqlite3")
	o, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	a1 := step("foo", 7)
	a2 := step("foo", 7)
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a1, a2}}}

	ctx := context.Background()
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, baseDirByName))

	dir1, err := o.Dir(a1)
	require.NoError(t, err)
	dir2, err := o.Dir(a2)
	require.NoError(t, err)
	require.Equal(t, dir1, dir2)
}

func TestRefreshSkipsWorkWhenCacheKeyUnchanged(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dev-dirs.sqlite3")
	o, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	a := step("foo", 1)
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a}}}

	ctx := context.Background()
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, baseDirByName))
	dirBefore, err := o.Dir(a)
	require.NoError(t, err)

	// A second refresh with the same cache key must not reassign anything,
	// even if the formatter would now compute something different.
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, func(s *bstep.Step) string {
		return "different/" + s.PrettyName
	}))
	dirAfter, err := o.Dir(a)
	require.NoError(t, err)
	require.Equal(t, dirBefore, dirAfter)
}

func TestRefreshPreservesDirWhenBaseDirStillMatches(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dev-dirs.sqlite3")
	o, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	a := step("foo", 1)
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a}}}

	ctx := context.Background()
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, baseDirByName))
	dirBefore, err := o.Dir(a)
	require.NoError(t, err)
	require.Equal(t, "work/foo/1", dirBefore)

	// New cache key, same base dir for the key: the prior directory should
	// be kept rather than reassigned.
	b := step("bar", 9)
	root2 := &bstep.Step{WorkspacePath: "root2", Deps: bstep.Deps{Arguments: []*bstep.Step{a, b}}}
	require.NoError(t, o.Refresh(ctx, "cachekey-2", []*bstep.Step{root2}, baseDirByName))

	dirAfter, err := o.Dir(a)
	require.NoError(t, err)
	require.Equal(t, dirBefore, dirAfter)

	dirB, err := o.Dir(b)
	require.NoError(t, err)
	require.Equal(t, "work/bar/1", dirB)
}

func TestRefreshReassignsWhenBaseDirChanges(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dev-dirs.sqlite3")
	o, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	a := step("foo", 1)
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a}}}

	ctx := context.Background()
	require.NoError(t, o.Refresh(ctx, "cachekey-1", []*bstep.Step{root}, baseDirByName))

	require.NoError(t, o.Refresh(ctx, "cachekey-2", []*bstep.Step{root}, func(s *bstep.Step) string {
		return "renamed/" + s.PrettyName
	}))
	dir, err := o.Dir(a)
	require.NoError(t, err)
	require.Equal(t, "renamed/foo/1", dir)
}

func TestExternalFormatterBypassesDB(t *testing.T) {
	calls := 0
	o := NewExternal(func(s *bstep.Step) string {
		calls++
		return "external/" + s.PrettyName
	})

	a := step("foo", 1)
	dir1, err := o.Dir(a)
	require.NoError(t, err)
	dir2, err := o.Dir(a)
	require.NoError(t, err)
	require.Equal(t, dir1, dir2)
	require.Equal(t, 1, calls)
}

func TestSplitSuffix(t *testing.T) {
	base, n, ok := splitSuffix("work/foo/3")
	require.True(t, ok)
	require.Equal(t, "work/foo", base)
	require.Equal(t, 3, n)

	_, _, ok = splitSuffix("no-suffix")
	require.False(t, ok)
}

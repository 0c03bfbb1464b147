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

package scm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasLiveBuildID(t *testing.T) {
	require.True(t, (&Git{URL: "https://example.com/x.git", Branch: "main"}).HasLiveBuildID())
	require.True(t, (&Git{URL: "https://example.com/x.git", Tag: "v1.0"}).HasLiveBuildID())
	require.False(t, (&Git{URL: "https://example.com/x.git", Commit: "deadbeef"}).HasLiveBuildID())
	require.False(t, (&Git{URL: "https://example.com/x.git"}).HasLiveBuildID())
}

func TestGetDirectoriesKeyedBySubDir(t *testing.T) {
	root := &Git{URL: "https://example.com/x.git", Branch: "main"}
	dirs, err := root.GetDirectories()
	require.NoError(t, err)
	require.Contains(t, dirs, ".")

	sub := &Git{URL: "https://example.com/x.git", Branch: "main", SubDir: "vendor/lib"}
	subDirs, err := sub.GetDirectories()
	require.NoError(t, err)
	require.Contains(t, subDirs, "vendor/lib")
}

func TestGetDirectoriesChangesWithSpec(t *testing.T) {
	a := &Git{URL: "https://example.com/x.git", Branch: "main"}
	b := &Git{URL: "https://example.com/x.git", Branch: "develop"}

	da, err := a.GetDirectories()
	require.NoError(t, err)
	db, err := b.GetDirectories()
	require.NoError(t, err)
	require.NotEqual(t, da["."], db["."])
}

func TestGetAuditSpecPrefersCommitOverBranch(t *testing.T) {
	g := &Git{URL: "https://example.com/x.git", Branch: "main", Commit: "abc123"}
	spec, err := g.GetAuditSpec()
	require.NoError(t, err)
	require.Equal(t, "abc123", spec["commit"])
	require.NotContains(t, spec, "branch")
}

func TestLiveIDDiffersBySubDir(t *testing.T) {
	a := &Git{URL: "https://example.com/x.git", SubDir: "a"}
	b := &Git{URL: "https://example.com/x.git", SubDir: "b"}
	require.NotEqual(t, a.liveIDFor("deadbeef"), b.liveIDFor("deadbeef"))
}

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

package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/internal/bstep"
)

func TestLocalUploadDownloadRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	baseDir := filepath.Join(tmp, "archive")
	a, err := NewLocal(baseDir, Unlimited)
	require.NoError(t, err)

	src := filepath.Join(tmp, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("world"), 0o644))

	var buildID bstep.Digest
	buildID[0] = 42

	require.NoError(t, a.UploadPackage(buildID, src))

	dest := filepath.Join(tmp, "dest")
	ok, err := a.DownloadPackage(buildID, dest)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "sub", "nested.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestLocalDownloadMissingReturnsFalseNotError(t *testing.T) {
	a, err := NewLocal(t.TempDir(), Unlimited)
	require.NoError(t, err)

	var buildID bstep.Digest
	buildID[0] = 7
	ok, err := a.DownloadPackage(buildID, filepath.Join(t.TempDir(), "dest"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalLiveIDCacheRoundTripsAcrossReopen(t *testing.T) {
	tmp := t.TempDir()
	a, err := NewLocal(tmp, Unlimited)
	require.NoError(t, err)

	var real bstep.Digest
	real[0] = 9
	require.NoError(t, a.UploadLocalLiveBuildID("live-abc", real))

	got, ok, err := a.DownloadLocalLiveBuildID("live-abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, real, got)

	// Reopening the archive must see the persisted mapping.
	a2, err := NewLocal(tmp, Unlimited)
	require.NoError(t, err)
	got2, ok2, err := a2.DownloadLocalLiveBuildID("live-abc")
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, real, got2)
}

func TestDepthLimits(t *testing.T) {
	d := DepthLimits{MaxDownloadDepth: 1, MaxUploadDepth: 0}
	require.True(t, d.wantDownload(0))
	require.True(t, d.wantDownload(1))
	require.False(t, d.wantDownload(2))
	require.True(t, d.wantUpload(0))
	require.True(t, d.wantUpload(5)) // zero means unlimited
}

func TestCanDownloadLocalReflectsLiveIDCache(t *testing.T) {
	a, err := NewLocal(t.TempDir(), Unlimited)
	require.NoError(t, err)
	require.True(t, a.CanDownloadLocal())
	require.True(t, a.CanUploadLocal())
}

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

package bobconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bob.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: 0\n"), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, DefaultJobs, cfg.Jobs)
	require.Equal(t, DefaultStateDBPath, cfg.StateDBPath)
	require.Equal(t, DefaultDevelopDirPath, cfg.DevelopDirPath)
}

func TestLoadParsesArchiveAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bob.yaml")
	contents := `
jobs: 8
keepGoing: true
envWhitelist: ["PATH", "HOME"]
archive:
  backend: gcs
  bucket: my-bucket
  maxDownloadDepth: 2
env:
  FOO: yaml-value
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Jobs)
	require.True(t, cfg.KeepGoing)
	require.Equal(t, []string{"PATH", "HOME"}, cfg.EnvWhitelist)
	require.Equal(t, ArchiveGCS, cfg.Archive.Backend)
	require.Equal(t, "my-bucket", cfg.Archive.Bucket)
	require.Equal(t, 2, cfg.Archive.MaxDownloadDepth)
	require.Equal(t, "yaml-value", cfg.Env["FOO"])
}

func TestLoadMergesEnvFileUnderYamlOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bob.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("env:\n  FOO: yaml-wins\n"), 0o644))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FOO=env-loses\nBAR=env-only\n"), 0o644))

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)
	require.Equal(t, "yaml-wins", cfg.Env["FOO"])
	require.Equal(t, "env-only", cfg.Env["BAR"])
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, "/root/proj/.bob/state.db", ResolvePath("/root/proj", ".bob/state.db"))
	require.Equal(t, "/abs/state.db", ResolvePath("/root/proj", "/abs/state.db"))
}

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

package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/internal/bstep"
)

func TestWriteAndReadStepAuditRoundTrip(t *testing.T) {
	ws := t.TempDir()
	w := &Writer{Now: func() time.Time { return time.Unix(1700000000, 0).UTC() }}

	s := &bstep.Step{PrettyName: "foo", Kind: bstep.Build, WorkspacePath: ws}
	var hash bstep.Digest
	hash[0] = 1

	require.NoError(t, w.WriteStepAudit(s, hash, map[string]string{"note": "x"}))
	require.FileExists(t, filepath.Join(ws, "audit.json.gz"))

	rec, err := ReadStepAudit(ws)
	require.NoError(t, err)
	require.Equal(t, "foo", rec.Recipe)
	require.Equal(t, "build", rec.Kind)
	require.Equal(t, hash.String(), rec.ResultHash)
	require.Equal(t, "x", rec.Extra["note"])
}

func TestWriteStepAuditMergesSCMAuditSpec(t *testing.T) {
	ws := t.TempDir()
	w := New()

	s := &bstep.Step{
		PrettyName:    "foo",
		Kind:          bstep.Checkout,
		WorkspacePath: ws,
		SCMList:       []bstep.SCM{&fakeSCM{spec: map[string]string{"scm": "git", "url": "https://example.com/x"}}},
	}
	require.NoError(t, w.WriteStepAudit(s, bstep.Digest{}, nil))

	rec, err := ReadStepAudit(ws)
	require.NoError(t, err)
	require.Equal(t, "git", rec.Extra["scm"])
	require.Equal(t, "https://example.com/x", rec.Extra["url"])
}

type fakeSCM struct{ spec map[string]string }

func (f *fakeSCM) Status(string) (string, error)                   { return "clean", nil }
func (f *fakeSCM) GetDirectories() (map[string]bstep.Digest, error) { return nil, nil }
func (f *fakeSCM) GetAuditSpec() (map[string]string, error)         { return f.spec, nil }
func (f *fakeSCM) GetActiveOverrides() ([]string, error)            { return nil, nil }
func (f *fakeSCM) HasLiveBuildID() bool                             { return false }
func (f *fakeSCM) CalcLiveBuildID(string) (string, error)           { return "", nil }
func (f *fakeSCM) PredictLiveBuildID() (string, error)              { return "", nil }

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

package identity

import (
	"errors"
	"testing"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/state"
)

func leafStep(workspace, script string) *bstep.Step {
	return &bstep.Step{
		Kind:          bstep.Build,
		WorkspacePath: workspace,
		Script:        script,
		Env:           map[string]string{"FOO": "bar"},
	}
}

func TestIncrementalVariantIDStableAcrossCalls(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/a", "echo hi")
	got1 := e.IncrementalVariantID(s)
	got2 := e.IncrementalVariantID(s)
	if got1 != got2 {
		t.Fatalf("expected stable digest, got %v then %v", got1, got2)
	}
}

func TestIncrementalVariantIDChangesWithScript(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s1 := leafStep("ws/a", "echo hi")
	s2 := leafStep("ws/a", "echo bye")
	if e.IncrementalVariantID(s1) == e.IncrementalVariantID(s2) {
		t.Fatal("expected different digests for different scripts")
	}
}

func TestIncrementalVariantIDUsesStoredDependencyVariantID(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	dep := leafStep("ws/dep", "build dep")
	dep.VariantID = bstep.Digest{0xAA}

	parent := leafStep("ws/parent", "build parent")
	parent.Deps.Arguments = []*bstep.Step{dep}

	withoutStored := e.IncrementalVariantID(parent)

	if err := store.SetVariantID("ws/dep", bstep.Digest{0xBB}); err != nil {
		t.Fatalf("SetVariantID: %v", err)
	}
	withStored := e.IncrementalVariantID(parent)

	if withoutStored == withStored {
		t.Fatal("expected incremental variant-id to change once a stored dependency variant-id exists")
	}
}

func TestBuildIDCachesPerWorkspace(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/a", "echo hi")
	calls := 0
	depFn := func(*bstep.Step) (bstep.Digest, error) {
		calls++
		return bstep.Digest{}, nil
	}

	id1, err := e.BuildID(s, depFn)
	if err != nil {
		t.Fatalf("BuildID: %v", err)
	}
	id2, err := e.BuildID(s, depFn)
	if err != nil {
		t.Fatalf("BuildID: %v", err)
	}
	if id1 != id2 {
		t.Fatal("expected cached build-id to be stable")
	}
}

func TestBuildIDPropagatesDependencyError(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	dep := leafStep("ws/dep", "build dep")
	s := leafStep("ws/a", "echo hi")
	s.Deps.Arguments = []*bstep.Step{dep}

	wantErr := errors.New("boom")
	_, err := e.BuildID(s, func(*bstep.Step) (bstep.Digest, error) {
		return bstep.Digest{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestCheckoutBuildIDEqualsResultHash(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/checkout", "")
	s.Kind = bstep.Checkout

	result := bstep.Digest{0x42}
	if got := e.CheckoutBuildID(s, result); got != result {
		t.Fatalf("got %v, want %v", got, result)
	}
}

type fakeArchive struct {
	canDownload bool
	realID      bstep.Digest
	found       bool
}

func (f fakeArchive) CanDownloadLocal() bool { return f.canDownload }
func (f fakeArchive) DownloadLocalLiveBuildID(string) (bstep.Digest, bool, error) {
	return f.realID, f.found, nil
}
func (f fakeArchive) UploadLocalLiveBuildID(string, bstep.Digest) error { return nil }

type fakeSCM struct {
	hasLiveBuildID bool
	liveID         string
}

func (fakeSCM) Status(string) (string, error)                  { return "clean", nil }
func (fakeSCM) GetDirectories() (map[string]bstep.Digest, error) { return nil, nil }
func (fakeSCM) GetAuditSpec() (map[string]string, error)       { return nil, nil }
func (fakeSCM) GetActiveOverrides() ([]string, error)          { return nil, nil }
func (f fakeSCM) HasLiveBuildID() bool                         { return f.hasLiveBuildID }
func (fakeSCM) CalcLiveBuildID(string) (string, error)         { return "", nil }
func (f fakeSCM) PredictLiveBuildID() (string, error)          { return f.liveID, nil }

func TestPredictCheckoutBuildIDSkipsWhenWorkspaceExists(t *testing.T) {
	store := state.NewMemoryStore()
	archive := fakeArchive{canDownload: true}
	e := New(store, archive, nil, false)

	s := leafStep("ws/checkout", "")
	s.Kind = bstep.Checkout
	s.SCMList = []bstep.SCM{fakeSCM{hasLiveBuildID: true, liveID: "live-1"}}

	_, ok := e.PredictCheckoutBuildID(s, true)
	if ok {
		t.Fatal("expected no prediction when workspace already exists")
	}
}

func TestPredictCheckoutBuildIDSucceeds(t *testing.T) {
	store := state.NewMemoryStore()
	want := bstep.Digest{0x7}
	archive := fakeArchive{canDownload: true, realID: want, found: true}
	e := New(store, archive, nil, false)

	s := leafStep("ws/checkout", "")
	s.Kind = bstep.Checkout
	s.SCMList = []bstep.SCM{fakeSCM{hasLiveBuildID: true, liveID: "live-1"}}

	result, ok := e.PredictCheckoutBuildID(s, false)
	if !ok {
		t.Fatal("expected a successful prediction")
	}
	if result.BuildID != want || !result.Predicted {
		t.Fatalf("got %+v, want BuildID=%v Predicted=true", result, want)
	}
}

func TestPredictCheckoutBuildIDFailsWithoutArchive(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/checkout", "")
	s.Kind = bstep.Checkout
	s.SCMList = []bstep.SCM{fakeSCM{hasLiveBuildID: true, liveID: "live-1"}}

	_, ok := e.PredictCheckoutBuildID(s, false)
	if ok {
		t.Fatal("expected no prediction without a capable archive")
	}
}

func TestMispredictRecoveryReturnsRestart(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/checkout", "")
	s.Kind = bstep.Checkout

	if err := e.MispredictRecovery(s); !errors.Is(err, bstep.ErrRestart) {
		t.Fatalf("got %v, want ErrRestart", err)
	}
}

func TestResetClearsNonCheckoutCacheOnly(t *testing.T) {
	store := state.NewMemoryStore()
	e := New(store, nil, nil, false)

	s := leafStep("ws/a", "echo hi")
	if _, err := e.BuildID(s, func(*bstep.Step) (bstep.Digest, error) { return bstep.Digest{}, nil }); err != nil {
		t.Fatalf("BuildID: %v", err)
	}
	if len(e.buildIDCache) == 0 {
		t.Fatal("expected buildIDCache to be populated before Reset")
	}
	co := leafStep("ws/checkout", "")
	co.Kind = bstep.Checkout
	e.CheckoutBuildID(co, bstep.Digest{1})

	e.Reset()

	if len(e.buildIDCache) != 0 {
		t.Fatal("expected Reset to clear buildIDCache")
	}
	if id, ok := e.PredictedCheckoutBuildID(co); !ok || id != (bstep.Digest{1}) {
		t.Fatalf("expected Reset to keep the checkout cache, got %v, %v", id, ok)
	}
}

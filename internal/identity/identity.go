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

// Package identity computes and caches variant-ids, incremental
// variant-ids, and build-ids, and implements the live-build-id prediction
// and mispredict-recovery protocol.
//
// Digests are 20 bytes, computed with crypto/sha1 (see DESIGN.md for why
// this one corner stays on the standard library).
package identity

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/state"
)

// Archive is the subset of the remote-archive capability the identity
// engine needs: translating a cheap live-id into a real build-id before a
// checkout has actually run.
type Archive interface {
	CanDownloadLocal() bool
	DownloadLocalLiveBuildID(liveID string) (bstep.Digest, bool, error)
	UploadLocalLiveBuildID(liveID string, realID bstep.Digest) error
}

// Engine computes and caches identities for one run. A mispredict clears
// its non-checkout build-id cache; the checkout cache is kept (see Reset).
type Engine struct {
	store   state.Store
	archive Archive

	mu            sync.Mutex
	buildIDCache  map[string]bstep.Digest       // non-checkout: keyed by workspace path
	checkoutCache map[checkoutKey]bstep.Digest  // checkout: keyed by (workspace path, variant id)
	alwaysCheckout func(prettyName string) bool
	buildOnly      bool
}

type checkoutKey struct {
	path      string
	variantID bstep.Digest
}

// New creates an identity engine scoped to a single run.
func New(store state.Store, archive Archive, alwaysCheckout func(string) bool, buildOnly bool) *Engine {
	if alwaysCheckout == nil {
		alwaysCheckout = func(string) bool { return false }
	}
	return &Engine{
		store:          store,
		archive:        archive,
		buildIDCache:   make(map[string]bstep.Digest),
		checkoutCache:  make(map[checkoutKey]bstep.Digest),
		alwaysCheckout: alwaysCheckout,
		buildOnly:      buildOnly,
	}
}

// Reset clears the run-scoped, non-checkout build-id cache. Called by
// MispredictRecovery.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buildIDCache = make(map[string]bstep.Digest)
	// The checkout cache is NOT cleared here, so checkout build-ids survive
	// a restart. It is held in memory only and is not persisted across
	// invocations.
}

// VariantID returns the step's own variant-id. The core treats this as an
// opaque recipe-graph output; callers that construct Steps are expected to
// have already computed it. IncrementalVariantID, by contrast, is computed
// here because it depends on persisted state the recipe graph doesn't see.
func VariantID(s *bstep.Step) bstep.Digest {
	return s.VariantID
}

// IncrementalVariantID recomputes the step's variant digest with each
// dependency's variant-id replaced by the *last stored* variant-id from
// that dependency's workspace, when one exists. This is what prevents an
// upstream change that hasn't been built yet from cascading into rebuilds
// of everything downstream.
func (e *Engine) IncrementalVariantID(s *bstep.Step) bstep.Digest {
	h := sha1.New()
	fmt.Fprintf(h, "kind:%s\n", s.Kind)
	fmt.Fprintf(h, "script:%s\n", s.Script)
	fmt.Fprintf(h, "exec:%s\n", s.ExecPath)

	for _, k := range sortedEnvKeys(s.Env) {
		fmt.Fprintf(h, "env:%s=%s\n", k, s.Env[k])
	}

	for _, dep := range s.Deps.AllDepSteps() {
		fmt.Fprintf(h, "dep:%s\n", e.effectiveVariantID(dep))
	}

	var out bstep.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// effectiveVariantID is the dependency's last-stored variant-id if the
// dependency's workspace has one, else its true variant-id.
func (e *Engine) effectiveVariantID(dep *bstep.Step) bstep.Digest {
	if stored, err := e.store.GetVariantID(dep.WorkspacePath); err == nil {
		return stored
	}
	return dep.VariantID
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildID computes the content-addressed archive identity for a
// non-checkout step: a hash of the step definition plus the recursively
// resolved dependency build-ids. Results are cached in-memory for the run,
// keyed by workspace path.
func (e *Engine) BuildID(s *bstep.Step, depBuildID func(*bstep.Step) (bstep.Digest, error)) (bstep.Digest, error) {
	e.mu.Lock()
	if id, ok := e.buildIDCache[s.WorkspacePath]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	h := sha1.New()
	fmt.Fprintf(h, "kind:%s\n", s.Kind)
	fmt.Fprintf(h, "script:%s\n", s.Script)
	for _, k := range sortedEnvKeys(s.Env) {
		fmt.Fprintf(h, "env:%s=%s\n", k, s.Env[k])
	}
	for _, dep := range s.Deps.AllDepSteps() {
		depID, err := depBuildID(dep)
		if err != nil {
			return bstep.Digest{}, err
		}
		fmt.Fprintf(h, "dep:%s\n", depID)
	}

	var out bstep.Digest
	copy(out[:], h.Sum(nil))

	e.mu.Lock()
	e.buildIDCache[s.WorkspacePath] = out
	e.mu.Unlock()
	return out, nil
}

// LiveBuildIDResult is the outcome of the live-build-id protocol.
type LiveBuildIDResult struct {
	BuildID   bstep.Digest
	Predicted bool
}

// PredictCheckoutBuildID implements the live-build-id protocol: if it can
// cheaply predict the outcome of a checkout without performing it, it does
// so and caches the predicted real build-id for the step. Otherwise the
// caller must actually run the checkout and call CheckoutBuildID with the
// real result hash.
func (e *Engine) PredictCheckoutBuildID(s *bstep.Step, workspaceExists bool) (LiveBuildIDResult, bool) {
	if workspaceExists || e.alwaysCheckout(s.PrettyName) {
		return LiveBuildIDResult{}, false
	}
	if e.archive == nil || !e.archive.CanDownloadLocal() {
		return LiveBuildIDResult{}, false
	}

	var scm bstep.SCM
	for _, candidate := range s.SCMList {
		if candidate.HasLiveBuildID() {
			scm = candidate
			break
		}
	}
	if scm == nil {
		return LiveBuildIDResult{}, false
	}

	liveID, err := e.liveIDFor(s, scm)
	if err != nil || liveID == "" {
		return LiveBuildIDResult{}, false
	}

	realID, ok, err := e.archive.DownloadLocalLiveBuildID(liveID)
	if err != nil || !ok {
		return LiveBuildIDResult{}, false
	}

	e.mu.Lock()
	e.checkoutCache[checkoutKey{path: s.WorkspacePath, variantID: s.VariantID}] = realID
	e.mu.Unlock()

	return LiveBuildIDResult{BuildID: realID, Predicted: true}, true
}

// PredictedCheckoutBuildID reads back the build-id cached for the same step
// by an earlier PredictCheckoutBuildID or CheckoutBuildID call, without
// performing a new prediction. Checkout calls this after the harness
// actually runs and before recording the real result, to learn what value
// (if any) downstream steps already committed to.
func (e *Engine) PredictedCheckoutBuildID(s *bstep.Step) (bstep.Digest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.checkoutCache[checkoutKey{path: s.WorkspacePath, variantID: s.VariantID}]
	return id, ok
}

// liveIDFor returns the cheap live-id a checkout's SCM predicts for its next
// result, caching it whenever it parses as a 40-character hex digest
// (other live-ids are returned uncached) so a later run (in particular a
// --build-only run, which never performs a real checkout) can find the same
// live-id again without re-querying the SCM's remote.
func (e *Engine) liveIDFor(s *bstep.Step, scm bstep.SCM) (string, error) {
	key := liveIDCacheKey(s)
	if e.buildOnly {
		if id, ok, err := e.store.GetBuildID(key); err == nil && ok {
			return id.String(), nil
		}
	}

	liveID, err := scm.PredictLiveBuildID()
	if err != nil {
		return "", err
	}

	digest, err := digestFromHex(liveID)
	if err != nil {
		return liveID, nil
	}
	_ = e.store.SetBuildID(key, digest)
	return liveID, nil
}

func liveIDCacheKey(s *bstep.Step) string {
	return "\x00" + s.VariantID.String()
}

// digestFromHex parses a 40-character lowercase-hex live-id string (the
// format scm.Git's PredictLiveBuildID/CalcLiveBuildID produce) back into a
// Digest, mirroring the archive package's own hex<->Digest helper.
func digestFromHex(s string) (bstep.Digest, error) {
	var d bstep.Digest
	if len(s) != len(d)*2 {
		return d, fmt.Errorf("live-id %q: want %d hex chars, got %d", s, len(d)*2, len(s))
	}
	for i := range d {
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &d[i]); err != nil {
			return bstep.Digest{}, fmt.Errorf("live-id %q: %w", s, err)
		}
	}
	return d, nil
}

// CheckoutBuildID returns a checkout step's build-id once it has actually
// run: the build-id of a checkout step equals its result hash.
func (e *Engine) CheckoutBuildID(s *bstep.Step, resultHash bstep.Digest) bstep.Digest {
	e.mu.Lock()
	e.checkoutCache[checkoutKey{path: s.WorkspacePath, variantID: s.VariantID}] = resultHash
	e.mu.Unlock()
	return resultHash
}

// MispredictRecovery is called when a checkout's real result hash differs
// from the build-id that downstream steps already used to make decisions.
// Returns bstep.ErrRestart, which the scheduler's outer loop catches.
func (e *Engine) MispredictRecovery(s *bstep.Step) error {
	_ = e.store.DelBuildID(liveIDCacheKey(s))
	e.Reset()
	return bstep.ErrRestart
}

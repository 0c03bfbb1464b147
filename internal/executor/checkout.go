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

package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/harness"
	"github.com/bobbuildtool/bob/internal/state"
	"github.com/bobbuildtool/bob/internal/telemetry"
	"github.com/bobbuildtool/bob/internal/workspace"
)

// Checkout runs the construct/reconcile/record sequence for a checkout step.
func (e *Executor) Checkout(ctx context.Context, s *bstep.Step) (resultHash bstep.Digest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.checkout", trace.WithAttributes(attribute.String("workspace", s.WorkspacePath)))
	defer func() {
		telemetry.RecordError(ctx, err)
		span.End()
	}()

	if _, err := e.cookAllDeps(ctx, s); err != nil {
		return bstep.Digest{}, err
	}

	_, created, err := e.Workspace.ConstructDir(s)
	if err != nil {
		return bstep.Digest{}, err
	}
	if created {
		_ = e.Store.DelDirectoryState(s.WorkspacePath)
		_ = e.Store.DelInputHashes(s.WorkspacePath)
		_ = e.Store.DelResultState(s.WorkspacePath)
	}

	newState, err := e.composeCheckoutState(s)
	if err != nil {
		return bstep.Digest{}, err
	}

	oldState, oldErr := e.Store.GetDirectoryState(s.WorkspacePath)
	hadOldState := oldErr == nil

	// Attempt the live-build-id protocol before deciding whether to rerun:
	// a fresh workspace whose SCM can predict its checkout result cheaply
	// may let a downstream package step download an artifact before this
	// checkout's harness ever executes. The prediction (if any) is cached
	// and compared against the real result once the checkout actually runs.
	e.Identity.PredictCheckoutBuildID(s, hadOldState)

	if e.Opts.BuildOnly {
		rs, err := e.Store.GetResultState(s.WorkspacePath)
		if err == nil && !rs.Pending {
			if hadOldState && !oldState.Equal(newState) && e.Opts.AlwaysCheckout != nil && !e.Opts.AlwaysCheckout(s.PrettyName) {
				// recipe changed underneath a build-only run; proceed anyway.
				// Warning about it is the caller's concern, the executor just
				// skips.
			}
			e.recordSkipped(s.Kind)
			return rs.Hash, nil
		}
	}

	if e.Opts.CleanCheckout {
		e.reconcileDirtySubdirs(s, newState)
	}

	checkoutInputHashes, err := e.cookAllDeps(ctx, s)
	if err != nil {
		return bstep.Digest{}, err
	}

	oldInputHashes, _ := e.Store.GetInputHashes(s.WorkspacePath)

	rerun := e.Opts.Force ||
		!s.IsDeterministic ||
		!hadOldState ||
		!oldState.Equal(newState) ||
		!digestsEqual(checkoutInputHashes, oldInputHashes.Hashes)

	if !rerun {
		rs, err := e.Store.GetResultState(s.WorkspacePath)
		if err == nil && !rs.Pending {
			e.recordSkipped(s.Kind)
			return rs.Hash, nil
		}
	}

	workspaceParent := filepath.Join(s.WorkspacePath)
	if err := e.evictStaleSubdirs(workspaceParent, oldState, newState); err != nil {
		return bstep.Digest{}, err
	}

	storedState := newState
	storedState.Sentinel = bstep.Digest{}
	if err := e.Store.ResetWorkspaceState(s.WorkspacePath, storedState, s.VariantID); err != nil {
		return bstep.Digest{}, err
	}

	runStart := time.Now()
	mounts := harness.BuildMounts(s)
	wrapperPath, err := e.Harness.Compose(s, mounts, nil)
	if err != nil {
		return bstep.Digest{}, err
	}
	if _, err := e.Harness.Execute(ctx, s, wrapperPath, harness.Invocation{
		Subcommand: harness.Run,
		Mode:       harness.Buffered,
	}); err != nil {
		return bstep.Digest{}, err
	}

	if err := e.Store.SetDirectoryState(s.WorkspacePath, newState); err != nil {
		return bstep.Digest{}, err
	}
	if err := e.Store.SetInputHashes(s.WorkspacePath, state.InputHashes{Hashes: checkoutInputHashes}); err != nil {
		return bstep.Digest{}, err
	}
	incremental := e.Identity.IncrementalVariantID(s)
	if err := e.Store.SetVariantID(s.WorkspacePath, incremental); err != nil {
		return bstep.Digest{}, err
	}

	checkoutHash, err := e.Workspace.HashWorkspace(ctx, s)
	if err != nil {
		return bstep.Digest{}, err
	}
	e.recordRan(s.Kind, time.Since(runStart))

	prior, priorErr := e.Store.GetResultState(s.WorkspacePath)
	hadPrior := priorErr == nil && !prior.Hash.IsZero()
	changed := !hadPrior || prior.Hash != checkoutHash

	if err := e.Store.SetResultState(s.WorkspacePath, state.ResultState{Hash: checkoutHash}); err != nil {
		return bstep.Digest{}, err
	}

	if changed && e.Audit != nil {
		_ = e.Audit.WriteStepAudit(s, checkoutHash, nil)
	}

	if created && e.Archive != nil && e.Archive.CanUploadLocal() {
		for _, scm := range s.SCMList {
			if !scm.HasLiveBuildID() {
				continue
			}
			liveID, err := scm.CalcLiveBuildID(s.WorkspacePath)
			if err == nil && liveID != "" {
				_ = e.Archive.UploadLocalLiveBuildID(liveID, checkoutHash)
			}
		}
	}

	predictedID, predicted := e.Identity.PredictedCheckoutBuildID(s)
	e.Identity.CheckoutBuildID(s, checkoutHash)
	if predicted && predictedID != checkoutHash {
		return bstep.Digest{}, e.Identity.MispredictRecovery(s)
	}

	return checkoutHash, nil
}

// composeCheckoutState builds the checkoutState ∪ {sentinel: variant_id}
// value stored alongside a checkout's result.
func (e *Executor) composeCheckoutState(s *bstep.Step) (state.DirectoryState, error) {
	digests := make(map[string]bstep.Digest)
	for _, scm := range s.SCMList {
		dirs, err := scm.GetDirectories()
		if err != nil {
			return state.DirectoryState{}, fmt.Errorf("scm.GetDirectories: %w", err)
		}
		for path, d := range dirs {
			digests[path] = d
		}
	}
	return state.DirectoryState{SCMDigests: digests, Sentinel: s.VariantID}, nil
}

// reconcileDirtySubdirs: with --clean-checkout, any SCM subdir whose
// stored digest still matches gets
// a live status check, and dirty/errored subdirs are evicted from the
// stored digest map so they're re-checked out.
func (e *Executor) reconcileDirtySubdirs(s *bstep.Step, newState state.DirectoryState) {
	old, err := e.Store.GetDirectoryState(s.WorkspacePath)
	if err != nil {
		return
	}
	for path := range old.SCMDigests {
		if newState.SCMDigests[path] != old.SCMDigests[path] {
			continue
		}
		for _, scm := range s.SCMList {
			status, err := scm.Status(s.WorkspacePath)
			if err != nil || status == "dirty" || status == "error" {
				delete(newState.SCMDigests, path)
			}
		}
	}
}

// evictStaleSubdirs: subdirectories whose stored digest no longer matches
// the new state are atticized (if present
// on disk) and dropped from stored state; collisions with non-SCM files
// are rejected before any directory state is persisted.
func (e *Executor) evictStaleSubdirs(workspaceParent string, oldState, newState state.DirectoryState) error {
	for path, oldDigest := range oldState.SCMDigests {
		if newDigest, ok := newState.SCMDigests[path]; ok && newDigest == oldDigest {
			continue
		}
		if err := e.Workspace.Atticize(workspaceParent, path); err != nil {
			return err
		}
	}
	for path := range newState.SCMDigests {
		if _, existed := oldState.SCMDigests[path]; existed {
			continue
		}
		full := filepath.Join(workspaceParent, "workspace", path)
		if err := workspace.CheckCollision(workspaceParent, path, full); err != nil {
			return err
		}
	}
	return nil
}

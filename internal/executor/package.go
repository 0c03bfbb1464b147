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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/harness"
	"github.com/bobbuildtool/bob/internal/state"
	"github.com/bobbuildtool/bob/internal/telemetry"
)

// Package runs the package step's download/build/upload decision and, on
// a rebuild, the package script itself.
//
// depth is this step's distance from a root package (roots are depth 0;
// --with-provided packages are requested at depth 1).
func (e *Executor) Package(ctx context.Context, s *bstep.Step, depth int) (resultHash bstep.Digest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.package", trace.WithAttributes(attribute.String("workspace", s.WorkspacePath), attribute.Int("depth", depth)))
	defer func() {
		telemetry.RecordError(ctx, err)
		span.End()
	}()

	_, created, err := e.Workspace.ConstructDir(s)
	if err != nil {
		return bstep.Digest{}, err
	}
	priorVariant, priorErr := e.Store.GetVariantID(s.WorkspacePath)
	dirChanged := created || priorErr != nil || priorVariant != e.Identity.IncrementalVariantID(s)
	if dirChanged {
		if err := e.Workspace.EmptyDirectory(s.WorkspacePath + "/workspace"); err != nil {
			return bstep.Digest{}, err
		}
	}

	var (
		packageBuildID bstep.Digest
		cookedDeps     []bstep.Digest
		depsCooked     bool
	)
	relocatableOrSandboxed := s.IsRelocatable || s.HasSandbox()
	if relocatableOrSandboxed {
		id, err := e.Identity.BuildID(s, e.resolveDepBuildID)
		if err != nil {
			// A checkout ancestor has neither run nor produced a
			// predictable live-build-id yet. Cook dependencies for real —
			// this actually runs the checkout — then retry: its result
			// state now exists, so resolveDepBuildID succeeds.
			hashes, cookErr := e.cookAllDeps(ctx, s)
			if cookErr != nil {
				return bstep.Digest{}, cookErr
			}
			cookedDeps, depsCooked = hashes, true

			id, err = e.Identity.BuildID(s, e.resolveDepBuildID)
			if err != nil {
				return bstep.Digest{}, err
			}
		}
		packageBuildID = id
	}

	oldInputHashes, _ := e.Store.GetInputHashes(s.WorkspacePath)
	oldBuildID, oldDeps, wasDownloaded := decodeInputHashes(oldInputHashes)

	depthReached, forceReached := downloadThresholds(e.Opts.DownloadMode, e.Opts.ArchiveReachable)
	canDownload := !e.Opts.CheckoutOnly && !packageBuildID.IsZero() && depth >= depthReached

	finalizedByDownload := false

	if canDownload {
		if !oldBuildID.IsZero() && (oldBuildID != packageBuildID || e.Opts.Force) {
			if err := e.Workspace.EmptyDirectory(s.WorkspacePath + "/workspace"); err != nil {
				return bstep.Digest{}, err
			}
			_ = e.Store.DelResultState(s.WorkspacePath)
			_ = e.Store.DelInputHashes(s.WorkspacePath)
			oldBuildID = bstep.Digest{}
			wasDownloaded = false
		}

		rs, _ := e.Store.GetResultState(s.WorkspacePath)
		switch {
		case rs.Hash.IsZero():
			ok, downloadErr := e.Archive.DownloadPackage(packageBuildID, s.WorkspacePath+"/workspace")
			if downloadErr != nil {
				e.recordDownloadError()
			}
			if downloadErr != nil || !ok {
				if downloadErr == nil {
					e.recordDownloadMiss()
				}
				if depth >= forceReached {
					return bstep.Digest{}, &bstep.BuildError{Err: fmt.Errorf("package download required at depth %d but failed for %s: %w", depth, s.WorkspacePath, downloadErr)}
				}
			} else {
				if err := e.Store.SetInputHashes(s.WorkspacePath, state.InputHashes{Hashes: []bstep.Digest{packageBuildID}, Downloaded: true}); err != nil {
					return bstep.Digest{}, err
				}
				h, err := e.Workspace.HashWorkspace(ctx, s)
				if err != nil {
					return bstep.Digest{}, err
				}
				resultHash = h
				finalizedByDownload = true
				wasDownloaded = true
				e.recordDownloaded(s.Kind)
			}
		case wasDownloaded && oldBuildID == packageBuildID:
			e.recordSkipped(s.Kind)
			return rs.Hash, nil
		}
	}

	if !finalizedByDownload {
		depHashes := cookedDeps
		if !depsCooked {
			hashes, err := e.cookAllDeps(ctx, s)
			if err != nil {
				return bstep.Digest{}, err
			}
			depHashes = hashes
		}
		packageInputs := append([]bstep.Digest{}, depHashes...)

		if !e.Opts.Force && oldDeps != nil && digestsEqual(oldDeps, packageInputs) && !dirChanged {
			rs, err := e.Store.GetResultState(s.WorkspacePath)
			if err == nil && !rs.Pending {
				e.recordSkipped(s.Kind)
				return rs.Hash, nil
			}
		}

		if err := e.Workspace.LinkDependencies(s); err != nil {
			return bstep.Digest{}, err
		}

		newDirState := state.DirectoryState{}
		if err := e.Store.ResetWorkspaceState(s.WorkspacePath, newDirState, s.VariantID); err != nil {
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

		h, err := e.Workspace.HashWorkspace(ctx, s)
		if err != nil {
			return bstep.Digest{}, err
		}
		resultHash = h
		e.recordRan(s.Kind, time.Since(runStart))

		if e.Audit != nil {
			_ = e.Audit.WriteStepAudit(s, resultHash, nil)
		}

		if e.Archive != nil && relocatableOrSandboxed && e.Archive.WantUpload(depth) {
			_ = e.Archive.UploadPackage(packageBuildID, s.WorkspacePath+"/workspace")
		}

		if err := e.Store.SetResultState(s.WorkspacePath, state.ResultState{Hash: resultHash}); err != nil {
			return bstep.Digest{}, err
		}
		incremental := e.Identity.IncrementalVariantID(s)
		if err := e.Store.SetVariantID(s.WorkspacePath, incremental); err != nil {
			return bstep.Digest{}, err
		}

		stored := state.InputHashes{Hashes: append([]bstep.Digest{packageBuildID}, packageInputs...)}
		if err := e.Store.SetInputHashes(s.WorkspacePath, stored); err != nil {
			return bstep.Digest{}, err
		}
		return resultHash, nil
	}

	if err := e.Store.SetResultState(s.WorkspacePath, state.ResultState{Hash: resultHash}); err != nil {
		return bstep.Digest{}, err
	}
	incremental := e.Identity.IncrementalVariantID(s)
	if err := e.Store.SetVariantID(s.WorkspacePath, incremental); err != nil {
		return bstep.Digest{}, err
	}
	return resultHash, nil
}

// resolveDepBuildID resolves a single dependency's build-id for use in a
// package step's own build-id computation. For a checkout dependency that
// has already run to completion, that's its stored result hash. For one
// that hasn't, the live-build-id protocol may still supply a predicted
// result without forcing the checkout to run first.
func (e *Executor) resolveDepBuildID(dep *bstep.Step) (bstep.Digest, error) {
	switch dep.Kind {
	case bstep.Checkout:
		rs, err := e.Store.GetResultState(dep.WorkspacePath)
		if err == nil && !rs.Pending {
			return rs.Hash, nil
		}
		if result, ok := e.Identity.PredictCheckoutBuildID(dep, false); ok {
			return result.BuildID, nil
		}
		if err != nil {
			return bstep.Digest{}, err
		}
		return bstep.Digest{}, fmt.Errorf("resolveDepBuildID: checkout %s is pending and its live-build-id could not be predicted", dep.WorkspacePath)
	default:
		return e.Identity.BuildID(dep, e.resolveDepBuildID)
	}
}

// decodeInputHashes decodes a package step's stored input_hashes into
// (oldBuildId, oldDeps, wasDownloaded). The encoding is
// [packageBuildId, *packageInputHashes] when built, or a bare
// [packageBuildId] when downloaded (Downloaded flag set). There is no
// separate legacy form: a bare dep-hash list is read as if its first
// entry were a build-id.
func decodeInputHashes(ih state.InputHashes) (buildID bstep.Digest, deps []bstep.Digest, downloaded bool) {
	if len(ih.Hashes) == 0 {
		return bstep.Digest{}, nil, false
	}
	if ih.Downloaded {
		return ih.Hashes[0], nil, true
	}
	return ih.Hashes[0], ih.Hashes[1:], false
}

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
	"crypto/sha1"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/harness"
	"github.com/bobbuildtool/bob/internal/state"
	"github.com/bobbuildtool/bob/internal/telemetry"
)

// Build runs the incremental-variant-id / input-hash comparison, and
// re-executes the build script only when something actually changed.
func (e *Executor) Build(ctx context.Context, s *bstep.Step) (resultHash bstep.Digest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.build", trace.WithAttributes(attribute.String("workspace", s.WorkspacePath)))
	defer func() {
		telemetry.RecordError(ctx, err)
		span.End()
	}()

	depHashes, err := e.cookAllDeps(ctx, s)
	if err != nil {
		return bstep.Digest{}, err
	}

	buildDigest := buildDirDigest(s)

	_, created, err := e.Workspace.ConstructDir(s)
	if err != nil {
		return bstep.Digest{}, err
	}
	oldDirState, oldErr := e.Store.GetDirectoryState(s.WorkspacePath)
	dirChanged := created || oldErr != nil || !sameBuildDigest(oldDirState.BuildDigest, buildDigest)
	if dirChanged {
		if err := e.Workspace.EmptyDirectory(s.WorkspacePath + "/workspace"); err != nil {
			return bstep.Digest{}, err
		}
	}

	if e.Opts.CheckoutOnly {
		rs, _ := e.Store.GetResultState(s.WorkspacePath)
		return rs.Hash, nil
	}

	oldInputHashes, _ := e.Store.GetInputHashes(s.WorkspacePath)
	if !e.Opts.Force && dirMatchesInputs(oldInputHashes, depHashes) && !dirChanged {
		// Rehash to pick up manual edits in develop mode even on a skip.
		if _, err := e.Workspace.HashWorkspace(ctx, s); err != nil {
			return bstep.Digest{}, err
		}
		rs, err := e.Store.GetResultState(s.WorkspacePath)
		if err == nil && !rs.Pending {
			e.recordSkipped(s.Kind)
			return rs.Hash, nil
		}
	}

	if e.Opts.CleanBuild {
		if err := e.Workspace.EmptyDirectory(s.WorkspacePath + "/workspace"); err != nil {
			return bstep.Digest{}, err
		}
	}

	if err := e.Workspace.LinkDependencies(s); err != nil {
		return bstep.Digest{}, err
	}

	newDirState := state.DirectoryState{BuildDigest: buildDigest}
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

	resultHash, err = e.Workspace.HashWorkspace(ctx, s)
	if err != nil {
		return bstep.Digest{}, err
	}
	e.recordRan(s.Kind, time.Since(runStart))
	if e.Audit != nil {
		_ = e.Audit.WriteStepAudit(s, resultHash, nil)
	}

	if err := e.Store.SetResultState(s.WorkspacePath, state.ResultState{Hash: resultHash}); err != nil {
		return bstep.Digest{}, err
	}
	incremental := e.Identity.IncrementalVariantID(s)
	if err := e.Store.SetVariantID(s.WorkspacePath, incremental); err != nil {
		return bstep.Digest{}, err
	}
	if err := e.Store.SetInputHashes(s.WorkspacePath, state.InputHashes{Hashes: depHashes}); err != nil {
		return bstep.Digest{}, err
	}

	return resultHash, nil
}

// buildDirDigest computes [variant_id, exec_path] + [a.exec_path for
// every argument]. It uses the step's own variant-id, not the
// incremental variant-id, and does not filter the arguments.
func buildDirDigest(s *bstep.Step) []string {
	out := []string{s.VariantID.String(), s.ExecPath}
	for _, a := range s.Deps.Arguments {
		out = append(out, a.ExecPath)
	}
	return out
}

func sameBuildDigest(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dirMatchesInputs(ih state.InputHashes, deps []bstep.Digest) bool {
	return digestsEqual(ih.Hashes, deps)
}

func checksum(parts ...string) bstep.Digest {
	h := sha1.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%s\x00", p)
	}
	var out bstep.Digest
	copy(out[:], h.Sum(nil))
	return out
}

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

// Package executor implements the per-step state machine for checkout,
// build, and package steps. It decides skip vs. download vs. rebuild,
// advances the persistent state store through a reset/run/commit
// sequence, and emits audits, following the same per-task stage sequence
// (acquire → run → record) a task-execution loop would use, rebuilt
// around the checkout/build/package state machines instead of container
// build stages.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/harness"
	"github.com/bobbuildtool/bob/internal/identity"
	"github.com/bobbuildtool/bob/internal/state"
	"github.com/bobbuildtool/bob/internal/workspace"
)

// Archive is the subset of the remote-archive capability the executor
// needs for package download/upload decisions.
type Archive interface {
	WantDownload(depth int) bool
	WantUpload(depth int) bool
	CanDownloadLocal() bool
	CanUploadLocal() bool

	DownloadPackage(buildID bstep.Digest, destWorkspace string) (bool, error)
	UploadPackage(buildID bstep.Digest, srcWorkspace string) error

	DownloadLocalLiveBuildID(liveID string) (bstep.Digest, bool, error)
	UploadLocalLiveBuildID(liveID string, realID bstep.Digest) error
}

// AuditWriter is the opaque per-step audit record sink.
type AuditWriter interface {
	WriteStepAudit(s *bstep.Step, resultHash bstep.Digest, extra map[string]string) error
}

// Metrics is the instrumentation capability the executor reports step
// outcomes to, matching *metrics.Metrics' exported surface. A nil Metrics
// disables recording; callers that don't care about scrape-able progress
// can leave Executor.Metrics unset.
type Metrics interface {
	RecordStepRan(kind string, durationSeconds float64)
	RecordStepSkipped(kind string)
	RecordStepDownloaded(kind string)
	RecordDownloadMiss()
	RecordDownloadError()
}

// DownloadMode selects the depth/force thresholds governing package
// downloads.
type DownloadMode int

const (
	DownloadNo DownloadMode = iota
	DownloadYes
	DownloadForced
	DownloadDeps
	DownloadForcedDeps
	DownloadForcedFallback
)

// downloadThresholds returns (downloadDepth, downloadDepthForce) for a
// mode, given whether the archive is currently reachable.
func downloadThresholds(mode DownloadMode, archiveReachable bool) (depth, force int) {
	const inf = int(^uint(0) >> 1)
	switch mode {
	case DownloadNo:
		return inf, inf
	case DownloadYes:
		if archiveReachable {
			return 0, inf
		}
		return inf, inf
	case DownloadForced:
		return 0, 0
	case DownloadDeps:
		if archiveReachable {
			return 1, inf
		}
		return inf, inf
	case DownloadForcedDeps:
		return 1, 1
	case DownloadForcedFallback:
		return 0, 1
	default:
		return inf, inf
	}
}

// Options configures one executor run; a single Options value is shared by
// every step cooked during that run.
type Options struct {
	Force            bool
	CleanCheckout    bool
	CleanBuild       bool
	CheckoutOnly     bool
	BuildOnly        bool
	DownloadMode     DownloadMode
	ArchiveReachable bool
	KeepGoing        bool
	// AlwaysCheckout names recipes that must always re-checkout even in
	// build-only mode.
	AlwaysCheckout func(prettyName string) bool
}

// Executor wires the four leaf components (state, identity, workspace,
// harness) plus the external archive/audit collaborators into the
// checkout/build/package state machines.
type Executor struct {
	Store     state.Store
	Identity  *identity.Engine
	Workspace *workspace.Manager
	Harness   *harness.Harness
	Archive   Archive
	Audit     AuditWriter
	Metrics   Metrics
	Opts      Options
}

func (e *Executor) recordSkipped(kind bstep.Kind) {
	if e.Metrics != nil {
		e.Metrics.RecordStepSkipped(kind.String())
	}
}

func (e *Executor) recordRan(kind bstep.Kind, d time.Duration) {
	if e.Metrics != nil {
		e.Metrics.RecordStepRan(kind.String(), d.Seconds())
	}
}

func (e *Executor) recordDownloaded(kind bstep.Kind) {
	if e.Metrics != nil {
		e.Metrics.RecordStepDownloaded(kind.String())
	}
}

func (e *Executor) recordDownloadMiss() {
	if e.Metrics != nil {
		e.Metrics.RecordDownloadMiss()
	}
}

func (e *Executor) recordDownloadError() {
	if e.Metrics != nil {
		e.Metrics.RecordDownloadError()
	}
}

// CookDepFunc recursively cooks a dependency step and returns its result
// hash; supplied per-call via the context by the scheduler, which owns
// task deduplication and concurrency. The executor never
// schedules directly. It is threaded through context.Context, rather than
// a struct field, because one Executor value is shared by every
// concurrently-running task and the callback differs per call (it closes
// over the calling step's depth).
type CookDepFunc func(ctx context.Context, dep *bstep.Step) (bstep.Digest, error)

type cookDepKey struct{}

// WithCookDep attaches fn as the dependency-cooking callback for ctx.
func WithCookDep(ctx context.Context, fn CookDepFunc) context.Context {
	return context.WithValue(ctx, cookDepKey{}, fn)
}

func cookDepFromContext(ctx context.Context) CookDepFunc {
	fn, _ := ctx.Value(cookDepKey{}).(CookDepFunc)
	return fn
}

// CookDep invokes ctx's attached dependency-cooking callback for dep. It
// exists alongside the unexported cookAllDeps helper so callers outside
// this package (the scheduler's dispatcher, tests) can cook a single
// dependency the same way a step's own executor does.
func CookDep(ctx context.Context, dep *bstep.Step) (bstep.Digest, error) {
	return cookDepFromContext(ctx)(ctx, dep)
}

// cookAllDeps cooks every direct dependency in the fixed order
// bstep.Deps.AllDepSteps establishes, returning their result hashes in the
// same order. Every dependency is cooked even if an earlier one fails —
// under --keep-going, a sibling's independent failure must still surface
// rather than being masked by the first one encountered — and the first
// error seen is what's returned once all have been attempted.
func (e *Executor) cookAllDeps(ctx context.Context, s *bstep.Step) ([]bstep.Digest, error) {
	cookDep := cookDepFromContext(ctx)
	deps := s.Deps.AllDepSteps()
	hashes := make([]bstep.Digest, len(deps))
	var firstErr error
	for i, dep := range deps {
		h, err := cookDep(ctx, dep)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cooking dependency %s: %w", dep.WorkspacePath, err)
		}
		hashes[i] = h
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return hashes, nil
}

func digestsEqual(a, b []bstep.Digest) bool {
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

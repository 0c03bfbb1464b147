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

package main

import (
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/internal/archive"
	"github.com/bobbuildtool/bob/internal/audit"
	"github.com/bobbuildtool/bob/internal/bobconfig"
	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/developdir"
	"github.com/bobbuildtool/bob/internal/executor"
	"github.com/bobbuildtool/bob/internal/graphfile"
	"github.com/bobbuildtool/bob/internal/harness"
	"github.com/bobbuildtool/bob/internal/identity"
	"github.com/bobbuildtool/bob/internal/metrics"
	"github.com/bobbuildtool/bob/internal/scheduler"
	"github.com/bobbuildtool/bob/internal/state"
	"github.com/bobbuildtool/bob/internal/workspace"
)

// runtime bundles everything one `bob` invocation needs, torn down via
// close() once the command finishes.
type runtime struct {
	cfg     *bobconfig.Config
	store   *state.BoltStore
	oracle  *developdir.Oracle
	arch    executor.Archive // nil if no archive configured
	metrics *metrics.Metrics

	closers []func() error
}

func (r *runtime) close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newRuntime loads config and constructs every long-lived collaborator
// the executor/scheduler pair needs. A project that configures no archive
// runs without one; a configured archive that cannot be constructed fails
// the run with an error.
func newRuntime(ctx context.Context, flags *globalFlags) (*runtime, error) {
	log := clog.FromContext(ctx)
	root := flags.ProjectRoot

	cfg, err := bobconfig.Load(bobconfig.ResolvePath(root, flags.ConfigPath), flags.EnvFile)
	if err != nil {
		return nil, err
	}

	r := &runtime{cfg: cfg, metrics: metrics.New()}

	st, err := state.OpenBolt(bobconfig.ResolvePath(root, cfg.StateDBPath))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	r.store = st
	r.closers = append(r.closers, st.Close)

	oracle, err := developdir.Open(bobconfig.ResolvePath(root, cfg.DevelopDirPath))
	if err != nil {
		_ = r.close()
		return nil, fmt.Errorf("opening develop-dir oracle: %w", err)
	}
	r.oracle = oracle
	r.closers = append(r.closers, oracle.Close)

	switch cfg.Archive.Backend {
	case bobconfig.ArchiveNone:
		log.Debugf("no archive configured")
	case bobconfig.ArchiveLocal:
		depths := archive.DepthLimits{MaxDownloadDepth: cfg.Archive.MaxDownloadDepth, MaxUploadDepth: cfg.Archive.MaxUploadDepth}
		local, err := archive.NewLocal(bobconfig.ResolvePath(root, cfg.Archive.Directory), depths)
		if err != nil {
			_ = r.close()
			return nil, fmt.Errorf("configuring local archive: %w", err)
		}
		r.arch = local
	case bobconfig.ArchiveGCS:
		depths := archive.DepthLimits{MaxDownloadDepth: cfg.Archive.MaxDownloadDepth, MaxUploadDepth: cfg.Archive.MaxUploadDepth}
		var opts []archive.GCSOption
		if cfg.Archive.LiveIDCacheDSN != "" {
			cache, err := archive.NewPostgresLiveIDCache(ctx, cfg.Archive.LiveIDCacheDSN)
			if err != nil {
				_ = r.close()
				return nil, fmt.Errorf("configuring postgres live-id cache: %w", err)
			}
			r.closers = append(r.closers, func() error { cache.Close(); return nil })
			opts = append(opts, archive.WithGCSLiveIDCache(cache))
		}
		gcs, err := archive.NewGCS(ctx, cfg.Archive.Bucket, depths, opts...)
		if err != nil {
			_ = r.close()
			return nil, fmt.Errorf("configuring GCS archive: %w", err)
		}
		r.closers = append(r.closers, gcs.Close)
		r.arch = gcs
	default:
		_ = r.close()
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}

	return r, nil
}

// loadRoots loads the step graph and, if develop is true, refreshes the
// Develop-Dir Oracle and rewrites every step's workspace path to the
// oracle's assignment.
func (r *runtime) loadRoots(ctx context.Context, root, graphPath string, develop bool) ([]*bstep.Step, error) {
	roots, err := graphfile.Load(bobconfig.ResolvePath(root, graphPath))
	if err != nil {
		return nil, err
	}
	if !develop {
		return roots, nil
	}

	cacheKey := graphCacheKey(roots)
	formatter := func(s *bstep.Step) string { return "develop/" + s.PrettyName }
	if err := r.oracle.Refresh(ctx, cacheKey, roots, formatter); err != nil {
		return nil, fmt.Errorf("refreshing develop-dir oracle: %w", err)
	}

	seen := make(map[string]bool)
	var rewrite func(s *bstep.Step) error
	rewrite = func(s *bstep.Step) error {
		if seen[s.WorkspacePath] {
			return nil
		}
		dir, err := r.oracle.Dir(s)
		if err != nil {
			return err
		}
		s.WorkspacePath = dir
		s.ExecPath = dir
		seen[s.WorkspacePath] = true
		for _, dep := range s.Deps.AllDepSteps() {
			if err := rewrite(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := rewrite(root); err != nil {
			return nil, err
		}
	}
	return roots, nil
}

func graphCacheKey(roots []*bstep.Step) string {
	h := sha1.New()
	var walk func(s *bstep.Step)
	seen := make(map[string]bool)
	walk = func(s *bstep.Step) {
		if seen[developdir.Key(s)] {
			return
		}
		seen[developdir.Key(s)] = true
		fmt.Fprintf(h, "%s\x00%s\x00", s.PrettyName, s.VariantID)
		for _, dep := range s.Deps.AllDepSteps() {
			walk(dep)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// newExecutor builds an Executor sharing r's collaborators; dispatch
// adapts it into the scheduler's Dispatcher.
func (r *runtime) newExecutor(root string, opts executor.Options) *executor.Executor {
	alwaysCheckout := func(string) bool { return false }
	var idArchive identity.Archive
	if r.arch != nil {
		idArchive = r.arch
	}
	eng := identity.New(r.store, idArchive, alwaysCheckout, opts.BuildOnly)

	return &executor.Executor{
		Store:     r.store,
		Identity:  eng,
		Workspace: workspace.New(root),
		Harness:   harness.New(root),
		Archive:   r.arch,
		Audit:     audit.New(),
		Metrics:   r.metrics,
		Opts:      opts,
	}
}

// dispatch adapts Executor's three kind-specific entry points into a
// single scheduler.Dispatcher. Per-outcome metrics (ran/skipped/downloaded,
// with real timings) are recorded inline by the Executor itself, since only
// it knows which of those actually happened; dispatch only has enough
// information to record the one outcome it alone can see: failure.
func dispatch(e *executor.Executor, m *metrics.Metrics) scheduler.Dispatcher {
	return func(ctx context.Context, s *bstep.Step, depth int) (bstep.Digest, error) {
		var (
			hash bstep.Digest
			err  error
		)
		switch s.Kind {
		case bstep.Checkout:
			hash, err = e.Checkout(ctx, s)
		case bstep.Build:
			hash, err = e.Build(ctx, s)
		case bstep.Package:
			hash, err = e.Package(ctx, s, depth)
		default:
			return bstep.Digest{}, fmt.Errorf("unknown step kind %v", s.Kind)
		}

		if err != nil && m != nil {
			m.RecordStepFailed(s.Kind.String())
		}
		return hash, err
	}
}

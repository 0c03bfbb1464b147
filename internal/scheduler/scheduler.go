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

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/executor"
	"github.com/bobbuildtool/bob/internal/telemetry"
)

// Metrics is the instrumentation capability the scheduler reports its
// queue-depth and active-job gauges to, matching *metrics.Metrics' exported
// surface. A nil Metrics disables recording.
type Metrics interface {
	SetQueueDepth(n int)
	SetActiveJobs(n int)
}

// Dispatcher runs one step to completion, returning its result hash. depth
// is the step's distance from a root. The scheduler supplies a CookDep
// callback on the executor that recurses back into the scheduler for each
// dependency, so Dispatcher only ever needs to run the step itself.
type Dispatcher func(ctx context.Context, s *bstep.Step, depth int) (bstep.Digest, error)

// future is the shared result of one in-flight or completed cook task,
// used to dedup concurrent requests for the same workspace path.
type future struct {
	done chan struct{}
	hash bstep.Digest
	err  error
}

// Scheduler is the cooperative task runtime: a bounded concurrency
// semaphore sized to --jobs, per-workspace task dedup via shared futures,
// cancellation, keep-going, and a restart-on-mispredict outer loop.
type Scheduler struct {
	jobs       int64
	keepGoing  bool
	dispatch   Dispatcher
	packageOf  func(*bstep.Step) string // for --no-deps filtering; nil disables it
	noDeps     bool
	metrics    Metrics

	mu         sync.Mutex
	sem        *semaphore.Weighted
	tasks      map[string]*future
	errs       []error
	running    bool
	restartReq bool
	cancelFn   context.CancelFunc
	queueDepth int
	activeJobs int
}

// Options configures one scheduler instance.
type Options struct {
	Jobs      int
	KeepGoing bool
	NoDeps    bool
	PackageOf func(*bstep.Step) string
	Metrics   Metrics
}

// New creates a scheduler that drives dispatch for every step it cooks.
func New(dispatch Dispatcher, opts Options) *Scheduler {
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	return &Scheduler{
		jobs:      int64(opts.Jobs),
		keepGoing: opts.KeepGoing,
		noDeps:    opts.NoDeps,
		packageOf: opts.PackageOf,
		metrics:   opts.Metrics,
		dispatch:  dispatch,
	}
}

func (s *Scheduler) adjustQueueDepth(delta int) {
	s.mu.Lock()
	s.queueDepth += delta
	n := s.queueDepth
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetQueueDepth(n)
	}
}

func (s *Scheduler) adjustActiveJobs(delta int) {
	s.mu.Lock()
	s.activeJobs += delta
	n := s.activeJobs
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetActiveJobs(n)
	}
}

// Run drives roots to completion, restarting the whole dispatch from
// scratch whenever a task raises bstep.ErrRestart (a live-build-id
// mispredict). It returns nil, the sole collected error, or a
// *bstep.MultiError if more than one was collected.
func (s *Scheduler) Run(ctx context.Context, roots []*bstep.Step) error {
	if err := DetectCycle(roots); err != nil {
		return &bstep.BobError{Err: err}
	}

	for {
		err := s.runOnce(ctx, roots)
		if errors.Is(err, bstep.ErrRestart) {
			continue
		}
		return err
	}
}

func (s *Scheduler) runOnce(ctx context.Context, roots []*bstep.Step) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.sem = semaphore.NewWeighted(s.jobs)
	s.tasks = make(map[string]*future)
	s.errs = nil
	s.running = true
	s.restartReq = false
	s.cancelFn = cancel
	s.queueDepth = 0
	s.activeJobs = 0
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetQueueDepth(0)
		s.metrics.SetActiveJobs(0)
	}

	log := clog.FromContext(ctx)

	var wg sync.WaitGroup
	for _, root := range roots {
		root := root
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.cook(runCtx, root, 0); err != nil {
				log.Debugf("root %s finished with error: %v", root.WorkspacePath, err)
			}
		}()
	}
	wg.Wait()

	s.mu.Lock()
	restart := s.restartReq
	errs := s.errs
	s.mu.Unlock()

	if restart {
		return bstep.ErrRestart
	}
	return bstep.CombineErrors(errs)
}

// cook dedupes concurrent requests for the same workspace path, acquires a
// semaphore permit, runs dispatch, and records the result for anyone else
// awaiting the same step.
func (s *Scheduler) cook(ctx context.Context, step *bstep.Step, depth int) (bstep.Digest, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return bstep.Digest{}, bstep.ErrCancel
	}
	if f, ok := s.tasks[step.WorkspacePath]; ok {
		s.mu.Unlock()
		<-f.done
		return f.hash, f.err
	}
	f := &future{done: make(chan struct{})}
	s.tasks[step.WorkspacePath] = f
	s.mu.Unlock()
	s.adjustQueueDepth(1)

	hash, err := s.runTask(ctx, step, depth)

	f.hash, f.err = hash, err
	close(f.done)

	if err != nil {
		s.onTaskError(err)
	}
	return hash, err
}

func (s *Scheduler) runTask(ctx context.Context, step *bstep.Step, depth int) (bstep.Digest, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.run_task", trace.WithAttributes(
		attribute.String("workspace", step.WorkspacePath),
		attribute.Int("depth", depth),
	))
	defer span.End()

	waitTimer := telemetry.NewTimer(ctx, "semaphore_wait")
	if err := s.sem.Acquire(ctx, 1); err != nil {
		waitTimer.Stop()
		s.adjustQueueDepth(-1)
		telemetry.RecordError(ctx, err)
		return bstep.Digest{}, bstep.ErrCancel
	}
	waitTimer.Stop()
	s.adjustQueueDepth(-1)
	s.adjustActiveJobs(1)
	defer s.adjustActiveJobs(-1)
	defer s.sem.Release(1)

	ctx = executor.WithCookDep(ctx, executor.CookDepFunc(s.CookDep(step, depth)))
	hash, err := s.dispatch(ctx, step, depth)
	telemetry.RecordError(ctx, err)
	return hash, err
}

// yieldJobWhile releases this task's semaphore permit for the duration of
// fn, then reacquires it before returning: a task must not hold a job slot
// while blocked on a child task or archive I/O, or effective concurrency
// can exceed --jobs and deadlock when the tree is deeper than the job
// budget.
func (s *Scheduler) yieldJobWhile(ctx context.Context, fn func() (bstep.Digest, error)) (bstep.Digest, error) {
	s.sem.Release(1)
	s.adjustActiveJobs(-1)
	defer func() {
		// Reacquire even after cancellation: runTask's deferred Release
		// needs the permit to be held again, so this waits until it is.
		_ = s.sem.Acquire(context.WithoutCancel(ctx), 1)
		s.adjustActiveJobs(1)
	}()
	return fn()
}

// CookDep returns the callback the executor invokes to recursively cook a
// dependency step, honoring --no-deps visibility filtering when a PackageOf
// function was supplied (steps whose package differs from the current
// parent package are invisible) and the yield-while-blocked concurrency
// rule.
func (s *Scheduler) CookDep(parent *bstep.Step, parentDepth int) func(ctx context.Context, dep *bstep.Step) (bstep.Digest, error) {
	return func(ctx context.Context, dep *bstep.Step) (bstep.Digest, error) {
		if s.noDeps && s.packageOf != nil && s.packageOf(dep) != s.packageOf(parent) {
			// Invisible under --no-deps: return a zero digest without
			// scheduling new work for it.
			return bstep.Digest{}, nil
		}
		return s.yieldJobWhile(ctx, func() (bstep.Digest, error) {
			return s.cook(ctx, dep, parentDepth+1)
		})
	}
}

func (s *Scheduler) onTaskError(err error) {
	if errors.Is(err, bstep.ErrRestart) {
		s.mu.Lock()
		s.restartReq = true
		running := s.running
		s.running = false
		cancel := s.cancelFn
		s.mu.Unlock()
		if running && cancel != nil {
			cancel()
		}
		return
	}

	if errors.Is(err, bstep.ErrCancel) {
		return
	}

	s.mu.Lock()
	s.errs = append(s.errs, err)
	stopAll := !s.keepGoing && s.running
	if stopAll {
		s.running = false
	}
	cancel := s.cancelFn
	s.mu.Unlock()

	if stopAll && cancel != nil {
		cancel()
	}
}

// Cancel marks the run non-running and cancels all in-flight tasks. The
// CLI does not call it; a SIGINT reaches the run through its context.
// Already-completed work is preserved in the store; nothing here touches
// persisted state.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.running = false
	cancel := s.cancelFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/executor"
)

var errTest = errors.New("test failure")

// cookAllDepsForTestWrap mirrors the real executor's cookAllDeps: every
// dependency is attempted even after an earlier one fails, so independent
// sibling failures aren't masked under keep-going.
func cookAllDepsForTestWrap(ctx context.Context, s *bstep.Step) (bstep.Digest, error) {
	var firstErr error
	for _, dep := range s.Deps.AllDepSteps() {
		if _, err := executor.CookDep(ctx, dep); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return bstep.Digest{}, firstErr
}

func linearChain(n int) *bstep.Step {
	var prev *bstep.Step
	for i := 0; i < n; i++ {
		s := &bstep.Step{WorkspacePath: string(rune('a' + i))}
		if prev != nil {
			s.Deps.Arguments = []*bstep.Step{prev}
		}
		prev = s
	}
	return prev
}

func TestCookDedupesSharedDependency(t *testing.T) {
	shared := &bstep.Step{WorkspacePath: "shared"}
	a := &bstep.Step{WorkspacePath: "a", Deps: bstep.Deps{Arguments: []*bstep.Step{shared}}}
	b := &bstep.Step{WorkspacePath: "b", Deps: bstep.Deps{Arguments: []*bstep.Step{shared}}}
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a, b}}}

	var sharedRuns int32
	dispatch := func(ctx context.Context, s *bstep.Step, depth int) (bstep.Digest, error) {
		if _, err := cookAllDepsForTestWrap(ctx, s); err != nil {
			return bstep.Digest{}, err
		}
		if s.WorkspacePath == "shared" {
			atomic.AddInt32(&sharedRuns, 1)
		}
		return bstep.Digest{}, nil
	}

	sch := New(dispatch, Options{Jobs: 2})
	err := sch.Run(context.Background(), []*bstep.Step{root})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&sharedRuns))
}

func TestDetectCycleFindsCycle(t *testing.T) {
	a := &bstep.Step{WorkspacePath: "a"}
	b := &bstep.Step{WorkspacePath: "b"}
	a.Deps.Arguments = []*bstep.Step{b}
	b.Deps.Arguments = []*bstep.Step{a}

	err := DetectCycle([]*bstep.Step{a})
	require.Error(t, err)
}

func TestDetectCycleAcyclic(t *testing.T) {
	root := linearChain(4)
	err := DetectCycle([]*bstep.Step{root})
	require.NoError(t, err)
}

func TestKeepGoingCollectsMultipleErrors(t *testing.T) {
	a := &bstep.Step{WorkspacePath: "a"}
	b := &bstep.Step{WorkspacePath: "b"}
	root := &bstep.Step{WorkspacePath: "root", Deps: bstep.Deps{Arguments: []*bstep.Step{a, b}}}

	dispatch := func(ctx context.Context, s *bstep.Step, depth int) (bstep.Digest, error) {
		if _, err := cookAllDepsForTestWrap(ctx, s); err != nil {
			return bstep.Digest{}, err
		}
		if s.WorkspacePath == "a" || s.WorkspacePath == "b" {
			return bstep.Digest{}, &bstep.BuildError{Err: errTest}
		}
		return bstep.Digest{}, nil
	}

	sch := New(dispatch, Options{Jobs: 2, KeepGoing: true})
	err := sch.Run(context.Background(), []*bstep.Step{root})
	require.Error(t, err)
	var multi *bstep.MultiError
	require.ErrorAs(t, err, &multi)
	// a and b each fail independently, and root's own task also fails
	// because cooking its dependencies failed — three collected errors.
	require.Len(t, multi.Errors, 3)
}

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

// Package scheduler implements DAG-ordered cooking of step trees with a
// bounded concurrency semaphore, per-workspace task deduplication,
// cancellation, keep-going, and a mispredict-triggered restart loop, with
// DFS cycle detection, semaphore-gated concurrent task dispatch, and
// clog-based structured logging. Dependencies are cooked depth-first as
// each step asks for them; there is no separate topological sort.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// DetectCycle runs a DFS over the step graph reachable from roots and
// returns an error naming the cycle if one exists. The executor never
// constructs cyclic step graphs itself; this is a defensive check run once
// before the first dispatch.
func DetectCycle(roots []*bstep.Step) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string
	var dfs func(s *bstep.Step) bool
	dfs = func(s *bstep.Step) bool {
		state[s.WorkspacePath] = visiting
		for _, dep := range s.Deps.AllDepSteps() {
			switch state[dep.WorkspacePath] {
			case visiting:
				cyclePath = []string{dep.WorkspacePath, s.WorkspacePath}
				for cur := s.WorkspacePath; cur != dep.WorkspacePath; {
					p, ok := parent[cur]
					if !ok {
						break
					}
					cyclePath = append([]string{p}, cyclePath...)
					cur = p
				}
				return true
			case unvisited:
				parent[dep.WorkspacePath] = s.WorkspacePath
				if dfs(dep) {
					return true
				}
			}
		}
		state[s.WorkspacePath] = done
		return false
	}

	sortedRoots := append([]*bstep.Step{}, roots...)
	sort.Slice(sortedRoots, func(i, j int) bool {
		return sortedRoots[i].WorkspacePath < sortedRoots[j].WorkspacePath
	})

	for _, root := range sortedRoots {
		if state[root.WorkspacePath] == unvisited {
			if dfs(root) {
				return fmt.Errorf("cycle detected in step graph: %v", cyclePath)
			}
		}
	}
	return nil
}

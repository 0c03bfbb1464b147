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
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/bobbuildtool/bob/internal/executor"
	"github.com/bobbuildtool/bob/internal/scheduler"
)

// runFlags holds the flags common to build/checkout/package:
// --force/--clean-*/--jobs/--keep-going/--no-deps/--download-mode.
type runFlags struct {
	Force         bool
	CleanCheckout bool
	CleanBuild    bool
	Jobs          int
	KeepGoing     bool
	NoDeps        bool
	DownloadMode  string
	Develop       bool
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	fs := cmd.Flags()
	fs.BoolVar(&f.Force, "force", false, "rerun every step regardless of stored state")
	fs.BoolVar(&f.CleanCheckout, "clean-checkout", false, "discard and recreate checkout workspaces")
	fs.BoolVar(&f.CleanBuild, "clean-build", false, "empty a build step's workspace before its script reruns")
	fs.IntVar(&f.Jobs, "jobs", 0, "concurrency budget (0 = use the project config's default)")
	fs.BoolVar(&f.KeepGoing, "keep-going", false, "keep scheduling unrelated steps after a failure")
	fs.BoolVar(&f.NoDeps, "no-deps", false, "don't descend into dependencies outside the requested package (this driver sets no package mapping, so the flag has no effect)")
	fs.StringVar(&f.DownloadMode, "download-mode", "yes", "artifact download policy: no, yes, forced, deps, forced-deps, forced-fallback")
	fs.BoolVar(&f.Develop, "develop", false, "use the Develop-Dir Oracle's stable per-recipe directories instead of variant-id paths")
}

func parseDownloadMode(s string) (executor.DownloadMode, error) {
	switch s {
	case "no":
		return executor.DownloadNo, nil
	case "yes":
		return executor.DownloadYes, nil
	case "forced":
		return executor.DownloadForced, nil
	case "deps":
		return executor.DownloadDeps, nil
	case "forced-deps":
		return executor.DownloadForcedDeps, nil
	case "forced-fallback":
		return executor.DownloadForcedFallback, nil
	default:
		return 0, fmt.Errorf("unknown --download-mode %q", s)
	}
}

func newBuildCmd(g *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run checkout, build, and package steps for the graph's root packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteps(cmd.Context(), g, rf, false, false)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func newCheckoutCmd(g *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Run only the checkout steps reachable from the graph's root packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteps(cmd.Context(), g, rf, true, false)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func newPackageCmd(g *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Run build and package steps but skip re-checking out sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteps(cmd.Context(), g, rf, false, true)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func runSteps(ctx context.Context, g *globalFlags, rf *runFlags, checkoutOnly, buildOnly bool) error {
	log := clog.FromContext(ctx)

	rt, err := newRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			log.Errorf("closing runtime: %v", err)
		}
	}()

	roots, err := rt.loadRoots(ctx, g.ProjectRoot, g.GraphFile, rf.Develop)
	if err != nil {
		return err
	}

	downloadMode, err := parseDownloadMode(rf.DownloadMode)
	if err != nil {
		return err
	}

	jobs := rf.Jobs
	if jobs <= 0 {
		jobs = rt.cfg.Jobs
	}
	keepGoing := rf.KeepGoing || rt.cfg.KeepGoing

	e := rt.newExecutor(g.ProjectRoot, executor.Options{
		Force:            rf.Force,
		CleanCheckout:    rf.CleanCheckout,
		CleanBuild:       rf.CleanBuild,
		CheckoutOnly:     checkoutOnly,
		BuildOnly:        buildOnly,
		DownloadMode:     downloadMode,
		ArchiveReachable: rt.arch != nil,
		KeepGoing:        keepGoing,
	})

	sched := scheduler.New(dispatch(e, rt.metrics), scheduler.Options{
		Jobs:      jobs,
		KeepGoing: keepGoing,
		NoDeps:    rf.NoDeps,
		Metrics:   rt.metrics,
	})

	log.Infof("running %d root step(s) with jobs=%d", len(roots), jobs)
	if err := sched.Run(ctx, roots); err != nil {
		return err
	}
	log.Infof("done")
	return nil
}

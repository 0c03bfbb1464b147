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
	"github.com/spf13/cobra"
)

// globalFlags holds the flags shared by every subcommand.
type globalFlags struct {
	ProjectRoot string
	ConfigPath  string
	EnvFile     string
	GraphFile   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "bob",
		Short:         "Content-addressed recipe build tool execution core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ProjectRoot, "project-root", ".", "project root directory")
	pf.StringVar(&flags.ConfigPath, "config", "bob.yaml", "path to the project config file, relative to --project-root")
	pf.StringVar(&flags.EnvFile, "env-file", "", "optional .env file merged into the config's env map")
	pf.StringVar(&flags.GraphFile, "graph", "graph.yaml", "path to the pre-elaborated step graph file, relative to --project-root")

	root.AddCommand(newBuildCmd(flags))
	root.AddCommand(newCheckoutCmd(flags))
	root.AddCommand(newPackageCmd(flags))
	root.AddCommand(newServeMetricsCmd(flags))

	return root
}

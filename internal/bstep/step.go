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

// Package bstep defines the step data model shared by every core component:
// the scheduler, the executor, the identity engine, and the workspace
// manager all operate on the same Step value. Checkout, build, and package
// steps are modeled as one tagged type rather than three, per the "dynamic
// step polymorphism" design note: a Kind discriminator plus kind-specific
// fields, not an interface hierarchy.
package bstep

import "fmt"

// Kind discriminates the three step flavors the core knows how to run.
type Kind int

const (
	Checkout Kind = iota
	Build
	Package
)

func (k Kind) String() string {
	switch k {
	case Checkout:
		return "checkout"
	case Build:
		return "build"
	case Package:
		return "package"
	default:
		return fmt.Sprintf("bstep.Kind(%d)", int(k))
	}
}

// Digest is a 20-byte content digest used for variant-ids, build-ids, and
// result hashes throughout the core.
type Digest [20]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", [20]byte(d))
}

// IsZero reports whether d has never been set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Deps splits a step's direct dependencies the way the recipe graph does:
// positional arguments, named tools, and an optional sandbox root.
type Deps struct {
	Arguments []*Step
	Tools     map[string]*Step
	Sandbox   *Step
}

// AllDepSteps returns every direct dependency in a fixed, deterministic
// order: arguments first (in declared order), then tools sorted by name,
// then the sandbox if present. The scheduler cooks dependencies in exactly
// this order.
func (d Deps) AllDepSteps() []*Step {
	out := make([]*Step, 0, len(d.Arguments)+len(d.Tools)+1)
	out = append(out, d.Arguments...)
	for _, name := range sortedKeys(d.Tools) {
		out = append(out, d.Tools[name])
	}
	if d.Sandbox != nil {
		out = append(out, d.Sandbox)
	}
	return out
}

func sortedKeys(m map[string]*Step) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort is fine; tool maps are small
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// SCM is the capability a checkout step's recipe-provided source-control
// plugin exposes. The core never interprets an SCM URL itself; it only
// calls through this interface. See internal/scm for a concrete git-backed
// implementation.
type SCM interface {
	// Status reports the on-disk state of the SCM's subdirectory within a
	// workspace: "clean", "dirty", "empty", or "error".
	Status(workspacePath string) (string, error)
	// GetDirectories returns every relpath this SCM owns within the
	// workspace, mapped to a content digest of that relpath.
	GetDirectories() (map[string]Digest, error)
	// GetAuditSpec returns the collaborator-owned audit fields this SCM
	// contributes (URL, revision, ...). Opaque to the core.
	GetAuditSpec() (map[string]string, error)
	// GetActiveOverrides reports any developer-local overrides in effect
	// (e.g. `bob status` uses this; the core only threads it through).
	GetActiveOverrides() ([]string, error)

	// The remaining three methods are optional; an SCM that cannot predict
	// a live-build-id should return ok=false from HasLiveBuildID.
	HasLiveBuildID() bool
	CalcLiveBuildID(workspacePath string) (string, error)
	PredictLiveBuildID() (string, error)
}

// Step is the unit of execution: the elaborated, concrete per-variant
// definition of a single checkout/build/package action.
type Step struct {
	Kind Kind

	// VariantID is the content digest of the recipe-derived definition of
	// this step (inputs, script, tools, sandbox, flags). Pure function of
	// the recipe graph; the core treats it as an opaque input.
	VariantID Digest

	// WorkspacePath is project-root-relative; it owns this step's outputs
	// and all sibling metadata files (script, log.txt, deps/, ...).
	WorkspacePath string

	// ExecPath is the path visible to the running script: equal to
	// WorkspacePath outside a sandbox, or a fixed /bob/<hex variant-id>
	// inside one.
	ExecPath string

	Deps Deps

	// Env is exported into the script's environment, overlaid last over
	// either the caller's environment or a filtered whitelist.
	Env map[string]string

	// Script is the shell body executed by the harness.
	Script string

	// IsDeterministic is false for some SCMs (e.g. branch checkouts):
	// rerunning with identical inputs is not guaranteed to reproduce the
	// same result, so the step must always rerun rather than be skipped
	// on unchanged inputs.
	IsDeterministic bool

	// IsRelocatable gates artifact download for package steps without a
	// sandbox: a non-relocatable artifact can only be used where it was
	// built.
	IsRelocatable bool

	// SCMList is non-nil only for Checkout steps.
	SCMList []SCM

	// PrettyName is a human-readable recipe name, used by the Develop-Dir
	// Oracle and the release-mode by-name-directory map. Not part of
	// identity.
	PrettyName string
}

// HasSandbox reports whether this step runs inside a sandboxed dependency.
func (s *Step) HasSandbox() bool {
	return s.Deps.Sandbox != nil
}

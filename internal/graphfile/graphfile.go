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

// Package graphfile loads a pre-elaborated step graph from a YAML file.
// Recipe parsing and package-graph generation are collaborator-owned
// concerns the core never performs; this package is the minimal stand-in
// a driver needs to hand the core a concrete []*bstep.Step without a real
// recipe compiler attached. It computes each node's variant-id itself,
// the same way a recipe compiler would: a content digest of the node's
// own script, env, and dependency variant-ids, deterministic from the
// graph alone.
package graphfile

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bobbuildtool/bob/internal/bstep"
	"github.com/bobbuildtool/bob/internal/scm"
)

// scmSpec is the YAML shape of a checkout node's SCM declaration. Only
// "git" is implemented; other scm types are rejected at load time.
type scmSpec struct {
	Type   string `yaml:"type"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
	Tag    string `yaml:"tag,omitempty"`
	Commit string `yaml:"commit,omitempty"`
	SubDir string `yaml:"subdir,omitempty"`
}

type depsSpec struct {
	Arguments []string          `yaml:"arguments,omitempty"`
	Tools     map[string]string `yaml:"tools,omitempty"`
	Sandbox   string            `yaml:"sandbox,omitempty"`
}

type nodeSpec struct {
	Name            string            `yaml:"name"`
	Kind            string            `yaml:"kind"`
	Script          string            `yaml:"script,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	Deps            depsSpec          `yaml:"deps,omitempty"`
	IsDeterministic *bool             `yaml:"isDeterministic,omitempty"`
	IsRelocatable   bool              `yaml:"isRelocatable,omitempty"`
	SCM             *scmSpec          `yaml:"scm,omitempty"`
}

type graphSpec struct {
	Nodes []nodeSpec `yaml:"nodes"`
	Roots []string   `yaml:"roots,omitempty"`
}

func parseKind(s string) (bstep.Kind, error) {
	switch s {
	case "checkout":
		return bstep.Checkout, nil
	case "build":
		return bstep.Build, nil
	case "package":
		return bstep.Package, nil
	default:
		return 0, fmt.Errorf("graphfile: unknown step kind %q", s)
	}
}

// Load reads path and returns the graph's root steps, fully wired with
// Deps pointers and computed VariantIDs.
func Load(path string) ([]*bstep.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphfile: reading %s: %w", path, err)
	}

	var spec graphSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("graphfile: parsing %s: %w", path, err)
	}

	byName := make(map[string]nodeSpec, len(spec.Nodes))
	for _, n := range spec.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("graphfile: node missing name")
		}
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("graphfile: duplicate node name %q", n.Name)
		}
		byName[n.Name] = n
	}

	b := &builder{specs: byName, built: make(map[string]*bstep.Step), building: make(map[string]bool)}

	var roots []string
	if len(spec.Roots) > 0 {
		roots = spec.Roots
	} else {
		roots = packageNodeNames(spec.Nodes)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("graphfile: no root steps (declare `roots:` or at least one package-kind node)")
	}

	out := make([]*bstep.Step, 0, len(roots))
	for _, name := range roots {
		s, err := b.build(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func packageNodeNames(nodes []nodeSpec) []string {
	var names []string
	for _, n := range nodes {
		if n.Kind == "package" {
			names = append(names, n.Name)
		}
	}
	return names
}

type builder struct {
	specs    map[string]nodeSpec
	built    map[string]*bstep.Step
	building map[string]bool
}

func (b *builder) build(name string) (*bstep.Step, error) {
	if s, ok := b.built[name]; ok {
		return s, nil
	}
	if b.building[name] {
		return nil, fmt.Errorf("graphfile: dependency cycle at node %q", name)
	}
	spec, ok := b.specs[name]
	if !ok {
		return nil, fmt.Errorf("graphfile: unknown node %q referenced as a dependency", name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	kind, err := parseKind(spec.Kind)
	if err != nil {
		return nil, err
	}

	args := make([]*bstep.Step, 0, len(spec.Deps.Arguments))
	for _, argName := range spec.Deps.Arguments {
		dep, err := b.build(argName)
		if err != nil {
			return nil, err
		}
		args = append(args, dep)
	}

	tools := make(map[string]*bstep.Step, len(spec.Deps.Tools))
	for toolName, depName := range spec.Deps.Tools {
		dep, err := b.build(depName)
		if err != nil {
			return nil, err
		}
		tools[toolName] = dep
	}

	var sandbox *bstep.Step
	if spec.Deps.Sandbox != "" {
		sandbox, err = b.build(spec.Deps.Sandbox)
		if err != nil {
			return nil, err
		}
	}

	var scmList []bstep.SCM
	if spec.SCM != nil {
		plugin, err := buildSCM(spec.SCM)
		if err != nil {
			return nil, fmt.Errorf("graphfile: node %q: %w", name, err)
		}
		scmList = []bstep.SCM{plugin}
	}

	isDeterministic := true
	if spec.IsDeterministic != nil {
		isDeterministic = *spec.IsDeterministic
	} else if spec.SCM != nil {
		// A floating ref (no pinned commit) cannot reproduce identically
		// on rerun, matching bstep.Step.IsDeterministic's doc comment.
		isDeterministic = spec.SCM.Commit != ""
	}

	s := &bstep.Step{
		Kind:            kind,
		WorkspacePath:   path.Join(".bob", "workspace", name),
		ExecPath:        path.Join(".bob", "workspace", name),
		Deps:            bstep.Deps{Arguments: args, Tools: tools, Sandbox: sandbox},
		Env:             spec.Env,
		Script:          spec.Script,
		IsDeterministic: isDeterministic,
		IsRelocatable:   spec.IsRelocatable,
		SCMList:         scmList,
		PrettyName:      name,
	}
	s.VariantID = computeVariantID(s)

	b.built[name] = s
	return s, nil
}

func buildSCM(spec *scmSpec) (bstep.SCM, error) {
	switch spec.Type {
	case "git":
		return &scm.Git{
			URL:    spec.URL,
			Branch: spec.Branch,
			Tag:    spec.Tag,
			Commit: spec.Commit,
			SubDir: spec.SubDir,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported scm type %q", spec.Type)
	}
}

// computeVariantID hashes everything a variant-id needs to cover: the
// step's own script/env/flags plus its direct dependencies' already-
// computed variant-ids (tools and sandbox included), so any change
// anywhere upstream changes every downstream variant-id too.
func computeVariantID(s *bstep.Step) bstep.Digest {
	h := sha1.New()
	fmt.Fprintf(h, "kind\x00%s\x00", s.Kind)
	fmt.Fprintf(h, "script\x00%s\x00", s.Script)
	fmt.Fprintf(h, "relocatable\x00%v\x00deterministic\x00%v\x00", s.IsRelocatable, s.IsDeterministic)

	envKeys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(h, "env\x00%s\x00%s\x00", k, s.Env[k])
	}

	for _, dep := range s.Deps.Arguments {
		fmt.Fprintf(h, "arg\x00%s\x00", dep.VariantID)
	}
	toolNames := make([]string, 0, len(s.Deps.Tools))
	for name := range s.Deps.Tools {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)
	for _, name := range toolNames {
		fmt.Fprintf(h, "tool\x00%s\x00%s\x00", name, s.Deps.Tools[name].VariantID)
	}
	if s.Deps.Sandbox != nil {
		fmt.Fprintf(h, "sandbox\x00%s\x00", s.Deps.Sandbox.VariantID)
	}

	for _, plugin := range s.SCMList {
		auditSpec, err := plugin.GetAuditSpec()
		if err == nil {
			keys := make([]string, 0, len(auditSpec))
			for k := range auditSpec {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(h, "scm\x00%s\x00%s\x00", k, auditSpec[k])
			}
		}
	}

	var d bstep.Digest
	copy(d[:], h.Sum(nil))
	return d
}

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

// Package scm implements concrete bstep.SCM plugins. The core never
// interprets a checkout URL itself; it only calls through the bstep.SCM
// capability interface. Git is the one plugin this module ships, built on
// go-git the same way detectGitHead opens a repository with
// git.PlainOpenWithOptions and reads repo.Head().
package scm

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Git is the bstep.SCM implementation for a single git checkout within a
// step's workspace. The actual clone/fetch is carried out by the recipe
// script the harness runs (the core treats Script as opaque); Git supplies
// the status/identity/audit metadata the executor needs around that run.
type Git struct {
	URL    string
	Branch string
	Tag    string
	Commit string // pinned commit; if set, Branch/Tag are advisory only
	SubDir string // relpath within the workspace this SCM owns ("" = root)
}

var _ bstep.SCM = (*Git)(nil)

func (g *Git) relPath() string {
	if g.SubDir == "" {
		return "."
	}
	return g.SubDir
}

func (g *Git) worktreePath(workspacePath string) string {
	return filepath.Join(workspacePath, "workspace", g.SubDir)
}

// Status reports "empty" if the subdirectory hasn't been checked out yet,
// "clean"/"dirty" per the worktree's status, or "error" if the repository
// can't be opened.
func (g *Git) Status(workspacePath string) (string, error) {
	dir := g.worktreePath(workspacePath)
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return "empty", nil
		}
		return "error", nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "error", nil
	}
	st, err := wt.Status()
	if err != nil {
		return "error", nil
	}
	if st.IsClean() {
		return "clean", nil
	}
	return "dirty", nil
}

// GetDirectories returns the single relpath this SCM owns, mapped to a
// digest of its pin specification (URL + ref). This is a spec-identity
// digest, not a content hash: it changes exactly when the recipe's
// checkout spec changes, which is what drives re-checkout decisions before
// any clone has happened.
func (g *Git) GetDirectories() (map[string]bstep.Digest, error) {
	h := sha1.New()
	fmt.Fprintf(h, "git\x00%s\x00%s\x00%s\x00%s", g.URL, g.Branch, g.Tag, g.Commit)
	var d bstep.Digest
	copy(d[:], h.Sum(nil))
	return map[string]bstep.Digest{g.relPath(): d}, nil
}

// GetAuditSpec exposes the audit fields an audit writer records for a git
// checkout: URL and whichever ref pinned it.
func (g *Git) GetAuditSpec() (map[string]string, error) {
	spec := map[string]string{"scm": "git", "url": g.URL}
	switch {
	case g.Commit != "":
		spec["commit"] = g.Commit
	case g.Tag != "":
		spec["tag"] = g.Tag
	case g.Branch != "":
		spec["branch"] = g.Branch
	}
	if g.SubDir != "" {
		spec["subdir"] = g.SubDir
	}
	return spec, nil
}

// GetActiveOverrides reports developer-local overrides in effect. Git
// checkouts never rewrite themselves behind the recipe's back, so there is
// never an override to report.
func (g *Git) GetActiveOverrides() ([]string, error) {
	return nil, nil
}

// HasLiveBuildID reports whether this checkout is floating (tracks a
// branch or tag rather than a pinned commit) and can therefore predict its
// eventual result cheaply via a remote ref query.
func (g *Git) HasLiveBuildID() bool {
	return g.Commit == "" && (g.Branch != "" || g.Tag != "")
}

// CalcLiveBuildID reads back the commit actually checked out, once the
// workspace exists — used to record the (live-id, real-id) mapping
// uploaded after a fresh checkout.
func (g *Git) CalcLiveBuildID(workspacePath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(g.worktreePath(workspacePath), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("scm/git: opening %s: %w", workspacePath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("scm/git: resolving HEAD: %w", err)
	}
	return g.liveIDFor(head.Hash().String()), nil
}

// PredictLiveBuildID queries the remote for the current tip of the tracked
// branch/tag without touching the local workspace, before any checkout
// has run.
func (g *Git) PredictLiveBuildID() (string, error) {
	if !g.HasLiveBuildID() {
		return "", fmt.Errorf("scm/git: %s is pinned to a commit, no live-id to predict", g.URL)
	}
	remote := git.NewRemote(nil, &config.RemoteConfig{Name: "origin", URLs: []string{g.URL}})
	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("scm/git: listing remote refs for %s: %w", g.URL, err)
	}
	want := g.refName()
	for _, ref := range refs {
		if ref.Name() == want {
			return g.liveIDFor(ref.Hash().String()), nil
		}
	}
	return "", fmt.Errorf("scm/git: ref %s not found on remote %s", want, g.URL)
}

func (g *Git) refName() plumbing.ReferenceName {
	if g.Tag != "" {
		return plumbing.NewTagReferenceName(g.Tag)
	}
	return plumbing.NewBranchReferenceName(g.Branch)
}

// liveIDFor namespaces the resolved commit hash by URL+subdir so that two
// distinct checkouts that happen to resolve to the same commit never share
// a live-id.
func (g *Git) liveIDFor(commit string) string {
	h := sha1.New()
	fmt.Fprintf(h, "git\x00%s\x00%s\x00%s", g.URL, g.SubDir, commit)
	return fmt.Sprintf("%x", h.Sum(nil))
}

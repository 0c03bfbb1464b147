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

// Package state implements a single-process, single-writer embedded
// key-value store of per-workspace build metadata plus a handful of
// global maps, following the same Store-interface-with-in-memory-and-
// persistent-backed-implementations shape a build-record store would
// use, with the schema replaced end to end: this store persists
// per-workspace variant-id / input-hash / result-hash records keyed by
// workspace path, rather than multi-package build records keyed by a
// build ID.
package state

import (
	"errors"
	"time"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// ErrNotFound is returned by getters when no record exists for the key.
var ErrNotFound = errors.New("state: not found")

// DirectoryState is the per-workspace "directory state": checkout
// steps populate SCMDigests (+Sentinel); build/package steps populate
// BuildDigest instead. A workspace record only ever uses one shape at a
// time — whichever matches the step kind that owns it.
type DirectoryState struct {
	SCMDigests  map[string]bstep.Digest
	Sentinel    bstep.Digest
	BuildDigest []string
}

// Equal reports whether two directory states are identical. Map iteration
// order does not matter; the entries themselves must match exactly.
func (d DirectoryState) Equal(o DirectoryState) bool {
	if d.Sentinel != o.Sentinel {
		return false
	}
	if len(d.SCMDigests) != len(o.SCMDigests) {
		return false
	}
	for k, v := range d.SCMDigests {
		if ov, ok := o.SCMDigests[k]; !ok || ov != v {
			return false
		}
	}
	if len(d.BuildDigest) != len(o.BuildDigest) {
		return false
	}
	for i, v := range d.BuildDigest {
		if o.BuildDigest[i] != v {
			return false
		}
	}
	return true
}

// ResultState is the transiently-sentineled result hash: while a step is
// running, Pending is true and Hash is meaningless; it is only
// trustworthy once Pending is false.
type ResultState struct {
	Hash      bstep.Digest
	Pending   bool
	PendingAt time.Time
}

// InputHashes is the ordered list of dependency result hashes (or, for
// package steps, a build-id-prefixed or bare-build-id variant). The store
// persists the raw slice and the Downloaded flag; interpreting the legacy
// vs. current encodings is internal/executor's job.
type InputHashes struct {
	Hashes     []bstep.Digest
	Downloaded bool
}

// Store is the persistent state store interface consumed by the rest of the
// core. Every mutator commits durably before returning.
type Store interface {
	GetVariantID(path string) (bstep.Digest, error)
	SetVariantID(path string, id bstep.Digest) error
	DelVariantID(path string) error

	GetDirectoryState(path string) (DirectoryState, error)
	SetDirectoryState(path string, ds DirectoryState) error
	DelDirectoryState(path string) error

	GetInputHashes(path string) (InputHashes, error)
	SetInputHashes(path string, ih InputHashes) error
	DelInputHashes(path string) error

	GetResultState(path string) (ResultState, error)
	SetResultState(path string, rs ResultState) error
	DelResultState(path string) error

	// ResetWorkspaceState atomically clears result and input hashes and
	// stores the new directory-state/variant-id. This is the operation
	// invoked just before a step is (re)run.
	ResetWorkspaceState(path string, ds DirectoryState, variantID bstep.Digest) error

	GetBuildID(key string) (bstep.Digest, bool, error)
	SetBuildID(key string, id bstep.Digest) error
	DelBuildID(key string) error

	GetBuildState() ([]byte, error)
	SetBuildState(blob []byte) error

	// GetAllNameDirectories returns the full release-mode by-name-directory
	// map, for the (out-of-scope) clean subcommand.
	GetAllNameDirectories() (map[string]string, error)

	// GetByNameDirectory assigns (or returns the existing) directory for a
	// (prettyName, variantIDHex) pair, using an atomic counter to avoid
	// collisions between distinct recipes that share a pretty name.
	GetByNameDirectory(prettyName, variantIDHex string, isCheckout bool) (string, error)

	Close() error
}

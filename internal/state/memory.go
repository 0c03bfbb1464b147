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

package state

import (
	"sync"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// MemoryStore is an in-memory Store, used by the identity engine's unit
// tests without touching disk: a single RWMutex guarding a
// handful of maps, no eviction policy (a test run's state is thrown away
// with the process).
type MemoryStore struct {
	mu sync.RWMutex

	variantIDs      map[string]bstep.Digest
	directoryStates map[string]DirectoryState
	inputHashes     map[string]InputHashes
	resultStates    map[string]ResultState
	buildIDs        map[string]bstep.Digest
	buildState      []byte
	nameDirs        map[string]string
	nameCounters    map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		variantIDs:      make(map[string]bstep.Digest),
		directoryStates: make(map[string]DirectoryState),
		inputHashes:     make(map[string]InputHashes),
		resultStates:    make(map[string]ResultState),
		buildIDs:        make(map[string]bstep.Digest),
		nameDirs:        make(map[string]string),
		nameCounters:    make(map[string]int),
	}
}

func (s *MemoryStore) GetVariantID(path string) (bstep.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variantIDs[path]
	if !ok {
		return bstep.Digest{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetVariantID(path string, id bstep.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variantIDs[path] = id
	return nil
}

func (s *MemoryStore) DelVariantID(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.variantIDs, path)
	return nil
}

func (s *MemoryStore) GetDirectoryState(path string) (DirectoryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.directoryStates[path]
	if !ok {
		return DirectoryState{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetDirectoryState(path string, ds DirectoryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directoryStates[path] = ds
	return nil
}

func (s *MemoryStore) DelDirectoryState(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.directoryStates, path)
	return nil
}

func (s *MemoryStore) GetInputHashes(path string) (InputHashes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.inputHashes[path]
	if !ok {
		return InputHashes{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetInputHashes(path string, ih InputHashes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputHashes[path] = ih
	return nil
}

func (s *MemoryStore) DelInputHashes(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inputHashes, path)
	return nil
}

func (s *MemoryStore) GetResultState(path string) (ResultState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.resultStates[path]
	if !ok {
		return ResultState{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetResultState(path string, rs ResultState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultStates[path] = rs
	return nil
}

func (s *MemoryStore) DelResultState(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resultStates, path)
	return nil
}

func (s *MemoryStore) ResetWorkspaceState(path string, ds DirectoryState, variantID bstep.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inputHashes, path)
	s.resultStates[path] = ResultState{Pending: true}
	s.directoryStates[path] = ds
	s.variantIDs[path] = variantID
	return nil
}

func (s *MemoryStore) GetBuildID(key string) (bstep.Digest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.buildIDs[key]
	return v, ok, nil
}

func (s *MemoryStore) SetBuildID(key string, id bstep.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildIDs[key] = id
	return nil
}

func (s *MemoryStore) DelBuildID(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buildIDs, key)
	return nil
}

func (s *MemoryStore) GetBuildState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.buildState...), nil
}

func (s *MemoryStore) SetBuildState(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildState = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) GetAllNameDirectories() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.nameDirs))
	for k, v := range s.nameDirs {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) GetByNameDirectory(prettyName, variantIDHex string, isCheckout bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prettyName + "\x00" + variantIDHex
	if dir, ok := s.nameDirs[key]; ok {
		return dir, nil
	}

	n := s.nameCounters[prettyName]
	s.nameCounters[prettyName] = n + 1

	suffix := ""
	if n > 0 || isCheckout {
		// Append a numeric suffix whenever the bare name was already taken,
		// or unconditionally for checkout dirs, which live under a
		// different top-level root than build/package dirs and so never
		// collide with suffix 0.
		suffix = suffixFor(n)
	}
	dir := prettyName + suffix
	s.nameDirs[key] = dir
	return dir, nil
}

func suffixFor(n int) string {
	if n == 0 {
		return "-0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return "-" + string(digits)
}

func (s *MemoryStore) Close() error { return nil }

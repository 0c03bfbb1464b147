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

package archive

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Local stores package blobs on the local filesystem, adapted from the
// teacher's LocalStorage (pkg/service/storage/local.go): a base directory
// holding one file per artifact, created on demand. The live-id cache is a
// gob-encoded sibling file, the same atomic load/save shape the workspace
// manager uses for its per-file hash cache (internal/workspace/hash.go).
type Local struct {
	base
	baseDir string
}

// NewLocal creates (if necessary) baseDir and returns a Local archive. A
// live-id cache is always enabled for Local, since same-machine live-id
// lookups are the cheapest case to support.
func NewLocal(baseDir string, depths DepthLimits) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive/local: creating %s: %w", baseDir, err)
	}
	cache, err := newLocalLiveIDCache(filepath.Join(baseDir, "live-ids.bin"))
	if err != nil {
		return nil, err
	}
	return &Local{
		base:    base{depths: depths, liveID: cache},
		baseDir: baseDir,
	}, nil
}

func (l *Local) objectPath(buildID bstep.Digest) string {
	return filepath.Join(l.baseDir, objectName(buildID))
}

// DownloadPackage reports false, not an error, when the blob simply
// doesn't exist yet — the executor treats that as "not available" rather
// than a hard failure unless the download was required at this depth.
func (l *Local) DownloadPackage(buildID bstep.Digest, destWorkspace string) (bool, error) {
	f, err := os.Open(l.objectPath(buildID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive/local: opening %s: %w", buildID, err)
	}
	defer f.Close()

	if err := unpackDir(f, destWorkspace); err != nil {
		return false, fmt.Errorf("archive/local: unpacking %s: %w", buildID, err)
	}
	return true, nil
}

// UploadPackage writes to a temp file and renames into place, so a reader
// racing a concurrent upload of the same build-id never observes a
// partially-written blob.
func (l *Local) UploadPackage(buildID bstep.Digest, srcWorkspace string) error {
	final := l.objectPath(buildID)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive/local: creating %s: %w", tmp, err)
	}
	if err := packDir(f, srcWorkspace); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive/local: packing %s: %w", buildID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// localLiveIDCache is a gob-encoded map[string]bstep.Digest persisted to a
// sibling file, guarded by a mutex since multiple goroutines may record a
// fresh checkout's live-id concurrently.
type localLiveIDCache struct {
	path string

	mu      sync.Mutex
	entries map[string]bstep.Digest
}

func newLocalLiveIDCache(path string) (*localLiveIDCache, error) {
	c := &localLiveIDCache{path: path, entries: make(map[string]bstep.Digest)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("archive/local: opening live-id cache %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&c.entries); err != nil {
		// A corrupt cache isn't fatal: start fresh rather than failing the run.
		c.entries = make(map[string]bstep.Digest)
	}
	return c, nil
}

func (c *localLiveIDCache) Lookup(liveID string) (bstep.Digest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[liveID]
	return d, ok, nil
}

func (c *localLiveIDCache) Store(liveID string, real bstep.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[liveID] = real

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(c.entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

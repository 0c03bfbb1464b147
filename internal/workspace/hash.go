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

package workspace

import (
	"context"
	"crypto/sha1"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// cacheEntry memoizes a file's digest by (mtime, size).
type cacheEntry struct {
	ModUnixNano int64
	Size        int64
	Digest      bstep.Digest
}

// hashCache is the gob-encoded contents of a workspace's sibling cache.bin
// file, keyed by path relative to the workspace root.
type hashCache map[string]cacheEntry

func loadCache(path string) hashCache {
	f, err := os.Open(path)
	if err != nil {
		return make(hashCache)
	}
	defer f.Close()

	var c hashCache
	if err := gob.NewDecoder(f).Decode(&c); err != nil {
		return make(hashCache)
	}
	return c
}

func saveCache(path string, c hashCache) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// HashWorkspace computes a 20-byte digest over the step's workspace
// directory contents. File digests are memoized in a sibling cache.bin
// file by (path, mtime, size); only files whose stat metadata changed are
// actually re-read. Per-file hashing is farmed out to a bounded worker
// pool so that large source trees hash in parallel while the scheduler's
// single dispatcher goroutine keeps running.
func (m *Manager) HashWorkspace(ctx context.Context, s *bstep.Step) (bstep.Digest, error) {
	root := filepath.Join(m.abs(s.WorkspacePath), "workspace")
	cachePath := filepath.Join(m.abs(s.WorkspacePath), "cache.bin")

	cache := loadCache(cachePath)
	newCache := make(hashCache, len(cache))
	var mu sync.Mutex

	type fileEntry struct {
		relPath string
		absPath string
		info    os.FileInfo
	}
	var files []fileEntry

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, fileEntry{relPath: rel, absPath: p, info: info})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return bstep.Digest{}, nil
		}
		return bstep.Digest{}, fmt.Errorf("walking workspace %s: %w", root, err)
	}

	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	g, gctx := errgroup.WithContext(ctx)

	digests := make(map[string]bstep.Digest, len(files))
	for _, f := range files {
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			mtime := f.info.ModTime().UnixNano()
			size := f.info.Size()

			mu.Lock()
			prior, ok := cache[f.relPath]
			mu.Unlock()

			var d bstep.Digest
			if ok && prior.ModUnixNano == mtime && prior.Size == size {
				d = prior.Digest
			} else {
				var hashErr error
				d, hashErr = hashFile(f.absPath)
				if hashErr != nil {
					return fmt.Errorf("hashing %s: %w", f.absPath, hashErr)
				}
			}

			mu.Lock()
			newCache[f.relPath] = cacheEntry{ModUnixNano: mtime, Size: size, Digest: d}
			digests[f.relPath] = d
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return bstep.Digest{}, err
	}

	// cache.bin itself must never be part of the hash, nor should the
	// previous cache write race the directory walk above.
	delete(digests, "cache.bin")
	delete(newCache, "cache.bin")

	if err := saveCache(cachePath, newCache); err != nil {
		return bstep.Digest{}, fmt.Errorf("writing hash cache: %w", err)
	}

	return combineDigests(digests), nil
}

func hashFile(path string) (bstep.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return bstep.Digest{}, err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return bstep.Digest{}, err
	}
	var out bstep.Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

// combineDigests folds per-file digests into one workspace digest, in
// sorted-path order so the result is independent of traversal order.
func combineDigests(byPath map[string]bstep.Digest) bstep.Digest {
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha1.New()
	for _, p := range paths {
		d := byPath[p]
		fmt.Fprintf(h, "%s\x00%x\n", p, d[:])
	}
	var out bstep.Digest
	copy(out[:], h.Sum(nil))
	return out
}

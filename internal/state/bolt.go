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
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// BoltStore is the on-disk Store backing `.bob-state.bolt` in the project
// root: a single-process, single-writer, crash-durable embedded KV store
// where every transaction either fully commits or is rolled back — there
// is no partial-write state for the crash-recovery invariants to worry
// about.
type BoltStore struct {
	db *bbolt.DB
}

var (
	bucketVariantIDs      = []byte("variant_ids")
	bucketDirectoryStates = []byte("directory_states")
	bucketInputHashes     = []byte("input_hashes")
	bucketResultStates    = []byte("result_states")
	bucketBuildIDs        = []byte("build_ids")
	bucketBuildState      = []byte("build_state")
	bucketNameDirs        = []byte("name_directories")
	bucketNameCounters    = []byte("name_counters")

	buildStateKey = []byte("blob")
)

// OpenBolt opens (creating if necessary) the state store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketVariantIDs, bucketDirectoryStates, bucketInputHashes,
			bucketResultStates, bucketBuildIDs, bucketBuildState,
			bucketNameDirs, bucketNameCounters,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state store buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) GetVariantID(path string) (bstep.Digest, error) {
	var out bstep.Digest
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketVariantIDs).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		return decodeDigest(v, &out)
	})
	return out, err
}

func (s *BoltStore) SetVariantID(path string, id bstep.Digest) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVariantIDs).Put([]byte(path), id[:])
	})
}

func (s *BoltStore) DelVariantID(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVariantIDs).Delete([]byte(path))
	})
}

func (s *BoltStore) GetDirectoryState(path string) (DirectoryState, error) {
	var out DirectoryState
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDirectoryStates).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &out)
	})
	return out, err
}

func (s *BoltStore) SetDirectoryState(path string, ds DirectoryState) error {
	buf, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encoding directory state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDirectoryStates).Put([]byte(path), buf)
	})
}

func (s *BoltStore) DelDirectoryState(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDirectoryStates).Delete([]byte(path))
	})
}

func (s *BoltStore) GetInputHashes(path string) (InputHashes, error) {
	var out InputHashes
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketInputHashes).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &out)
	})
	return out, err
}

func (s *BoltStore) SetInputHashes(path string, ih InputHashes) error {
	buf, err := json.Marshal(ih)
	if err != nil {
		return fmt.Errorf("encoding input hashes: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInputHashes).Put([]byte(path), buf)
	})
}

func (s *BoltStore) DelInputHashes(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInputHashes).Delete([]byte(path))
	})
}

func (s *BoltStore) GetResultState(path string) (ResultState, error) {
	var out ResultState
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketResultStates).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &out)
	})
	return out, err
}

func (s *BoltStore) SetResultState(path string, rs ResultState) error {
	buf, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encoding result state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResultStates).Put([]byte(path), buf)
	})
}

func (s *BoltStore) DelResultState(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResultStates).Delete([]byte(path))
	})
}

// ResetWorkspaceState is a crash-safety-critical write: input hashes are
// cleared, the result is marked pending, and the new directory
// state/variant-id are stored, all inside one bbolt transaction so a crash
// mid-write cannot leave input hashes cleared but the result state
// unmarked (or vice versa).
func (s *BoltStore) ResetWorkspaceState(path string, ds DirectoryState, variantID bstep.Digest) error {
	dsBuf, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encoding directory state: %w", err)
	}
	rsBuf, err := json.Marshal(ResultState{Pending: true})
	if err != nil {
		return fmt.Errorf("encoding result state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketInputHashes).Delete([]byte(path)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketResultStates).Put([]byte(path), rsBuf); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDirectoryStates).Put([]byte(path), dsBuf); err != nil {
			return err
		}
		return tx.Bucket(bucketVariantIDs).Put([]byte(path), variantID[:])
	})
}

func (s *BoltStore) GetBuildID(key string) (bstep.Digest, bool, error) {
	var out bstep.Digest
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBuildIDs).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return decodeDigest(v, &out)
	})
	return out, found, err
}

func (s *BoltStore) SetBuildID(key string, id bstep.Digest) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuildIDs).Put([]byte(key), id[:])
	})
}

func (s *BoltStore) DelBuildID(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuildIDs).Delete([]byte(key))
	})
}

func (s *BoltStore) GetBuildState() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBuildState).Get(buildStateKey)
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) SetBuildState(blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuildState).Put(buildStateKey, blob)
	})
}

func (s *BoltStore) GetAllNameDirectories() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNameDirs).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// GetByNameDirectory assigns a release-mode directory, using a per-name
// counter in bucketNameCounters, read and advanced inside the same
// transaction, as the atomic counter suffix allocator.
func (s *BoltStore) GetByNameDirectory(prettyName, variantIDHex string, isCheckout bool) (string, error) {
	var dir string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		nameDirs := tx.Bucket(bucketNameDirs)
		key := []byte(prettyName + "\x00" + variantIDHex)
		if v := nameDirs.Get(key); v != nil {
			dir = string(v)
			return nil
		}

		counters := tx.Bucket(bucketNameCounters)
		counterKey := []byte(prettyName)
		var n uint64
		if v := counters.Get(counterKey); v != nil {
			n = decodeUint64(v)
		}

		suffix := ""
		if n > 0 || isCheckout {
			suffix = fmt.Sprintf("-%d", n)
		}
		dir = prettyName + suffix

		if err := counters.Put(counterKey, encodeUint64(n+1)); err != nil {
			return err
		}
		return nameDirs.Put(key, []byte(dir))
	})
	return dir, err
}

func decodeDigest(v []byte, out *bstep.Digest) error {
	if len(v) != len(*out) {
		return fmt.Errorf("state: corrupt digest (want %d bytes, got %d)", len(*out), len(v))
	}
	copy(out[:], v)
	return nil
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * (7 - i)))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var n uint64
	for i := 0; i < 8 && i < len(b); i++ {
		n = n<<8 | uint64(b[i])
	}
	return n
}

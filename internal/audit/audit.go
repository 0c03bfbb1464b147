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

// Package audit implements the per-step audit writer collaborator: a
// gzip-compressed JSON record written as audit.json.gz beside a step's
// workspace, the record format being opaque to the core and owned
// entirely by this collaborator. Gzipping uses klauspost/compress's
// drop-in gzip implementation instead of the standard library's
// compress/gzip (the archive package's tarballs use xz instead),
// consistent with the rest of this module leaning on
// a third-party compression stack rather than stdlib.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Record is the JSON shape written to audit.json.gz. Extra carries
// collaborator-specific fields the core doesn't interpret (e.g. an SCM's
// GetAuditSpec output, or upload metadata); Core fields are always
// present so any audit consumer can rely on them regardless of step kind.
type Record struct {
	Recipe     string            `json:"recipe"`
	Kind       string            `json:"kind"`
	VariantID  string            `json:"variant_id"`
	ResultHash string            `json:"result_hash"`
	Timestamp  time.Time         `json:"timestamp"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Writer implements executor.AuditWriter by writing one gzip-compressed
// JSON record per step, replacing any prior audit for that workspace.
type Writer struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns a Writer ready for use.
func New() *Writer {
	return &Writer{Now: time.Now}
}

// WriteStepAudit writes <workspacePath>/audit.json.gz, merging scm-owned
// audit fields (from s.SCMList, for checkout steps) into extra.
func (w *Writer) WriteStepAudit(s *bstep.Step, resultHash bstep.Digest, extra map[string]string) error {
	merged := make(map[string]string, len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for _, scm := range s.SCMList {
		spec, err := scm.GetAuditSpec()
		if err != nil {
			continue
		}
		for k, v := range spec {
			merged[k] = v
		}
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	rec := Record{
		Recipe:     s.PrettyName,
		Kind:       s.Kind.String(),
		VariantID:  s.VariantID.String(),
		ResultHash: resultHash.String(),
		Timestamp:  now(),
		Extra:      merged,
	}

	path := filepath.Join(s.WorkspacePath, "audit.json.gz")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("audit: creating %s: %w", tmp, err)
	}

	gw := gzip.NewWriter(f)
	enc := json.NewEncoder(gw)
	if err := enc.Encode(rec); err != nil {
		gw.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("audit: encoding record: %w", err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("audit: closing gzip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("audit: closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// ReadStepAudit reads back a previously written audit record, used by
// `bob status`-style introspection and by tests.
func ReadStepAudit(workspacePath string) (Record, error) {
	path := filepath.Join(workspacePath, "audit.json.gz")
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return Record{}, fmt.Errorf("audit: creating gzip reader: %w", err)
	}
	defer gr.Close()

	var rec Record
	if err := json.NewDecoder(gr).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("audit: decoding record: %w", err)
	}
	return rec, nil
}

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

// Package developdir implements stable per-recipe workspace directory
// assignment for develop mode, backed by a two-table embedded sqlite
// database: WAL mode, a single-writer connection pool, a busy_timeout,
// and auto-migration on open, via modernc.org/sqlite so the oracle never
// needs cgo.
package developdir

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Formatter computes the base directory a step's recipe would live under,
// before the oracle's per-variant suffix is appended.
type Formatter func(s *bstep.Step) string

// Key returns the oracle's lookup key for s: recipe_name||variant_id.
func Key(s *bstep.Step) string {
	return s.PrettyName + "||" + s.VariantID.String()
}

// Oracle assigns and remembers workspace directory suffixes so that
// repeated cooks of the same recipe variant reuse the same develop-mode
// directory, while distinct recipes never collide even if their variant
// ids happen to coincide.
type Oracle struct {
	db       *sql.DB
	external Formatter

	mu   sync.Mutex
	dirs map[string]string // key -> assigned dir, memoized after Refresh/external lookups
}

// Open opens (creating if necessary) the sqlite-backed oracle at path.
func Open(path string) (*Oracle, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("developdir: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("developdir: %s: %w", pragma, err)
		}
	}

	o := &Oracle{db: db, dirs: make(map[string]string)}
	if err := o.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// NewExternal wraps an externally supplied formatter. It never touches a
// database; it just memoizes fmt's results in memory for the life of the
// process.
func NewExternal(fn Formatter) *Oracle {
	return &Oracle{external: fn, dirs: make(map[string]string)}
}

func (o *Oracle) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS dirs (key TEXT PRIMARY KEY, dir TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := o.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("developdir: creating schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle. A no-op for
// externally-backed oracles.
func (o *Oracle) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

func (o *Oracle) getVsn(ctx context.Context) (string, error) {
	var v string
	err := o.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'vsn'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("developdir: reading vsn: %w", err)
	}
	return v, nil
}

func (o *Oracle) loadDirs(ctx context.Context) (map[string]string, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT key, dir FROM dirs`)
	if err != nil {
		return nil, fmt.Errorf("developdir: loading dirs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var key, dir string
		if err := rows.Scan(&key, &dir); err != nil {
			return nil, fmt.Errorf("developdir: scanning dirs row: %w", err)
		}
		out[key] = dir
	}
	return out, rows.Err()
}

// queuedEntry is a key awaiting a fresh directory assignment under
// baseDir, in the order Pass A first encountered it.
type queuedEntry struct {
	key     string
	baseDir string
}

// Refresh runs the two-pass refresh protocol: if cacheKey matches the stored
// vsn, the existing assignments are reused outright. Otherwise it
// traverses the step graph reachable from roots (Pass A), decides which
// existing directories survive the recipe-set change, and reassigns the
// rest (Pass B), then records the new vsn. It must run once per
// invocation, before any step is cooked in develop mode.
func (o *Oracle) Refresh(ctx context.Context, cacheKey string, roots []*bstep.Step, base Formatter) error {
	if o.external != nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	storedVsn, err := o.getVsn(ctx)
	if err != nil {
		return err
	}
	existing, err := o.loadDirs(ctx)
	if err != nil {
		return err
	}

	if storedVsn == cacheKey {
		o.dirs = existing
		return nil
	}

	// Pass A: walk the graph, deciding keep-vs-queue per newly seen key.
	visited := make(map[string]bool)
	kept := make(map[string]string)
	var queue []queuedEntry
	var order []string // stable key-visitation order, for deterministic suffix assignment

	var walk func(s *bstep.Step)
	walk = func(s *bstep.Step) {
		key := Key(s)
		if visited[key] {
			return
		}
		visited[key] = true
		order = append(order, key)

		baseDir := base(s)
		if oldDir, ok := existing[key]; ok && strings.HasPrefix(oldDir, baseDir) {
			kept[key] = oldDir
		} else {
			queue = append(queue, queuedEntry{key: key, baseDir: baseDir})
		}

		for _, dep := range s.Deps.AllDepSteps() {
			walk(dep)
		}
	}
	sortedRoots := append([]*bstep.Step{}, roots...)
	sort.Slice(sortedRoots, func(i, j int) bool { return sortedRoots[i].WorkspacePath < sortedRoots[j].WorkspacePath })
	for _, root := range sortedRoots {
		walk(root)
	}

	// Pass B: reserved suffixes per baseDir come from the kept set; queued
	// entries are assigned the lowest unreserved "<baseDir>/<N>" in
	// visitation order.
	reserved := make(map[string]map[int]bool)
	for _, dir := range kept {
		base, n, ok := splitSuffix(dir)
		if !ok {
			continue
		}
		if reserved[base] == nil {
			reserved[base] = make(map[int]bool)
		}
		reserved[base][n] = true
	}

	assigned := make(map[string]string, len(kept)+len(queue))
	for k, v := range kept {
		assigned[k] = v
	}
	next := make(map[string]int)
	for _, q := range queue {
		n := next[q.baseDir]
		if n == 0 {
			n = 1
		}
		for reserved[q.baseDir][n] {
			n++
		}
		if reserved[q.baseDir] == nil {
			reserved[q.baseDir] = make(map[int]bool)
		}
		reserved[q.baseDir][n] = true
		next[q.baseDir] = n + 1
		assigned[q.key] = fmt.Sprintf("%s/%d", q.baseDir, n)
	}

	if err := o.commit(ctx, cacheKey, assigned); err != nil {
		return err
	}
	o.dirs = assigned
	return nil
}

// splitSuffix splits "<baseDir>/<N>" into (baseDir, N, true); returns
// ok=false if dir doesn't end in a decimal suffix.
func splitSuffix(dir string) (string, int, bool) {
	idx := strings.LastIndex(dir, "/")
	if idx < 0 {
		return "", 0, false
	}
	base, tail := dir[:idx], dir[idx+1:]
	if tail == "" {
		return "", 0, false
	}
	n := 0
	for _, r := range tail {
		if r < '0' || r > '9' {
			return "", 0, false
		}
		n = n*10 + int(r-'0')
	}
	return base, n, true
}

func (o *Oracle) commit(ctx context.Context, vsn string, dirs map[string]string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("developdir: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dirs`); err != nil {
		return fmt.Errorf("developdir: clearing dirs: %w", err)
	}
	for key, dir := range dirs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dirs (key, dir) VALUES (?, ?)`, key, dir); err != nil {
			return fmt.Errorf("developdir: inserting dir for %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('vsn', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, vsn); err != nil {
		return fmt.Errorf("developdir: writing vsn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("developdir: commit: %w", err)
	}
	return nil
}

// Dir returns the assigned directory for s, per the key Refresh already
// resolved (or, for an externally-backed oracle, by invoking and
// memoizing the external formatter directly).
func (o *Oracle) Dir(s *bstep.Step) (string, error) {
	key := Key(s)

	o.mu.Lock()
	defer o.mu.Unlock()

	if dir, ok := o.dirs[key]; ok {
		return dir, nil
	}
	if o.external != nil {
		dir := o.external(s)
		o.dirs[key] = dir
		return dir, nil
	}
	return "", fmt.Errorf("developdir: no directory assigned for %s (Refresh not run?)", s.PrettyName)
}

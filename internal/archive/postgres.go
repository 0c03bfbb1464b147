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
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bobbuildtool/bob/internal/bstep"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresLiveIDCache is a LiveIDCache shared across machines/archives: the
// same golang-migrate-driven schema setup and pgxpool connection pool a
// build-record store would use, with the schema replaced by the single
// live_id -> real_id mapping table this cache needs instead of a
// multi-table build/package-job schema.
type PostgresLiveIDCache struct {
	pool *pgxpool.Pool
}

// RunMigrations applies the embedded live_ids schema to dsn.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("archive/postgres: creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("archive/postgres: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive/postgres: running migrations: %w", err)
	}
	return nil
}

// NewPostgresLiveIDCache opens a connection pool against dsn. Callers
// should have already run RunMigrations once (e.g. at deploy time); this
// constructor doesn't migrate on every process start.
func NewPostgresLiveIDCache(ctx context.Context, dsn string) (*PostgresLiveIDCache, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: parsing DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive/postgres: pinging database: %w", err)
	}
	return &PostgresLiveIDCache{pool: pool}, nil
}

// Close closes the connection pool.
func (c *PostgresLiveIDCache) Close() {
	c.pool.Close()
}

func (c *PostgresLiveIDCache) Lookup(liveID string) (bstep.Digest, bool, error) {
	ctx := context.Background()
	var realHex string
	err := c.pool.QueryRow(ctx, `SELECT real_id FROM live_ids WHERE live_id = $1`, liveID).Scan(&realHex)
	if errors.Is(err, pgx.ErrNoRows) {
		return bstep.Digest{}, false, nil
	}
	if err != nil {
		return bstep.Digest{}, false, fmt.Errorf("archive/postgres: looking up %s: %w", liveID, err)
	}
	d, err := digestFromHex(realHex)
	if err != nil {
		return bstep.Digest{}, false, err
	}
	return d, true, nil
}

func (c *PostgresLiveIDCache) Store(liveID string, real bstep.Digest) error {
	ctx := context.Background()
	_, err := c.pool.Exec(ctx, `
		INSERT INTO live_ids (live_id, real_id)
		VALUES ($1, $2)
		ON CONFLICT (live_id) DO UPDATE SET real_id = excluded.real_id
	`, liveID, real.String())
	if err != nil {
		return fmt.Errorf("archive/postgres: storing %s: %w", liveID, err)
	}
	return nil
}

func digestFromHex(s string) (bstep.Digest, error) {
	var d bstep.Digest
	if len(s) != len(d)*2 {
		return d, fmt.Errorf("archive/postgres: malformed digest %q", s)
	}
	for i := range d {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return d, fmt.Errorf("archive/postgres: malformed digest %q: %w", s, err)
		}
		d[i] = b
	}
	return d, nil
}

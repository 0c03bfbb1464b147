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

package archive_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobbuildtool/bob/internal/archive"
	"github.com/bobbuildtool/bob/internal/bstep"
)

// setupTestPostgres spins up a disposable postgres:16-alpine container,
// applies the live_ids schema, and returns a DSN, registering a teardown
// func via t.Cleanup.
func setupTestPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "bob_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/bob_test?sslmode=disable", host, port.Port())
	require.NoError(t, archive.RunMigrations(dsn))
	return dsn
}

func digestOf(b byte) bstep.Digest {
	var d bstep.Digest
	d[0] = b
	return d
}

func TestPostgresLiveIDCacheLookupMiss(t *testing.T) {
	dsn := setupTestPostgres(t)
	cache, err := archive.NewPostgresLiveIDCache(context.Background(), dsn)
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Lookup("does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresLiveIDCacheStoreAndLookup(t *testing.T) {
	dsn := setupTestPostgres(t)
	cache, err := archive.NewPostgresLiveIDCache(context.Background(), dsn)
	require.NoError(t, err)
	defer cache.Close()

	want := digestOf(0x42)
	require.NoError(t, cache.Store("live-a", want))

	got, ok, err := cache.Lookup("live-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestPostgresLiveIDCacheStoreOverwrites(t *testing.T) {
	dsn := setupTestPostgres(t)
	cache, err := archive.NewPostgresLiveIDCache(context.Background(), dsn)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Store("live-b", digestOf(0x01)))
	require.NoError(t, cache.Store("live-b", digestOf(0x02)))

	got, ok, err := cache.Lookup("live-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, digestOf(0x02), got)
}

func TestPostgresLiveIDCacheDistinctKeys(t *testing.T) {
	dsn := setupTestPostgres(t)
	cache, err := archive.NewPostgresLiveIDCache(context.Background(), dsn)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Store("live-c", digestOf(0x10)))
	require.NoError(t, cache.Store("live-d", digestOf(0x20)))

	got, ok, err := cache.Lookup("live-c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, digestOf(0x10), got)

	got, ok, err = cache.Lookup("live-d")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, digestOf(0x20), got)
}

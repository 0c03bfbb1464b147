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
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/bobbuildtool/bob/internal/bstep"
)

// Default retry configuration.
const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// GCS stores package blobs in Google Cloud Storage: a bucket/object-path
// shape with exponential-backoff retry around transient API errors, with
// content
// restricted to one xz-compressed tarball per build-id instead of
// per-job logs and artifacts. Live-id translation is delegated to a
// separate LiveIDCache (GCS itself isn't a convenient place to do
// low-latency live-id lookups); CanDownloadLocal/CanUploadLocal report
// false unless one was supplied.
type GCS struct {
	base
	client *storage.Client
	bucket string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// GCSOption configures a GCS archive beyond the defaults.
type GCSOption func(*GCS)

// WithGCSLiveIDCache attaches liveID translation, e.g. backed by Postgres.
func WithGCSLiveIDCache(c LiveIDCache) GCSOption {
	return func(g *GCS) { g.liveID = c }
}

// WithGCSRetryConfig overrides the retry/backoff schedule.
func WithGCSRetryConfig(maxRetries int, initialBackoff, maxBackoff time.Duration) GCSOption {
	return func(g *GCS) {
		g.maxRetries = maxRetries
		g.initialBackoff = initialBackoff
		g.maxBackoff = maxBackoff
	}
}

// NewGCS creates a GCS-backed archive against bucket.
func NewGCS(ctx context.Context, bucket string, depths DepthLimits, opts ...GCSOption) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive/gcs: creating client: %w", err)
	}
	g := &GCS{
		base:           base{depths: depths},
		client:         client,
		bucket:         bucket,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Close releases the underlying GCS client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (g *GCS) objectPath(buildID bstep.Digest) string {
	return "packages/" + objectName(buildID)
}

// DownloadPackage reports false, not an error, when the object doesn't
// exist — indistinguishable at this layer from "not yet uploaded".
func (g *GCS) DownloadPackage(buildID bstep.Digest, destWorkspace string) (bool, error) {
	ctx := context.Background()
	obj := g.client.Bucket(g.bucket).Object(g.objectPath(buildID))

	rc, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive/gcs: opening %s: %w", buildID, err)
	}
	defer rc.Close()

	if err := unpackDir(rc, destWorkspace); err != nil {
		return false, fmt.Errorf("archive/gcs: unpacking %s: %w", buildID, err)
	}
	return true, nil
}

// UploadPackage retries transient failures with exponential backoff.
func (g *GCS) UploadPackage(buildID bstep.Digest, srcWorkspace string) error {
	backoff := g.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > g.maxBackoff {
				backoff = g.maxBackoff
			}
		}
		err := g.doUpload(buildID, srcWorkspace)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("archive/gcs: max retries exceeded uploading %s: %w", buildID, lastErr)
}

func (g *GCS) doUpload(buildID bstep.Digest, srcWorkspace string) error {
	ctx := context.Background()
	wc := g.client.Bucket(g.bucket).Object(g.objectPath(buildID)).NewWriter(ctx)
	wc.ContentType = "application/x-xz"

	if err := packDir(wc, srcWorkspace); err != nil {
		wc.Close()
		return fmt.Errorf("writing to GCS: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}
	return nil
}

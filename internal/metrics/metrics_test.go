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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordStepRanIncrementsCountersAndHistogram(t *testing.T) {
	m := New()
	m.RecordStepRan("build", 1.5)

	body := scrape(t, m)
	require.Contains(t, body, `bob_steps_total{kind="build",outcome="ran"} 1`)
	require.Contains(t, body, `bob_cache_misses_total{kind="build"} 1`)
	require.Contains(t, body, "bob_step_duration_seconds_count")
}

func TestRecordStepSkippedCountsAsCacheHit(t *testing.T) {
	m := New()
	m.RecordStepSkipped("package")

	body := scrape(t, m)
	require.Contains(t, body, `bob_steps_total{kind="package",outcome="skipped"} 1`)
	require.Contains(t, body, `bob_cache_hits_total{kind="package"} 1`)
}

func TestRecordStepDownloadedCountsDownloadHit(t *testing.T) {
	m := New()
	m.RecordStepDownloaded("package")

	body := scrape(t, m)
	require.Contains(t, body, `bob_steps_total{kind="package",outcome="downloaded"} 1`)
	require.Contains(t, body, `bob_archive_downloads_total{result="hit"} 1`)
}

func TestDownloadMissAndErrorCounters(t *testing.T) {
	m := New()
	m.RecordDownloadMiss()
	m.RecordDownloadError()

	body := scrape(t, m)
	require.Contains(t, body, `bob_archive_downloads_total{result="miss"} 1`)
	require.Contains(t, body, `bob_archive_downloads_total{result="error"} 1`)
}

func TestQueueDepthAndActiveJobsGauges(t *testing.T) {
	m := New()
	m.SetQueueDepth(7)
	m.SetActiveJobs(3)

	body := scrape(t, m)
	require.Contains(t, body, "bob_scheduler_queue_depth 7")
	require.Contains(t, body, "bob_scheduler_active_jobs 3")
}

func TestStepFailedCounter(t *testing.T) {
	m := New()
	m.RecordStepFailed("checkout")

	body := scrape(t, m)
	require.Contains(t, body, `bob_steps_total{kind="checkout",outcome="failed"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}

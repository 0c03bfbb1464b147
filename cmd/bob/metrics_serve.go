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

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/bobbuildtool/bob/internal/metrics"
)

// newServeMetricsCmd exposes a bare /metrics endpoint, grounded on the
// teacher's melange-server HTTP server setup (timeouts, mux registration)
// but trimmed to the one route this driver actually needs.
func newServeMetricsCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve a Prometheus /metrics endpoint backed by a fresh registry of its own (not a running build's metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveMetrics(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen-addr", ":9090", "HTTP listen address")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) error {
	log := clog.FromContext(ctx)
	m := metrics.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

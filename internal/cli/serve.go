// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeranaias/streamcore/internal/logging"
	"github.com/jeranaias/streamcore/internal/server"
)

type serveOptions struct {
	addr      string
	heartbeat time.Duration
	token     string
	stepDelay time.Duration
	rateLimit int
}

func newServeCommand(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock feed server",
		Long: `Run a local upstream that streams reasoning steps on POST /v1/reason and
pushes alerts over Server-Sent Events on GET /v1/notifications.

Publish events with POST /v1/alerts and POST /v1/alerts/{id}/status.
Prometheus metrics are served on /metrics.`,
		Example: `  streamcore serve --addr :8787 --heartbeat 5s
  curl -d '{"id":"a1","title":"disk full","severity":"high"}' localhost:8787/v1/alerts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a, opts, cmd.Flags().Changed("heartbeat"))
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 0, "heartbeat interval (overrides server.heartbeat_interval_secs)")
	cmd.Flags().StringVar(&opts.token, "token", "", "token notification clients must present (overrides server.auth_token)")
	cmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 150*time.Millisecond, "pause between reasoning steps")
	cmd.Flags().IntVar(&opts.rateLimit, "rate-limit", 600, "requests per minute per client IP (0 = unlimited)")
	return cmd
}

func runServe(ctx context.Context, a *app, opts serveOptions, heartbeatSet bool) error {
	cfg := a.cfg.Server
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if opts.token != "" {
		cfg.AuthToken = opts.token
	}
	heartbeat := time.Duration(cfg.HeartbeatIntervalSecs) * time.Second
	if heartbeatSet {
		heartbeat = opts.heartbeat
	}

	srvOpts := []server.Option{
		server.WithLogger(logging.Component(a.log, "server")),
		server.WithHeartbeat(heartbeat),
		server.WithStepDelay(opts.stepDelay),
		server.WithAuthToken(cfg.AuthToken, a.cfg.Events.TokenParam),
	}
	if opts.rateLimit > 0 {
		srvOpts = append(srvOpts, server.WithRateLimit(opts.rateLimit, max(1, opts.rateLimit/10)))
	}
	srv := server.New(cfg.Addr, srvOpts...)
	srv.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

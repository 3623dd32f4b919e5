// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jeranaias/streamcore/internal/config"
	"github.com/jeranaias/streamcore/internal/events"
	"github.com/jeranaias/streamcore/internal/logging"
	"github.com/jeranaias/streamcore/internal/util"
)

// reloadDebounce absorbs the burst of writes an editor makes when saving.
const reloadDebounce = 250 * time.Millisecond

type watchOptions struct {
	url        string
	token      string
	maxRetries uint64
	heartbeats bool
	noReload   bool
	count      int
}

func newWatchCommand(a *app) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold the notification channel open and print events",
		Long: `Connect to the notification endpoint and print alerts and alert updates
as they arrive.

If the connection drops, watch reconnects with exponential backoff. When
the config file changes, watch reloads it and resubscribes if the events
URL or token changed. Resubscriptions are rate limited by
events.resubscribes_per_minute.`,
		Example: `  streamcore watch
  streamcore watch --heartbeats --url http://127.0.0.1:8787/v1/notifications
  streamcore watch --count 1   # exit after the first alert`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "notification endpoint (overrides events.url)")
	cmd.Flags().StringVar(&opts.token, "token", "", "auth token (overrides events.auth_token)")
	cmd.Flags().Uint64Var(&opts.maxRetries, "max-retries", 0, "give up after this many consecutive failures (0 = never)")
	cmd.Flags().BoolVar(&opts.heartbeats, "heartbeats", false, "print heartbeat events")
	cmd.Flags().BoolVar(&opts.noReload, "no-reload", false, "do not watch the config file for changes")
	cmd.Flags().IntVar(&opts.count, "count", 0, "exit after this many alerts and updates (0 = run until interrupted)")
	return cmd
}

// =============================================================================
// WATCH LOOP
// =============================================================================

// watchSession owns the manager and reconnect policy for one watch run.
type watchSession struct {
	a        *app
	opts     watchOptions
	cfg      config.EventsConfig
	manager  *events.Manager
	printer  *eventPrinter
	limiter  *rate.Limiter
	failures chan error
	// healthy is set once the current connection delivers anything.
	healthy atomic.Bool
}

func runWatch(cmd *cobra.Command, a *app, opts watchOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if a.cfg.Metrics.Addr != "" {
		stop := serveMetrics(a)
		defer stop()
	}

	ws := &watchSession{
		a:        a,
		opts:     opts,
		cfg:      applyWatchFlags(a.cfg.Events, opts),
		printer:  newEventPrinter(cmd.OutOrStdout(), logging.Component(a.log, "watch"), opts.heartbeats, opts.count, cancel),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.cfg.Events.ResubscribesPerMinute)), 1),
		failures: make(chan error, 1),
	}
	ws.manager = ws.newManager()
	defer func() { ws.manager.Disconnect() }()

	reloads := make(chan *config.Config)
	if path := a.defaultConfigPath(); !opts.noReload && path != "" {
		cw, err := newConfigWatcher(path, reloadDebounce, a.loadConfig, logging.Component(a.log, "reload"))
		if err != nil {
			a.log.Warn().Err(err).Msg("config reload disabled")
		} else {
			go cw.Run(ctx, reloads)
		}
	}

	if err := ws.subscribe(ctx); err != nil {
		return err
	}

	bo := ws.backoff(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-ws.failures:
			if ws.healthy.Swap(false) {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("giving up on notification stream: %w", err)
			}
			ws.printer.status("closed", fmt.Sprintf("%v; reconnecting in %s", err, wait.Round(time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			if err := ws.subscribe(ctx); err != nil {
				return err
			}

		case cfg := <-reloads:
			next := applyWatchFlags(cfg.Events, opts)
			if next == ws.cfg {
				continue
			}
			tokenParamChanged := next.TokenParam != ws.cfg.TokenParam
			ws.cfg = next
			if tokenParamChanged {
				ws.manager.Disconnect()
				ws.manager = ws.newManager()
			}
			ws.printer.status("connecting", "configuration changed, resubscribing")
			if err := ws.subscribe(ctx); err != nil {
				a.log.Error().Err(err).Msg("resubscribe with reloaded config failed")
				continue
			}
			bo.Reset()
		}
	}
}

func applyWatchFlags(cfg config.EventsConfig, opts watchOptions) config.EventsConfig {
	if opts.url != "" {
		cfg.URL = opts.url
	}
	if opts.token != "" {
		cfg.AuthToken = opts.token
	}
	return cfg
}

func (ws *watchSession) newManager() *events.Manager {
	return events.NewManager(
		events.WithLogger(logging.Component(ws.a.log, "events")),
		events.WithMetrics(ws.a.metrics),
		events.WithTokenParam(ws.cfg.TokenParam),
	)
}

// subscribe replaces the current connection, waiting for the resubscribe
// limiter first.
func (ws *watchSession) subscribe(ctx context.Context) error {
	if err := ws.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ws.healthy.Store(false)
	err := ws.manager.Subscribe(ws.cfg.URL, ws.cfg.AuthToken, events.Handlers{
		OnAlert: func(al events.Alert) {
			ws.healthy.Store(true)
			ws.printer.alert(al)
		},
		OnAlertUpdate: func(u events.AlertUpdate) {
			ws.healthy.Store(true)
			ws.printer.update(u)
		},
		OnHeartbeat: func(hb events.Heartbeat) {
			ws.healthy.Store(true)
			ws.printer.heartbeat(hb)
		},
		OnError: func(err error) {
			select {
			case ws.failures <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	ws.printer.status("connecting", util.RedactQuery(ws.cfg.URL, ws.cfg.TokenParam))
	return nil
}

func (ws *watchSession) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if ws.opts.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, ws.opts.maxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// serveMetrics exposes the app registry on cfg.Metrics.Addr until stop is
// called.
func serveMetrics(a *app) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", a.cfg.Metrics.Addr).Msg("metrics endpoint failed")
		}
	}()
	a.log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// =============================================================================
// EVENT PRINTER
// =============================================================================

// eventPrinter serializes output from the manager goroutine and the watch
// loop.
type eventPrinter struct {
	mu         sync.Mutex
	out        io.Writer
	log        zerolog.Logger
	heartbeats bool
	remaining  int
	done       func()
}

func newEventPrinter(out io.Writer, log zerolog.Logger, heartbeats bool, count int, done func()) *eventPrinter {
	return &eventPrinter{out: out, log: log, heartbeats: heartbeats, remaining: count, done: done}
}

type alertSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (p *eventPrinter) alert(al events.Alert) {
	var sum alertSummary
	if err := al.Decode(&sum); err != nil {
		p.log.Debug().Err(err).Msg("alert payload has no summary fields")
	}

	title := sum.Title
	if title == "" {
		title = sum.Message
	}
	if title == "" {
		var buf bytes.Buffer
		if err := json.Compact(&buf, al.Payload); err == nil {
			title = buf.String()
		} else {
			title = string(al.Payload)
		}
	}

	severity := ""
	if sum.Severity != "" {
		style, ok := severityStyles[sum.Severity]
		if !ok {
			style = DimStyle
		}
		severity = RenderConditional(style, sum.Severity) + " "
	}
	id := ""
	if sum.ID != "" {
		id = RenderConditional(DimStyle, sum.ID) + " "
	}

	p.print(RenderConditional(TitleStyle, "ALERT ")+severity+id+util.TruncateWidth(title, GetTerminalWidth()-20), true)
}

func (p *eventPrinter) update(u events.AlertUpdate) {
	p.print(RenderConditional(TitleStyle, "UPDATE ")+u.AlertID+" "+RenderStatus(u.Status), true)
}

func (p *eventPrinter) heartbeat(hb events.Heartbeat) {
	if !p.heartbeats {
		return
	}
	p.print(RenderConditional(DimStyle, "heartbeat "+hb.Timestamp), false)
}

func (p *eventPrinter) status(state, detail string) {
	p.print(RenderStatus(state)+" "+RenderConditional(DimStyle, detail), false)
}

// print writes one timestamped line. Counted lines bring the printer
// closer to its limit.
func (p *eventPrinter) print(line string, counted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", RenderConditional(DimStyle, time.Now().Format("15:04:05")), line)
	if counted && p.remaining > 0 {
		p.remaining--
		if p.remaining == 0 && p.done != nil {
			p.done()
		}
	}
}

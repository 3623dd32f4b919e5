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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/streamcore/internal/logging"
	"github.com/jeranaias/streamcore/internal/stream"
	"github.com/jeranaias/streamcore/internal/util"
)

// MaxPromptSize caps a prompt read from stdin (1MB).
const MaxPromptSize = 1 << 20

// askPayload is the JSON body sent to the reasoning endpoint.
type askPayload struct {
	Prompt string `json:"prompt"`
}

// reasoningStep is the subset of a record that ask knows how to render.
type reasoningStep struct {
	Step int    `json:"step"`
	Text string `json:"text"`
}

type askOptions struct {
	url     string
	mode    string
	token   string
	raw     bool
	stats   bool
	timeout time.Duration
}

func newAskCommand(a *app) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Run one reasoning request and stream its output",
		Long: `Send a prompt to the reasoning endpoint and print the response as it
arrives. In ndjson mode each record is printed as a numbered step; in text
mode fragments are printed verbatim.

Use "-" or no arguments to read the prompt from stdin. Ctrl-C cancels the
request without reporting an error.`,
		Example: `  streamcore ask "why is the sky blue"
  echo "summarize the incident" | streamcore ask --mode text
  streamcore ask --raw --stats "list the steps"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, a, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "reasoning endpoint (overrides stream.url)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "response mode: text or ndjson (overrides stream.mode)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (overrides stream.auth_token)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "print NDJSON records exactly as received")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "print stream statistics when done")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "abort the request after this long (0 = no limit)")
	return cmd
}

func runAsk(cmd *cobra.Command, a *app, opts askOptions, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg := a.cfg.Stream
	if opts.url != "" {
		cfg.URL = opts.url
	}
	if opts.mode != "" {
		cfg.Mode = opts.mode
	}
	if opts.token != "" {
		cfg.AuthToken = opts.token
	}
	mode, err := stream.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	client := stream.NewClient(
		stream.WithLogger(logging.Component(a.log, "stream")),
		stream.WithMetrics(a.metrics),
		stream.WithChunkSize(cfg.ChunkSize),
		stream.WithHeader("User-Agent", "streamcore/"+Version),
	)
	req := stream.Request{
		URL:       cfg.URL,
		Payload:   askPayload{Prompt: prompt},
		Mode:      mode,
		AuthToken: cfg.AuthToken,
	}

	out := cmd.OutOrStdout()
	var stats stream.Stats
	if mode == stream.ModeText {
		stats, err = askText(ctx, client, req, out)
	} else {
		stats, err = askRecords(ctx, client, req, out, opts.raw)
	}

	switch {
	case err == nil:
	case stream.IsCanceled(err):
		fmt.Fprintln(out, RenderConditional(DimStyle, "(canceled)"))
		return nil
	default:
		return describeStreamError(err)
	}

	if opts.stats {
		fmt.Fprintln(out, RenderSeparator(40))
		fmt.Fprintln(out, RenderConditional(DimStyle, stats.Format()))
	}
	return nil
}

func askText(ctx context.Context, c *stream.Client, req stream.Request, out io.Writer) (stream.Stats, error) {
	s, err := stream.OpenText(ctx, c, req)
	if err != nil {
		return stream.Stats{}, err
	}
	err = stream.Drain(s, stream.Sink[string]{
		OnRecord:   func(fragment string) { io.WriteString(out, fragment) },
		OnComplete: func() { fmt.Fprintln(out) },
	})
	return s.Stats(), err
}

func askRecords(ctx context.Context, c *stream.Client, req stream.Request, out io.Writer, raw bool) (stream.Stats, error) {
	s, err := stream.OpenRecords[json.RawMessage](ctx, c, req)
	if err != nil {
		return stream.Stats{}, err
	}
	err = stream.Drain(s, stream.Sink[json.RawMessage]{
		OnRecord: func(rec json.RawMessage) {
			if raw {
				fmt.Fprintln(out, string(rec))
				return
			}
			fmt.Fprintln(out, renderRecord(rec))
		},
	})
	return s.Stats(), err
}

// renderRecord prints a step record as "[n] text" and anything else as
// compact JSON.
func renderRecord(rec json.RawMessage) string {
	var step reasoningStep
	if err := json.Unmarshal(rec, &step); err == nil && step.Text != "" {
		label := "  "
		if step.Step > 0 {
			label = fmt.Sprintf("[%d]", step.Step)
		}
		return RenderConditional(StepStyle, label) + " " + step.Text
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, rec); err != nil {
		return string(rec)
	}
	return util.TruncateWidth(buf.String(), GetTerminalWidth())
}

// readPrompt joins args, or reads stdin when args are empty or "-".
func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, MaxPromptSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	if len(data) > MaxPromptSize {
		return "", fmt.Errorf("prompt exceeds %d bytes", MaxPromptSize)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}

// describeStreamError adds a hint for the failures users can act on.
func describeStreamError(err error) error {
	var se *stream.StatusError
	var te *stream.TransportError
	switch {
	case errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden):
		return fmt.Errorf("%w (check stream.auth_token or --token)", err)
	case errors.Is(err, stream.ErrInvalidURL):
		return fmt.Errorf("%w (set stream.url or --url)", err)
	case errors.As(err, &te) && te.Partial:
		return fmt.Errorf("%w (output above is incomplete)", err)
	}
	return err
}

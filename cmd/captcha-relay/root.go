package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	natsbackend "github.com/openjobspec/captcha-relay/internal/nats"
	"github.com/openjobspec/captcha-relay/internal/server"
)

func newRootCmd() *cobra.Command {
	var cfg server.Config

	root := &cobra.Command{
		Use:          "captcha-relay",
		Short:        "Relay reCAPTCHA solving requests to a remote solve backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := server.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(&cfg),
		newEnqueueCmd(&cfg),
		newStatusCmd(&cfg),
		newSweepCmd(&cfg),
		newDLQCmd(&cfg),
	)
	return root
}

// withNATS connects to NATS for the duration of fn.
func withNATS(cfg *server.Config, fn func(*natsbackend.JobStore) error) error {
	store, err := natsbackend.New(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", cfg.NatsURL, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing NATS connection", "error", err)
		}
	}()
	return fn(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandContext returns the command's context, falling back to Background
// when the command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

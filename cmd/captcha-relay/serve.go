package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/captcha-relay/internal/api"
	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/memstore"
	natsbackend "github.com/openjobspec/captcha-relay/internal/nats"
	"github.com/openjobspec/captcha-relay/internal/relay"
	"github.com/openjobspec/captcha-relay/internal/server"
	"github.com/openjobspec/captcha-relay/internal/solver"
)

func newServeCmd(cfg *server.Config) *cobra.Command {
	var memory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, worker pool and garbage collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.BackendAPIKey == "" {
				return errors.New("RELAY_BACKEND_API_KEY is required")
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, memory, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false,
		"use an in-process job store instead of NATS; jobs are read as JSON lines from stdin and lost on exit")
	return cmd
}

func serve(ctx context.Context, cfg *server.Config, memory bool, stdin io.Reader, stdout io.Writer) error {
	var (
		store   core.JobStore
		checker api.StoreChecker
		events  core.EventPublisher
	)
	if memory {
		slog.Warn("using in-process job store, jobs are lost on exit")
		mem := memstore.New()
		store = mem
		go func() {
			if err := readRequests(ctx, stdin, relay.NewService(mem), stdout); err != nil {
				slog.Error("reading enqueue requests from stdin", "error", err)
			}
		}()
	} else {
		backend, err := natsbackend.New(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NatsURL, err)
		}
		defer backend.Close()
		slog.Info("connected to NATS", "url", cfg.NatsURL)

		broker := natsbackend.NewPubSubBroker(backend.Conn())
		defer broker.Close()

		store, checker, events = backend, backend, broker
	}

	r, err := relay.New(store, solver.NewClient(cfg.SolverConfig()), events, cfg.RelayConfig())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(api.NewHealthHandler(checker, r.Queue())),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", "error", err)
		}
	}()

	var healthSrv *health.Server
	if cfg.GRPCPort != "" {
		grpcServer, hs := server.NewGRPCServer()
		healthSrv = hs
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listening for gRPC on %s: %w", cfg.GRPCPort, err)
		}
		go func() {
			slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("gRPC server error", "error", err)
			}
		}()
		defer grpcServer.GracefulStop()
		if checker != nil {
			go server.WatchStoreHealth(ctx, healthSrv, checker, cfg.PollInterval)
		}
	}

	slog.Info("relay started",
		"workers", cfg.Workers,
		"poll_interval", cfg.PollInterval,
		"retention", cfg.Retention,
		"memory", memory,
	)
	if err := r.Run(ctx); err != nil {
		slog.Error("relay error", "error", err)
	}

	slog.Info("shutting down ops servers")
	if healthSrv != nil {
		healthSrv.SetServingStatus(server.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}
	return nil
}

// readRequests enqueues one job per JSON line read from r and writes each
// job id to w. Malformed or invalid lines are logged and skipped.
func readRequests(ctx context.Context, r io.Reader, svc *relay.Service, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		if ctx.Err() != nil {
			return nil
		}
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var req relay.EnqueueRequest
		if err := json.Unmarshal(text, &req); err != nil {
			slog.Warn("skipping malformed enqueue request", "line", line, "error", err)
			continue
		}
		job, err := svc.Enqueue(ctx, req)
		if err != nil {
			slog.Warn("skipping rejected enqueue request", "line", line, "error", err)
			continue
		}
		fmt.Fprintln(w, job.ID)
	}
	return scanner.Err()
}

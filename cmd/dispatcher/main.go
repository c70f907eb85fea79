// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "corpus-dispatch/internal/api/http"
	"corpus-dispatch/internal/config"
	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/infra/etcd"
	"corpus-dispatch/internal/infra/memory"
	"corpus-dispatch/internal/infra/postgres"
	"corpus-dispatch/internal/logging"
	"corpus-dispatch/internal/rpc"
	"corpus-dispatch/internal/scheduler"
	"corpus-dispatch/internal/tracing"
	"corpus-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// store is what the dispatcher needs from either backend.
type store interface {
	domain.CatalogStore
	domain.TaskStore
}

// corsMiddleware wraps an http.Handler with CORS headers for the dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	tracerShutdown, err := tracing.InitTracer("corpus-dispatcher", version, tracing.Options{
		Writer:      traceOut,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	nodeID := uuid.New().String()
	logger.Info("starting dispatcher", "node_id", nodeID, "version", version, "store", cfg.StoreDriver)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	if err := run(rootCtx, cfg, nodeID, logger); err != nil {
		logger.Error("dispatcher stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatcher shut down")
}

func run(ctx context.Context, cfg *config.Config, nodeID string, logger *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	retry := usecase.RetryPolicy{
		Timeout:    cfg.StoreTimeout,
		Initial:    cfg.StoreRetryInitial,
		MaxElapsed: cfg.StoreRetryMaxElapsed,
	}

	hub := http_api.NewHub(logger)
	ventilator := usecase.NewVentilator(st, retry, logger)
	finalizer := usecase.NewFinalizer(st, hub, retry, logger)
	sink := usecase.NewSink(st, finalizer, retry, logger)
	manager := usecase.NewManager(st, ventilator, finalizer, retry, usecase.ManagerConfig{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TaskTimeout:      cfg.TaskTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		MaxInflight:      cfg.MaxInflightPerWorker,
	}, logger)
	rerunner := usecase.NewRerunner(st, hub, retry, cfg.AllowRerunAssigned, logger)
	catalog := usecase.NewCatalogService(st, hub, retry, logger, usecase.WithCorpusRoot(cfg.CorpusRoot))
	reports := usecase.NewReportService(st, manager, retry)

	var leader domain.LeaderElectionManager
	if cfg.LeaderElectionEnabled() {
		client, err := etcd.NewClient(ctx, cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer client.Close()
		leader = etcd.NewEtcdLeaderElectionManager(client, cfg.EtcdElectionKey, nodeID, cfg.LeaderElectionTTL, logger)
		logger.Info("leader election enabled", "key", cfg.EtcdElectionKey)
	}

	grpcImpl := rpc.NewServer(manager, ventilator, sink, rpc.ServerConfig{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		MaxInflight:      cfg.MaxInflightPerWorker,
		MaxPollWait:      cfg.MaxPollWait,
	}, logger)
	serveWorkers := func(ctx context.Context) error {
		lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GrpcListenAddr, err)
		}
		logger.Info("worker endpoint listening", "addr", lis.Addr().String())
		return rpc.Serve(ctx, rpc.NewGRPCServer(grpcImpl, cfg.WorkerTokens), lis, logger)
	}

	active := usecase.NewActiveService(leader, func() domain.Scheduler {
		return scheduler.NewCronScheduler(logger)
	}, manager, cfg.SweepInterval, serveWorkers, nodeID, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewDispatchHandler(catalog, reports, rerunner, hub, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return active.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down HTTP API server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on exit")
		return memory.NewStore(), func() {}, nil
	default:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		pool, err := postgres.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		return postgres.NewStore(pool, logger), pool.Close, nil
	}
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}

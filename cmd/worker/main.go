// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corpus-dispatch/internal/config"
	"corpus-dispatch/internal/domain"
	http_infra "corpus-dispatch/internal/infra/http"
	shell_infra "corpus-dispatch/internal/infra/shell"
	"corpus-dispatch/internal/logging"
	"corpus-dispatch/internal/rpc"
	"corpus-dispatch/internal/tracing"
	"corpus-dispatch/internal/worker"

	"github.com/google/uuid"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	wc := cfg.Worker
	if wc.Service == "" {
		log.Fatalf("worker.service (DISPATCH_WORKER_SERVICE) must be set")
	}
	if wc.Name == "" {
		host, _ := os.Hostname()
		wc.Name = host + "-" + uuid.New().String()[:8]
	}

	logger, closeLog := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("corpus-worker", version, tracing.Options{SampleRatio: cfg.TraceSampleRatio})
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting worker", "name", wc.Name, "service", wc.Service, "dispatcher", wc.DispatcherAddr)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	conn, err := rpc.Dial(wc.DispatcherAddr, wc.Token)
	if err != nil {
		logger.Error("failed to dial dispatcher", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	converters := map[string]domain.Converter{
		"shell": shell_infra.NewShellConverter(wc.CorpusRoot, logger),
		"http":  http_infra.NewHttpConverter(5*time.Minute, 30*time.Second),
	}

	runner := worker.NewRunner(rpc.NewDispatcherClient(conn), converters, worker.Config{
		Name:              wc.Name,
		Service:           wc.Service,
		Capabilities:      wc.Capabilities,
		HeartbeatInterval: wc.HeartbeatInterval,
		PollWait:          wc.PollWait,
		JobLimit:          wc.JobLimit,
	}, logger)

	if err := runner.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shut down")
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

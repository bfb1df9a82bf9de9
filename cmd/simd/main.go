package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/simd"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/store"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/telemetry"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
)

func main() {
	var (
		grpcAddr     string
		httpAddr     string
		logLevel     string
		logFormat    string
		dbPath       string
		otlpEndpoint string
		submitRate   float64
		submitBurst  int
		parallelism  int
	)

	flag.StringVar(&grpcAddr, "grpc-addr", ":50051", "gRPC listen address")
	flag.StringVar(&httpAddr, "http-addr", ":8080", "HTTP listen address")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flag.StringVar(&dbPath, "db", "", "SQLite archive for finished runs (disabled when empty)")
	flag.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector for traces (disabled when empty)")
	flag.Float64Var(&submitRate, "submit-rate", 5, "run submissions per second (0 = unlimited)")
	flag.IntVar(&submitBurst, "submit-burst", 10, "run submission burst")
	flag.IntVar(&parallelism, "parallelism", 0, "replicate parallelism per run (0 = as submitted)")
	flag.Parse()

	log, err := logger.NewWithFormat(logFormat, logLevel, os.Stdout)
	if err != nil {
		logger.Error("invalid logging flags", "error", err)
		os.Exit(2)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if otlpEndpoint != "" {
		cfg := telemetry.DefaultConfig("trachoma-simd")
		cfg.Endpoint = otlpEndpoint
		shutdown, err := telemetry.Setup(ctx, cfg)
		if err != nil {
			logger.Error("failed to set up tracing", "endpoint", otlpEndpoint, "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace flush failed", "error", err)
			}
		}()
	}

	opts := simd.ExecutorOptions{
		Notifier:    simd.NewNotifier(),
		SubmitRate:  submitRate,
		SubmitBurst: submitBurst,
		Parallelism: parallelism,
	}
	if dbPath != "" {
		archive, err := store.Open(ctx, dbPath)
		if err != nil {
			logger.Error("failed to open archive", "db", dbPath, "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		opts.Archive = archive
		logger.Info("archiving finished runs", "db", dbPath)
	}

	runStore := simd.NewRunStore()
	executor := simd.NewRunExecutor(runStore, opts)

	grpcServer, healthServer := simd.NewGRPCServer(runStore, executor)

	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", "addr", grpcAddr, "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           simd.NewHTTPServer(runStore, executor).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("gRPC server listening", "addr", grpcAddr)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", "error", err)
			stop()
		}
	}()

	go func() {
		logger.Info("HTTP server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	executor.Shutdown()
	opts.Notifier.Wait()
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wicklab/wick/server"
	"github.com/wicklab/wick/trace"
)

func main() {
	configPath := flag.String("config", "wick.yaml", "path to the server config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(log)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(log)}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, shutdown, err := trace.InitOTEL(ctx, "wick-server")
		if err != nil {
			log.Error("init otel exporter", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				log.Warn("otel shutdown", "error", err)
			}
		}()
		opts = append(opts, server.WithTracer(tracer))
	}

	srv, err := server.New(cfg, *configPath, opts...)
	if err != nil {
		log.Error("build server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()
	srv.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.Info("wick-server listening", "addr", cfg.Listen, "agents", len(cfg.Agents), "auth", cfg.Auth.Enabled)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", "error", err)
		os.Exit(1)
	}
	log.Info("wick-server stopped")
}

func logLevel() slog.Level {
	switch os.Getenv("WICK_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

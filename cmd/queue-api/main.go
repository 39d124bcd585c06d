package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/codequeue/internal/api"
	"github.com/example/codequeue/internal/bootstrap"
	"github.com/example/codequeue/internal/observability"
	"github.com/example/codequeue/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := observability.InitTracingFromEnv("codequeue-api")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	cfg := bootstrap.BrokerConfigFromEnv()
	if cfg.Debug {
		log.Printf("config: port=%d db=%s max_age=%s cleanup_interval=%s auth=%v",
			cfg.Port, cfg.DatabasePath, cfg.MaxTaskAge, cfg.CleanupInterval, cfg.APIKey != "")
	}
	store, err := bootstrap.NewStoreFromEnv(cfg)
	if err != nil {
		log.Fatalf("bootstrap store: %v", err)
	}
	defer func() { _ = store.Close() }()

	server := api.NewServer(store, api.Config{
		APIKey:                cfg.APIKey,
		SubmitPerClientPerMin: cfg.SubmitPerClientPerMin,
		SubmitGlobalPerMin:    cfg.SubmitGlobalPerMin,
	})

	sw := sweeper.New(store, cfg.MaxTaskAge, cfg.CleanupInterval)
	go sw.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("queue-api listening on :%d store=%s retention=%s", cfg.Port, cfg.DatabasePath, cfg.MaxTaskAge)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("queue-api failed: %v", err)
	}
}

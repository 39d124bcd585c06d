package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/example/codequeue/internal/observability"
	"github.com/example/codequeue/worker/internal/artifact"
	"github.com/example/codequeue/worker/internal/config"
	"github.com/example/codequeue/worker/internal/executor"
	"github.com/example/codequeue/worker/internal/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := observability.InitTracingFromEnv("codequeue-poller")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var uploader *artifact.Uploader
	if strings.EqualFold(cfg.ArtifactBackend, "minio") {
		uploader, err = artifact.NewUploader(artifact.UploaderConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatalf("init artifact uploader: %v", err)
		}
	}

	sandbox := executor.NewSubprocess(cfg.Interpreter, cfg.WorkDir)
	poller := runtime.New(cfg, sandbox, uploader)
	if err := poller.Run(ctx); err != nil {
		log.Fatalf("poller stopped with error: %v", err)
	}
}

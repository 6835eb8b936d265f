package main

import (
	"log"
	"os"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/transfer"
	"github.com/seantiz/crucible/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, config.SlogLevel(cfg.LogLevel))

	logger.Info("crucible-worker: starting",
		"listen_addr", cfg.ListenAddr,
		"artifact_dir", cfg.ArtifactDir,
	)

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}

	srv := worker.NewServer(cfg.ListenAddr, pipeline.Default(artifacts), transfer.NewChannel(logger), logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

package main

import (
	"log"
	"os"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/local"
	"github.com/seantiz/crucible/internal/mode"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/remote"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, config.SlogLevel(cfg.LogLevel))

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"default_mode", cfg.DefaultMode,
		"worker_url", cfg.WorkerURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}

	receiver := transfer.NewReceiver(artifacts, logger)
	selector := mode.NewSelector(cfg.DefaultMode, mode.NewHTTPProber(cfg.WorkerURL), logger)

	localOrch := local.New(pipeline.Default(artifacts), cfg.MaxLocalRuns, logger)
	remoteOrch := remote.New(remote.NewClient(cfg.WorkerURL), receiver, cfg.CallbackAddress(), logger)

	eng := engine.New(db, selector, map[string]engine.Runner{
		model.ModeLocal:  localOrch,
		model.ModeRemote: remoteOrch,
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, db, eng, receiver, localOrch.Device(), logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

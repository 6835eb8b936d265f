// testserver starts a crucible initiator plus an in-process worker for E2E
// testing: in-memory store, temp artifact dirs, both execution modes live.
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/local"
	"github.com/seantiz/crucible/internal/mode"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/remote"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/transfer"
	"github.com/seantiz/crucible/internal/worker"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}
	workerAddr := ":9090"
	if v := os.Getenv("CRUCIBLE_WORKER_LISTEN_ADDR"); v != "" {
		workerAddr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	artifactDir, err := os.MkdirTemp("", "crucible-artifacts-*")
	if err != nil {
		log.Fatalf("failed to create artifact dir: %v", err)
	}
	defer os.RemoveAll(artifactDir)
	artifacts, err := artifact.NewStore(artifactDir)
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}

	workerDir, err := os.MkdirTemp("", "crucible-worker-artifacts-*")
	if err != nil {
		log.Fatalf("failed to create worker artifact dir: %v", err)
	}
	defer os.RemoveAll(workerDir)
	workerArtifacts, err := artifact.NewStore(workerDir)
	if err != nil {
		log.Fatalf("failed to open worker artifact store: %v", err)
	}

	workerSrv := worker.NewServer(workerAddr, pipeline.Default(workerArtifacts), transfer.NewChannel(logger), logger)
	go func() {
		if err := workerSrv.Run(); err != nil {
			log.Fatalf("worker error: %v", err)
		}
	}()

	workerURL := "http://127.0.0.1" + workerAddr
	callback := "http://127.0.0.1" + addr + "/v1/results"

	receiver := transfer.NewReceiver(artifacts, logger)
	selector := mode.NewSelector(model.ModeAuto, mode.NewHTTPProber(workerURL), logger)
	localOrch := local.New(pipeline.Default(artifacts), 2, logger)
	remoteOrch := remote.New(remote.NewClient(workerURL), receiver, callback, logger)

	eng := engine.New(db, selector, map[string]engine.Runner{
		model.ModeLocal:  localOrch,
		model.ModeRemote: remoteOrch,
	}, logger)

	srv := api.NewServer(addr, db, eng, receiver, localOrch.Device(), logger)

	logger.Info("testserver: starting", "addr", addr, "worker_addr", workerAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

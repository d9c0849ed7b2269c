package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/propgate/propgate/config"
	postgres_wrapper "github.com/propgate/propgate/pkg/infra/postgres"
	"github.com/propgate/propgate/pkg/pipeline/repo"
	"github.com/propgate/propgate/pkg/pipeline/worker"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	logger, _ := zap.NewProduction()
	zap.ReplaceGlobals(logger)
	defer logger.Sync() // nolint

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}
	if cfg.Nats == nil || cfg.PipelineDB == nil {
		zap.S().Error("worker requires nats and pipeline_db config")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.Nats.URL)
	if err != nil {
		zap.S().Errorf("connect nats fail: %v", err)
		panic(err)
	}
	js, err := nc.JetStream()
	if err != nil {
		panic(err)
	}
	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Nats.Stream,
		Subjects: []string{cfg.Nats.Stream + ".*"},
	})

	db := postgres_wrapper.InitPostgresWithBackoff(cfg.PipelineDB)
	sqlRepo := repo.NewRepo(db)

	w := worker.NewWorker(sqlRepo)
	go func() {
		if err := w.StartConsumer(ctx, js, cfg.Nats.Subject, cfg.Nats.Durable); err != nil && err != context.Canceled {
			zap.S().Errorf("consumer stopped: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	zap.S().Info("shutting down")
	cancel()
}

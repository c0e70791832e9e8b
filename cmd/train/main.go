package main

import (
	"bytes"
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"nervus-backend/cmd"
	"nervus-backend/internal/config"
	"nervus-backend/internal/core"
	"nervus-backend/internal/storage"

	"github.com/google/uuid"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the yaml run config")
		storeDir   = flag.String("store", "./nervus/storage", "local directory holding the dataset and artifact buckets")
		bucket     = flag.String("bucket", "nervus-runs", "bucket to write run artifacts to")
		evaluate   = flag.Bool("evaluate", true, "write likelihoods of the best checkpoint after training")
	)

	cmd.LoadEnvFile()

	if *configPath == "" {
		log.Fatalf("-config is required")
	}

	cfg, err := config.LoadRunConfig(*configPath)
	if err != nil {
		log.Fatalf("error loading run config: %v", err)
	}

	store, err := storage.NewLocalProvider(*storeDir)
	if err != nil {
		log.Fatalf("error creating storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prefix := path.Join("runs", time.Now().Format("2006-01-02-15-04-05")+"-"+uuid.NewString()[:8])

	slog.Info("starting run", "name", cfg.Name, "bucket", *bucket, "prefix", prefix)

	result, err := core.ExecuteRun(ctx, cfg, core.RunOptions{
		Store:    store,
		Bucket:   *bucket,
		Prefix:   prefix,
		Progress: cmd.NewProgressBar,
	})
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	slog.Info("run completed", "variant", result.Plan.Variant.Name(), "best_epoch", result.BestEpoch, "best_val_loss", result.BestValLoss)
	for _, ckpt := range result.Checkpoints {
		slog.Info("checkpoint", "key", ckpt.Key, "epoch", ckpt.Epoch, "best", ckpt.Best)
	}

	if !*evaluate {
		return
	}

	var bestKey string
	for _, ckpt := range result.Checkpoints {
		if ckpt.Best {
			bestKey = ckpt.Key
		}
	}

	likelihoodKey, err := core.Evaluate(ctx, cfg, core.EvaluateOptions{
		Store:     store,
		Bucket:    *bucket,
		Prefix:    prefix,
		WeightKey: bestKey,
	})
	if err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}

	data, err := store.GetObject(ctx, *bucket, likelihoodKey)
	if err != nil {
		log.Fatalf("error reading likelihood: %v", err)
	}

	metrics, err := core.RegressionMetrics(bytes.NewReader(data), result.Plan.Labels)
	if err != nil {
		log.Fatalf("error computing metrics: %v", err)
	}

	slog.Info("saved likelihood", "key", likelihoodKey)
	for _, m := range metrics {
		slog.Info("r2", "label", m.Label, "split", m.Split, "samples", m.Samples, "r2", m.R2)
	}
}

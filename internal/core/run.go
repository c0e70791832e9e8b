package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/linear"
	"nervus-backend/internal/core/loss"
	"nervus-backend/pkg/api"
)

type RunOptions struct {
	// Store holds the dataset and receives every artifact of the run.
	Store checkpoint.Store
	// Bucket and Prefix locate the run's artifacts. The dataset is read from
	// RunConfig.Dataset.Bucket, or Bucket when that is empty.
	Bucket string
	Prefix string

	Observer RunObserver
	Progress ProgressFunc

	// OnPlanned is called once the configuration is validated, before any
	// data is loaded.
	OnPlanned func(plan RunPlan) error
}

type RunResult struct {
	Plan RunPlan

	BestEpoch   int
	BestValLoss float64

	Checkpoints    []checkpoint.Artifact
	LearningCurves []string
	ParameterKey   string
	ScalerKey      string
}

func datasetBucket(cfg api.RunConfig, fallback string) string {
	if cfg.Dataset.Bucket != "" {
		return cfg.Dataset.Bucket
	}
	return fallback
}

func readManifest(ctx context.Context, store checkpoint.Store, bucket, key string) (*dataset.Manifest, error) {
	data, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest %s: %w", key, err)
	}
	return dataset.ReadManifest(bytes.NewReader(data))
}

func tabularDim(scaler *dataset.MinMaxScaler) int {
	if scaler == nil {
		return 0
	}
	return len(scaler.Features)
}

func imageDim(plan RunPlan) int {
	if !plan.Variant.UsesImage() {
		return 0
	}
	return plan.Dataset.ImageWidth * plan.Dataset.ImageHeight
}

func loaderOptions(plan RunPlan, store checkpoint.Store, bucket string, scaler *dataset.MinMaxScaler) dataset.LoaderOptions {
	opts := dataset.LoaderOptions{
		BatchSize: plan.BatchSize,
		Seed:      plan.Seed,
		Scaler:    scaler,
	}
	if plan.Variant.UsesImage() {
		opts.Images = store
		opts.Bucket = bucket
		opts.ImagePrefix = plan.Dataset.ImagePrefix
		opts.ImageWidth = plan.Dataset.ImageWidth
		opts.ImageHeight = plan.Dataset.ImageHeight
	}
	return opts
}

// ExecuteRun trains the model described by cfg and writes its checkpoints,
// learning curves, parameters and scaler under opts.Prefix.
func ExecuteRun(ctx context.Context, cfg api.RunConfig, opts RunOptions) (*RunResult, error) {
	plan, err := PlanRun(cfg)
	if err != nil {
		return nil, err
	}
	if opts.OnPlanned != nil {
		if err := opts.OnPlanned(plan); err != nil {
			return nil, err
		}
	}

	slog.Info("starting run", "name", plan.Name, "variant", plan.Variant, "epochs", plan.Epochs, "labels", len(plan.Labels))

	dataBucket := datasetBucket(cfg, opts.Bucket)
	manifest, err := readManifest(ctx, opts.Store, dataBucket, plan.Dataset.ManifestKey)
	if err != nil {
		return nil, err
	}
	if err := plan.ResolveLabels(manifest); err != nil {
		return nil, err
	}

	trainSamples := manifest.Split(dataset.TrainSplit)

	var scaler *dataset.MinMaxScaler
	if plan.Variant.UsesTabular() {
		if scaler, err = dataset.FitMinMaxScaler(manifest.InputNames, trainSamples); err != nil {
			return nil, err
		}
	}

	trainOpts := loaderOptions(plan, opts.Store, dataBucket, scaler)
	trainOpts.Shuffle = true
	trainLoader, err := dataset.NewLoader(trainSamples, plan.Labels, trainOpts)
	if err != nil {
		return nil, err
	}
	valLoader, err := dataset.NewLoader(manifest.Split(dataset.ValSplit), plan.Labels, loaderOptions(plan, opts.Store, dataBucket, scaler))
	if err != nil {
		return nil, err
	}

	model, err := linear.NewModel(tabularDim(scaler), imageDim(plan), plan.Labels, plan.Seed)
	if err != nil {
		return nil, err
	}

	registry, err := loss.NewLossRegistry(plan.Labels, loss.WithLabelWeights(plan.Weights), loss.WithSurvivalL2(plan.SurvivalL2))
	if err != nil {
		return nil, err
	}

	policy, err := checkpoint.NewCheckpointPolicy(plan.Policy, plan.Epochs, opts.Store, opts.Bucket, opts.Prefix)
	if err != nil {
		return nil, err
	}

	trainer, err := NewTrainer(TrainerConfig{
		Variant:      plan.Variant,
		Model:        model,
		Registry:     registry,
		Policy:       policy,
		Train:        trainLoader,
		Val:          valLoader,
		Epochs:       plan.Epochs,
		LearningRate: plan.LearningRate,
		Observer:     opts.Observer,
		Progress:     opts.Progress,
	})
	if err != nil {
		return nil, err
	}

	if err := trainer.Fit(ctx); err != nil {
		return nil, err
	}

	result := &RunResult{Plan: plan, Checkpoints: trainer.Artifacts()}

	if result.BestEpoch, err = registry.BestEpoch(loss.TotalName); err != nil {
		return nil, err
	}
	if result.BestValLoss, err = registry.BestValLoss(loss.TotalName); err != nil {
		return nil, err
	}

	if result.LearningCurves, err = SaveLearningCurves(ctx, opts.Store, opts.Bucket, opts.Prefix, registry); err != nil {
		return nil, err
	}
	if result.ParameterKey, err = SaveParameters(ctx, opts.Store, opts.Bucket, opts.Prefix, cfg, plan); err != nil {
		return nil, err
	}
	if scaler != nil {
		if result.ScalerKey, err = SaveScaler(ctx, opts.Store, opts.Bucket, opts.Prefix, scaler); err != nil {
			return nil, err
		}
	}

	slog.Info("run finished", "name", plan.Name, "best_epoch", result.BestEpoch, "best_val_loss", result.BestValLoss)

	return result, nil
}

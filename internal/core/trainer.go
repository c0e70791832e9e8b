package core

import (
	"context"
	"fmt"
	"log/slog"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/types"
)

// Progress is satisfied by *progressbar.ProgressBar.
type Progress interface {
	Add(n int) error
	Finish() error
}

type ProgressFunc func(description string, total int) Progress

type noProgress struct{}

func (noProgress) Add(int) error { return nil }

func (noProgress) Finish() error { return nil }

// RunObserver receives the results of a run as they are produced, for
// example to record them in the database.
type RunObserver interface {
	EpochCompleted(ctx context.Context, epoch int, registry *loss.LossRegistry) error

	CheckpointSaved(ctx context.Context, artifact checkpoint.Artifact) error
}

type TrainerConfig struct {
	Variant  Variant
	Model    types.Model
	Registry *loss.LossRegistry
	Policy   *checkpoint.CheckpointPolicy

	Train *dataset.Loader
	Val   *dataset.Loader

	Epochs       int
	LearningRate float64

	Observer RunObserver
	Progress ProgressFunc
}

// Trainer drives one run. The model, registry and policy are only touched by
// the goroutine calling Fit.
type Trainer struct {
	variant  Variant
	model    types.Model
	registry *loss.LossRegistry
	policy   *checkpoint.CheckpointPolicy
	loaders  map[types.Phase]*dataset.Loader

	epochs int
	lr     float64

	observer RunObserver
	progress ProgressFunc

	artifacts []checkpoint.Artifact
}

func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.Model == nil || cfg.Registry == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("%w: trainer requires a model, loss registry and checkpoint policy", types.ErrConfiguration)
	}
	if cfg.Train == nil || cfg.Val == nil {
		return nil, fmt.Errorf("%w: trainer requires train and val loaders", types.ErrConfiguration)
	}
	if cfg.Train.Len() == 0 || cfg.Val.Len() == 0 {
		return nil, fmt.Errorf("%w: train and val splits must not be empty", types.ErrConfiguration)
	}
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("%w: epochs must be at least 1, got %d", types.ErrConfiguration, cfg.Epochs)
	}

	progress := cfg.Progress
	if progress == nil {
		progress = func(string, int) Progress { return noProgress{} }
	}

	return &Trainer{
		variant:  cfg.Variant,
		model:    cfg.Model,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		loaders: map[types.Phase]*dataset.Loader{
			types.TrainPhase: cfg.Train,
			types.ValPhase:   cfg.Val,
		},
		epochs:   cfg.Epochs,
		lr:       cfg.LearningRate,
		observer: cfg.Observer,
		progress: progress,
	}, nil
}

// Artifacts returns the checkpoints written so far.
func (t *Trainer) Artifacts() []checkpoint.Artifact {
	return t.artifacts
}

// Fit runs every epoch. Cancelling ctx stops the run between batches.
func (t *Trainer) Fit(ctx context.Context) error {
	for epoch := 1; epoch <= t.epochs; epoch++ {
		for _, phase := range types.Phases {
			if err := t.runPhase(ctx, epoch, phase); err != nil {
				return fmt.Errorf("epoch %d %s: %w", epoch, phase, err)
			}
		}

		t.logEpoch(epoch)

		if t.observer != nil {
			if err := t.observer.EpochCompleted(ctx, epoch, t.registry); err != nil {
				return fmt.Errorf("error recording epoch %d: %w", epoch, err)
			}
		}

		written, updateErr := t.policy.Update(ctx, epoch, t.registry.IsTotalValLossUpdated(), t.model)
		for _, artifact := range written {
			t.artifacts = append(t.artifacts, artifact)
			if t.observer != nil {
				if err := t.observer.CheckpointSaved(ctx, artifact); err != nil {
					return fmt.Errorf("error recording checkpoint %s: %w", artifact.Key, err)
				}
			}
		}
		if updateErr != nil {
			return fmt.Errorf("error updating checkpoint at epoch %d: %w", epoch, updateErr)
		}
	}

	return nil
}

func (t *Trainer) runPhase(ctx context.Context, epoch int, phase types.Phase) error {
	loader := t.loaders[phase]

	t.model.SetTraining(phase == types.TrainPhase)
	t.registry.BeginPhase(phase)

	bar := t.progress(fmt.Sprintf("epoch %d/%d %s", epoch, t.epochs, phase), loader.NumBatches())

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for res := range loader.Stream(streamCtx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Err != nil {
			return fmt.Errorf("error loading batch: %w", res.Err)
		}
		if err := t.step(phase, res.Batch); err != nil {
			return err
		}
		bar.Add(1) //nolint:errcheck
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bar.Finish() //nolint:errcheck

	return t.registry.FinalizeEpochLoss(epoch, phase, loader.Len())
}

func (t *Trainer) step(phase types.Phase, batch *types.Batch) error {
	inputs, err := t.variant.Inputs(batch)
	if err != nil {
		return err
	}
	targets, err := t.variant.Targets(batch, t.registry.Labels())
	if err != nil {
		return err
	}
	periods, err := t.variant.Periods(batch)
	if err != nil {
		return err
	}

	outputs, err := t.model.Forward(inputs)
	if err != nil {
		return fmt.Errorf("error in forward pass: %w", err)
	}

	var params types.StateDict
	if t.variant.RequiresParameters() {
		params = t.model.Parameters()
	}

	if _, err := t.registry.ComputeBatchLoss(outputs, targets, periods, params); err != nil {
		return fmt.Errorf("error computing batch loss: %w", err)
	}

	if phase == types.TrainPhase {
		if err := t.model.Backward(t.registry.Gradients()); err != nil {
			return fmt.Errorf("error in backward pass: %w", err)
		}
		t.model.Step(t.lr)
	}

	return t.registry.AccumulateRunningLoss(batch.Size())
}

func (t *Trainer) logEpoch(epoch int) {
	for _, tracker := range t.registry.Trackers() {
		row, ok := tracker.Last()
		if !ok {
			continue
		}
		slog.Info("epoch loss", "epoch", epoch, "label", tracker.Name(), "train_loss", row.TrainLoss, "val_loss", row.ValLoss)
	}
	if t.registry.IsTotalValLossUpdated() {
		slog.Info("validation loss improved", "epoch", epoch)
	}
}

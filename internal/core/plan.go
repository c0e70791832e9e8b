package core

import (
	"fmt"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/types"
	"nervus-backend/pkg/api"
)

const DefaultSurvivalL2 = 1e-4

// RunPlan is a validated RunConfig. Every configuration error is reported by
// PlanRun, before any model or dataset is allocated.
type RunPlan struct {
	Name    string
	Task    types.TaskType
	Variant Variant
	Labels  []types.InternalLabel
	Weights map[string]float64

	Epochs       int
	LearningRate float64
	BatchSize    int
	Policy       checkpoint.Policy
	SurvivalL2   float64
	Seed         int64

	Dataset api.DatasetConfig
}

func defaultObjective(task types.TaskType) types.ObjectiveKind {
	switch task {
	case types.Classification:
		return types.ClassificationObjective
	case types.Survival:
		return types.SurvivalObjective
	default:
		return types.RegressionObjective
	}
}

func PlanRun(cfg api.RunConfig) (RunPlan, error) {
	task, err := types.ParseTaskType(cfg.Task)
	if err != nil {
		return RunPlan{}, err
	}

	variant, err := SelectVariant(task, cfg.Tabular, cfg.Image)
	if err != nil {
		return RunPlan{}, err
	}

	policy, err := checkpoint.ParsePolicy(cfg.SavePolicy)
	if err != nil {
		return RunPlan{}, err
	}

	if cfg.Epochs < 1 {
		return RunPlan{}, fmt.Errorf("%w: epochs must be at least 1, got %d", types.ErrConfiguration, cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		return RunPlan{}, fmt.Errorf("%w: batch size must be at least 1, got %d", types.ErrConfiguration, cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return RunPlan{}, fmt.Errorf("%w: learning rate must be positive, got %v", types.ErrConfiguration, cfg.LearningRate)
	}
	if cfg.Dataset.ManifestKey == "" {
		return RunPlan{}, fmt.Errorf("%w: dataset manifest key is required", types.ErrConfiguration)
	}
	if cfg.Image && (cfg.Dataset.ImageWidth < 1 || cfg.Dataset.ImageHeight < 1) {
		return RunPlan{}, fmt.Errorf("%w: image width and height are required for image inputs", types.ErrConfiguration)
	}

	if len(cfg.Labels) == 0 {
		return RunPlan{}, fmt.Errorf("%w: at least one label is required", types.ErrConfiguration)
	}

	labels := make([]types.InternalLabel, 0, len(cfg.Labels))
	weights := make(map[string]float64)
	seen := make(map[string]bool, len(cfg.Labels))
	for _, lc := range cfg.Labels {
		if lc.Name == "" || lc.Name == loss.TotalName {
			return RunPlan{}, fmt.Errorf("%w: invalid label name '%s'", types.ErrConfiguration, lc.Name)
		}
		if seen[lc.Name] {
			return RunPlan{}, fmt.Errorf("%w: duplicate label '%s'", types.ErrConfiguration, lc.Name)
		}
		seen[lc.Name] = true

		objective := defaultObjective(task)
		if lc.Objective != "" {
			if objective, err = types.ParseObjectiveKind(lc.Objective); err != nil {
				return RunPlan{}, err
			}
		}

		// Survival objectives need periods, which only survival variants provide.
		if (objective == types.SurvivalObjective) != (task == types.Survival) {
			return RunPlan{}, fmt.Errorf("%w: label '%s' has objective '%s' which cannot be used with task '%s'", types.ErrConfiguration, lc.Name, objective, task)
		}

		outputs := 1
		if objective == types.ClassificationObjective {
			if lc.NumClasses == 1 || lc.NumClasses < 0 {
				return RunPlan{}, fmt.Errorf("%w: label '%s' needs at least 2 classes, got %d", types.ErrConfiguration, lc.Name, lc.NumClasses)
			}
			outputs = lc.NumClasses
		}

		if lc.Weight != nil {
			if *lc.Weight < 0 {
				return RunPlan{}, fmt.Errorf("%w: label '%s' has negative weight %v", types.ErrConfiguration, lc.Name, *lc.Weight)
			}
			weights[lc.Name] = *lc.Weight
		}

		labels = append(labels, types.InternalLabel{Name: lc.Name, Objective: objective, NumOutputs: outputs})
	}

	l2 := DefaultSurvivalL2
	if cfg.SurvivalL2 != nil {
		if *cfg.SurvivalL2 < 0 {
			return RunPlan{}, fmt.Errorf("%w: survival l2 must not be negative, got %v", types.ErrConfiguration, *cfg.SurvivalL2)
		}
		l2 = *cfg.SurvivalL2
	}

	if len(weights) == 0 {
		weights = nil
	}

	return RunPlan{
		Name:         cfg.Name,
		Task:         task,
		Variant:      variant,
		Labels:       labels,
		Weights:      weights,
		Epochs:       cfg.Epochs,
		LearningRate: cfg.LearningRate,
		BatchSize:    cfg.BatchSize,
		Policy:       policy,
		SurvivalL2:   l2,
		Seed:         cfg.Seed,
		Dataset:      cfg.Dataset,
	}, nil
}

// ResolveLabels fills in class counts that were left for the dataset to
// decide, then checks that the manifest can serve the plan.
func (p *RunPlan) ResolveLabels(manifest *dataset.Manifest) error {
	for i, label := range p.Labels {
		if label.Objective == types.ClassificationObjective && label.NumOutputs == 0 {
			n := manifest.NumClasses(label.Name)
			if n < 2 {
				return fmt.Errorf("%w: label '%s' has %d classes in the dataset, at least 2 are required", types.ErrConfiguration, label.Name, n)
			}
			p.Labels[i].NumOutputs = n
		}
	}

	return manifest.Validate(p.Labels, p.Variant.UsesTabular(), p.Variant.UsesImage())
}

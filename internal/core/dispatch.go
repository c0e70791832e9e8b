package core

import (
	"fmt"

	"nervus-backend/internal/core/types"
)

type Modality int

const (
	TabularModality Modality = iota
	ImageModality
	FusionModality
)

func (m Modality) String() string {
	switch m {
	case TabularModality:
		return "tabular"
	case ImageModality:
		return "image"
	case FusionModality:
		return "fusion"
	default:
		return fmt.Sprintf("modality(%d)", int(m))
	}
}

type Family int

const (
	StandardFamily Family = iota
	SurvivalFamily
)

type variantKey struct {
	modality Modality
	family   Family
}

var variantNames = map[variantKey]string{
	{TabularModality, StandardFamily}: "MLPModel",
	{ImageModality, StandardFamily}:   "CVModel",
	{FusionModality, StandardFamily}:  "FusionModel",
	{TabularModality, SurvivalFamily}: "MLPDeepSurv",
	{ImageModality, SurvivalFamily}:   "CVDeepSurv",
	{FusionModality, SurvivalFamily}:  "FusionDeepSurv",
}

// Variant decides which inputs a batch contributes to the model and what the
// loss needs besides the predictions. It is fixed for the lifetime of a run.
type Variant struct {
	Modality Modality
	Family   Family
}

// SelectVariant maps a task type and the configured input modalities to a
// model variant.
func SelectVariant(task types.TaskType, hasTabular, hasImage bool) (Variant, error) {
	parsed, err := types.ParseTaskType(string(task))
	if err != nil {
		return Variant{}, err
	}

	family := StandardFamily
	if parsed == types.Survival {
		family = SurvivalFamily
	}

	var modality Modality
	switch {
	case hasTabular && hasImage:
		modality = FusionModality
	case hasTabular:
		modality = TabularModality
	case hasImage:
		modality = ImageModality
	default:
		return Variant{}, fmt.Errorf("%w: cannot identify model type for %s, no tabular or image inputs configured", types.ErrConfiguration, parsed)
	}

	return Variant{Modality: modality, Family: family}, nil
}

func (v Variant) Name() string {
	if name, ok := variantNames[variantKey{v.Modality, v.Family}]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%s, %d)", v.Modality, v.Family)
}

func (v Variant) String() string {
	return v.Name()
}

func (v Variant) UsesTabular() bool {
	return v.Modality == TabularModality || v.Modality == FusionModality
}

func (v Variant) UsesImage() bool {
	return v.Modality == ImageModality || v.Modality == FusionModality
}

// RequiresParameters reports whether the loss regularizes on the model
// parameters, in which case they are passed to ComputeBatchLoss.
func (v Variant) RequiresParameters() bool {
	return v.Family == SurvivalFamily
}

func (v Variant) Inputs(batch *types.Batch) (types.Inputs, error) {
	var inputs types.Inputs
	if v.UsesTabular() {
		if batch.Tabular == nil {
			return types.Inputs{}, fmt.Errorf("%w: %s requires tabular inputs", types.ErrConfiguration, v)
		}
		inputs.Tabular = batch.Tabular
	}
	if v.UsesImage() {
		if batch.Image == nil {
			return types.Inputs{}, fmt.Errorf("%w: %s requires image inputs", types.ErrConfiguration, v)
		}
		inputs.Image = batch.Image
	}
	return inputs, nil
}

func (v Variant) Targets(batch *types.Batch, labels []types.InternalLabel) (map[string][]float64, error) {
	targets := make(map[string][]float64, len(labels))
	for _, label := range labels {
		values, ok := batch.Targets[label.Name]
		if !ok {
			return nil, fmt.Errorf("%w: batch has no targets for label '%s'", types.ErrConfiguration, label.Name)
		}
		targets[label.Name] = values
	}
	return targets, nil
}

// Periods returns the per-sample event times for survival variants and nil
// otherwise.
func (v Variant) Periods(batch *types.Batch) ([]float64, error) {
	if v.Family != SurvivalFamily {
		return nil, nil
	}
	if len(batch.Periods) != batch.Size() {
		return nil, fmt.Errorf("%w: %s requires a period for each of the %d samples, got %d", types.ErrConfiguration, v, batch.Size(), len(batch.Periods))
	}
	return batch.Periods, nil
}

package types

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var ErrConfiguration = errors.New("invalid configuration")

type TaskType string

const (
	Classification TaskType = "classification"
	Regression     TaskType = "regression"
	Survival       TaskType = "survival"
)

// ParseTaskType accepts "deepsurv" as an alias of survival, the name used by
// older run configurations.
func ParseTaskType(s string) (TaskType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Classification):
		return Classification, nil
	case string(Regression):
		return Regression, nil
	case string(Survival), "deepsurv":
		return Survival, nil
	default:
		return "", fmt.Errorf("%w: unrecognized task type '%s'", ErrConfiguration, s)
	}
}

type ObjectiveKind string

const (
	ClassificationObjective ObjectiveKind = "classification"
	RegressionObjective     ObjectiveKind = "regression"
	SurvivalObjective       ObjectiveKind = "survival"
)

func ParseObjectiveKind(s string) (ObjectiveKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ClassificationObjective):
		return ClassificationObjective, nil
	case string(RegressionObjective):
		return RegressionObjective, nil
	case string(SurvivalObjective), "deepsurv":
		return SurvivalObjective, nil
	default:
		return "", fmt.Errorf("%w: unrecognized objective '%s'", ErrConfiguration, s)
	}
}

// InternalLabel is one prediction target trained jointly with the others.
// NumOutputs is the number of classes for classification and 1 otherwise.
type InternalLabel struct {
	Name       string
	Objective  ObjectiveKind
	NumOutputs int
}

// DisplayName strips the "internal_" prefix used by dataset column names.
func (l InternalLabel) DisplayName() string {
	return DisplayLabelName(l.Name)
}

func DisplayLabelName(name string) string {
	return strings.TrimPrefix(name, "internal_")
}

type Phase string

const (
	TrainPhase Phase = "train"
	ValPhase   Phase = "val"
)

var Phases = []Phase{TrainPhase, ValPhase}

// Outputs maps a label name to a [batch x NumOutputs] matrix.
type Outputs map[string]*mat.Dense

// StateDict maps a parameter name to its values.
type StateDict map[string]*mat.Dense

// Clone returns a deep copy, so later mutation of the source parameters does
// not leak into the copy.
func (s StateDict) Clone() StateDict {
	out := make(StateDict, len(s))
	for name, m := range s {
		out[name] = mat.DenseCopyOf(m)
	}
	return out
}

type Inputs struct {
	Tabular *mat.Dense
	Image   *mat.Dense
}

// Gradients carries d(total loss)/d(output) per label, plus gradients with
// respect to parameters for terms that regularize on them directly.
type Gradients struct {
	Outputs    map[string]*mat.Dense
	Parameters map[string]*mat.Dense
}

// Batch is one unit of work handed from the data loader to the trainer.
// Image rows are flattened grayscale pixels. Targets hold a class index for
// classification, the value for regression, and the event indicator (1 event,
// 0 censored) for survival labels. Periods holds the elapsed time per sample.
type Batch struct {
	IDs          []string
	Splits       []string
	Institutions []string
	Tabular      *mat.Dense
	Image        *mat.Dense
	Periods      []float64
	Targets      map[string][]float64
}

func (b *Batch) Size() int {
	return len(b.IDs)
}

type Trainable interface {
	Forward(inputs Inputs) (Outputs, error)

	Backward(grads Gradients) error

	Step(lr float64)

	// Parameters returns the live parameters. Callers must not mutate them.
	Parameters() StateDict

	SetTraining(training bool)
}

type Checkpointable interface {
	// StateDict returns a deep copy of the parameters.
	StateDict() StateDict

	LoadStateDict(state StateDict) error
}

type Model interface {
	Trainable
	Checkpointable
}

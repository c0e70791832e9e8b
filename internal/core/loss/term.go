package loss

import (
	"fmt"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

// runningLoss is the batch-size weighted sum of batch losses for one phase of
// one epoch.
type runningLoss struct {
	sum     float64
	samples int
}

func (r *runningLoss) add(batchLoss float64, batchSize int) {
	r.sum += batchLoss * float64(batchSize)
	r.samples += batchSize
}

func (r *runningLoss) reset() {
	r.sum = 0
	r.samples = 0
}

// LossTerm owns the objective and tracker of a single internal label.
type LossTerm struct {
	label     types.InternalLabel
	objective Objective
	weight    float64
	tracker   *EpochLossTracker

	batchLoss  float64
	batchGrad  *mat.Dense
	paramGrads map[string]*mat.Dense

	running map[types.Phase]*runningLoss
}

func newLossTerm(label types.InternalLabel, objective Objective, weight float64) *LossTerm {
	return &LossTerm{
		label:     label,
		objective: objective,
		weight:    weight,
		tracker:   NewEpochLossTracker(label.Name),
		running:   newRunning(),
	}
}

func newRunning() map[types.Phase]*runningLoss {
	running := make(map[types.Phase]*runningLoss, len(types.Phases))
	for _, phase := range types.Phases {
		running[phase] = &runningLoss{}
	}
	return running
}

func (t *LossTerm) Label() types.InternalLabel {
	return t.label
}

func (t *LossTerm) Weight() float64 {
	return t.weight
}

func (t *LossTerm) Tracker() *EpochLossTracker {
	return t.tracker
}

// BatchLoss is the unweighted loss of the last computed batch.
func (t *LossTerm) BatchLoss() float64 {
	return t.batchLoss
}

type termResult struct {
	loss       float64
	grad       *mat.Dense
	paramGrads map[string]*mat.Dense
}

func (t *LossTerm) evaluate(pred *mat.Dense, target []float64, periods []float64, params types.StateDict) (termResult, error) {
	value, grad, err := t.objective.Evaluate(pred, target, periods)
	if err != nil {
		return termResult{}, fmt.Errorf("label '%s': %w", t.label.Name, err)
	}

	res := termResult{loss: value, grad: grad}
	if reg, ok := t.objective.(Regularizer); ok && params != nil {
		penalty, grads := reg.Penalty(params)
		res.loss += penalty
		res.paramGrads = grads
	}
	return res, nil
}

func (t *LossTerm) commit(res termResult) {
	t.batchLoss = res.loss
	t.batchGrad = res.grad
	t.paramGrads = res.paramGrads
}

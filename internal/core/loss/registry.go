package loss

import (
	"fmt"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

// TotalName identifies the aggregate tracker in every query that takes a
// label name.
const TotalName = "total"

type options struct {
	weights    map[string]float64
	survivalL2 float64
}

type Option func(*options)

// WithLabelWeights scales each label's contribution to the total loss. Labels
// that are not listed keep a weight of 1.
func WithLabelWeights(weights map[string]float64) Option {
	return func(o *options) {
		o.weights = weights
	}
}

// WithSurvivalL2 sets the coefficient of the parameter L2 penalty added to
// survival objectives.
func WithSurvivalL2(l2 float64) Option {
	return func(o *options) {
		o.survivalL2 = l2
	}
}

// LossRegistry computes and tracks the losses of every internal label and of
// their weighted sum. It is not safe for concurrent use: a single training
// goroutine drives it batch by batch.
type LossRegistry struct {
	terms  []*LossTerm
	byName map[string]*LossTerm

	total        *EpochLossTracker
	totalRunning map[types.Phase]*runningLoss
	totalBatch   float64

	hasBatch bool
	phase    types.Phase
}

func NewLossRegistry(labels []types.InternalLabel, opts ...Option) (*LossRegistry, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: at least one internal label is required", types.ErrConfiguration)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	r := &LossRegistry{
		byName:       make(map[string]*LossTerm, len(labels)),
		total:        NewEpochLossTracker(TotalName),
		totalRunning: newRunning(),
		phase:        types.TrainPhase,
	}

	for _, label := range labels {
		if label.Name == TotalName {
			return nil, fmt.Errorf("%w: label name '%s' is reserved", types.ErrConfiguration, TotalName)
		}
		if _, exists := r.byName[label.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate label '%s'", types.ErrConfiguration, label.Name)
		}

		objective, err := NewObjective(label, o.survivalL2)
		if err != nil {
			return nil, err
		}

		weight := 1.0
		if w, ok := o.weights[label.Name]; ok {
			weight = w
		}

		term := newLossTerm(label, objective, weight)
		r.terms = append(r.terms, term)
		r.byName[label.Name] = term
	}

	for name := range o.weights {
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("%w: weight given for unknown label '%s'", types.ErrConfiguration, name)
		}
	}

	return r, nil
}

func (r *LossRegistry) Labels() []types.InternalLabel {
	labels := make([]types.InternalLabel, len(r.terms))
	for i, term := range r.terms {
		labels[i] = term.label
	}
	return labels
}

func (r *LossRegistry) Terms() []*LossTerm {
	return r.terms
}

// BeginPhase resets the running accumulators of the phase and makes it the
// target of AccumulateRunningLoss.
func (r *LossRegistry) BeginPhase(phase types.Phase) {
	r.phase = phase
	r.totalRunning[phase].reset()
	for _, term := range r.terms {
		term.running[phase].reset()
	}
	r.hasBatch = false
}

// ComputeBatchLoss evaluates every label's objective and returns the weighted
// total. Periods and params are only read by survival terms; params is the
// model's live parameter set. Cached values change only when every label
// succeeds.
func (r *LossRegistry) ComputeBatchLoss(outputs types.Outputs, targets map[string][]float64, periods []float64, params types.StateDict) (float64, error) {
	results := make([]termResult, len(r.terms))
	for i, term := range r.terms {
		name := term.label.Name

		pred, ok := outputs[name]
		if !ok {
			return 0, fmt.Errorf("%w: no output for label '%s'", ErrShapeMismatch, name)
		}
		target, ok := targets[name]
		if !ok {
			return 0, fmt.Errorf("%w: no target for label '%s'", ErrShapeMismatch, name)
		}

		res, err := term.evaluate(pred, target, periods, params)
		if err != nil {
			return 0, err
		}
		results[i] = res
	}

	var total float64
	for i, term := range r.terms {
		term.commit(results[i])
		total += term.weight * results[i].loss
	}
	r.totalBatch = total
	r.hasBatch = true

	return total, nil
}

// BatchLoss returns the cached batch loss of a label or of the total.
func (r *LossRegistry) BatchLoss(name string) (float64, error) {
	if name == TotalName {
		return r.totalBatch, nil
	}
	term, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w '%s'", ErrUnknownLabel, name)
	}
	return term.batchLoss, nil
}

// Gradients returns the weighted output gradients of the last batch and the
// accumulated gradients of any parameter penalties.
func (r *LossRegistry) Gradients() types.Gradients {
	grads := types.Gradients{
		Outputs:    make(map[string]*mat.Dense, len(r.terms)),
		Parameters: make(map[string]*mat.Dense),
	}

	for _, term := range r.terms {
		if term.batchGrad == nil {
			continue
		}
		var g mat.Dense
		g.Scale(term.weight, term.batchGrad)
		grads.Outputs[term.label.Name] = &g

		for name, pg := range term.paramGrads {
			var scaled mat.Dense
			scaled.Scale(term.weight, pg)
			if acc, ok := grads.Parameters[name]; ok {
				acc.Add(acc, &scaled)
			} else {
				grads.Parameters[name] = &scaled
			}
		}
	}

	return grads
}

// AccumulateRunningLoss adds the cached batch losses, weighted by batch size,
// to the current phase. It must follow exactly one ComputeBatchLoss.
func (r *LossRegistry) AccumulateRunningLoss(batchSize int) error {
	if !r.hasBatch {
		return ErrNoBatch
	}

	for _, term := range r.terms {
		term.running[r.phase].add(term.batchLoss, batchSize)
	}
	r.totalRunning[r.phase].add(r.totalBatch, batchSize)
	r.hasBatch = false

	return nil
}

// FinalizeEpochLoss records the epoch average of the phase for every label
// and for the total, then resets the phase accumulators.
func (r *LossRegistry) FinalizeEpochLoss(epoch int, phase types.Phase, datasetSize int) error {
	if datasetSize <= 0 {
		return fmt.Errorf("%w: dataset size must be positive, got %d", types.ErrConfiguration, datasetSize)
	}

	size := float64(datasetSize)
	for _, term := range r.terms {
		acc := term.running[phase]
		term.tracker.Record(epoch, phase, acc.sum/size)
		acc.reset()
	}

	acc := r.totalRunning[phase]
	r.total.Record(epoch, phase, acc.sum/size)
	acc.reset()

	return nil
}

// IsTotalValLossUpdated reports whether the latest validation epoch strictly
// improved the total loss.
func (r *LossRegistry) IsTotalValLossUpdated() bool {
	return r.total.IsValLossUpdated()
}

func (r *LossRegistry) Tracker(name string) (*EpochLossTracker, error) {
	if name == TotalName {
		return r.total, nil
	}
	term, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownLabel, name)
	}
	return term.tracker, nil
}

// Trackers returns the label trackers in label order followed by the total.
func (r *LossRegistry) Trackers() []*EpochLossTracker {
	trackers := make([]*EpochLossTracker, 0, len(r.terms)+1)
	for _, term := range r.terms {
		trackers = append(trackers, term.tracker)
	}
	return append(trackers, r.total)
}

func (r *LossRegistry) BestEpoch(name string) (int, error) {
	tracker, err := r.Tracker(name)
	if err != nil {
		return 0, err
	}
	return tracker.BestEpoch()
}

func (r *LossRegistry) BestValLoss(name string) (float64, error) {
	tracker, err := r.Tracker(name)
	if err != nil {
		return 0, err
	}
	return tracker.BestValLoss()
}

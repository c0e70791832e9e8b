package loss

import (
	"errors"
	"fmt"
	"math"

	"nervus-backend/internal/core/types"
)

var (
	ErrShapeMismatch = errors.New("prediction and target shapes do not match")
	ErrNoHistory     = errors.New("no validation loss recorded")
	ErrNoBatch       = errors.New("no batch loss computed since the last accumulation")
	ErrUnknownLabel  = errors.New("unknown label")
)

// EpochLoss is one row of a learning curve. A phase that was not recorded for
// the epoch is NaN.
type EpochLoss struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
}

// EpochLossTracker keeps the per-epoch averages of one label (or the total)
// and the best validation loss seen so far. Only a strictly lower validation
// loss counts as an improvement, so on ties the earliest epoch stays best.
//
// Epochs must be recorded in non-decreasing order.
type EpochLossTracker struct {
	name string
	rows []EpochLoss

	hasBest     bool
	bestEpoch   int
	bestValLoss float64
	valUpdated  bool
}

func NewEpochLossTracker(name string) *EpochLossTracker {
	return &EpochLossTracker{
		name:        name,
		bestValLoss: math.Inf(1),
	}
}

func (t *EpochLossTracker) Name() string {
	return t.name
}

func (t *EpochLossTracker) Record(epoch int, phase types.Phase, avg float64) {
	if len(t.rows) == 0 || t.rows[len(t.rows)-1].Epoch != epoch {
		t.rows = append(t.rows, EpochLoss{Epoch: epoch, TrainLoss: math.NaN(), ValLoss: math.NaN()})
		t.valUpdated = false
	}
	row := &t.rows[len(t.rows)-1]

	switch phase {
	case types.TrainPhase:
		row.TrainLoss = avg
	case types.ValPhase:
		row.ValLoss = avg
		t.valUpdated = avg < t.bestValLoss
		if t.valUpdated {
			t.hasBest = true
			t.bestEpoch = epoch
			t.bestValLoss = avg
		}
	}
}

// IsValLossUpdated reports whether the current epoch's validation record was
// a strict improvement. It is false until that epoch's validation is recorded.
func (t *EpochLossTracker) IsValLossUpdated() bool {
	return t.valUpdated
}

func (t *EpochLossTracker) Empty() bool {
	return len(t.rows) == 0
}

func (t *EpochLossTracker) BestEpoch() (int, error) {
	if !t.hasBest {
		return 0, fmt.Errorf("%w for '%s'", ErrNoHistory, t.name)
	}
	return t.bestEpoch, nil
}

func (t *EpochLossTracker) BestValLoss() (float64, error) {
	if !t.hasBest {
		return 0, fmt.Errorf("%w for '%s'", ErrNoHistory, t.name)
	}
	return t.bestValLoss, nil
}

func (t *EpochLossTracker) Rows() []EpochLoss {
	out := make([]EpochLoss, len(t.rows))
	copy(out, t.rows)
	return out
}

// Last returns the most recent row and false if nothing was recorded yet.
func (t *EpochLossTracker) Last() (EpochLoss, bool) {
	if len(t.rows) == 0 {
		return EpochLoss{}, false
	}
	return t.rows[len(t.rows)-1], true
}

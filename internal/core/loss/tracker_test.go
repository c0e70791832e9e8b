package loss

import (
	"math"
	"math/rand"
	"testing"

	"nervus-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerBestIsEarliestMinimum(t *testing.T) {
	tracker := NewEpochLossTracker("total")

	_, err := tracker.BestEpoch()
	assert.ErrorIs(t, err, ErrNoHistory)
	_, err = tracker.BestValLoss()
	assert.ErrorIs(t, err, ErrNoHistory)

	vals := []float64{0.5, 0.3, 0.3, 0.4, 0.3}
	updated := []bool{}
	for i, v := range vals {
		tracker.Record(i+1, types.TrainPhase, v+1)
		tracker.Record(i+1, types.ValPhase, v)
		updated = append(updated, tracker.IsValLossUpdated())
	}

	assert.Equal(t, []bool{true, true, false, false, false}, updated)

	epoch, err := tracker.BestEpoch()
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)

	best, err := tracker.BestValLoss()
	require.NoError(t, err)
	assert.Equal(t, 0.3, best)

	rows := tracker.Rows()
	require.Len(t, rows, len(vals))
	assert.Equal(t, 4, rows[3].Epoch)
	assert.InDelta(t, 1.4, rows[3].TrainLoss, 1e-12)
	assert.Equal(t, 0.4, rows[3].ValLoss)
}

func TestTrackerTrainOnly(t *testing.T) {
	tracker := NewEpochLossTracker("internal_a")
	tracker.Record(1, types.TrainPhase, 0.7)

	assert.False(t, tracker.Empty())
	assert.False(t, tracker.IsValLossUpdated())
	_, err := tracker.BestEpoch()
	assert.ErrorIs(t, err, ErrNoHistory)

	last, ok := tracker.Last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Epoch)
	assert.True(t, math.IsNaN(last.ValLoss))
}

func TestTrackerUpdateFlagClearsOnNewEpoch(t *testing.T) {
	tracker := NewEpochLossTracker("total")

	tracker.Record(1, types.TrainPhase, 0.9)
	tracker.Record(1, types.ValPhase, 0.5)
	assert.True(t, tracker.IsValLossUpdated())

	tracker.Record(2, types.TrainPhase, 0.8)
	assert.False(t, tracker.IsValLossUpdated())

	tracker.Record(2, types.ValPhase, 0.4)
	assert.True(t, tracker.IsValLossUpdated())
}

func TestTrackerBestMatchesFirstArgmin(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	// Few distinct values so ties are common.
	choices := []float64{0.1, 0.2, 0.3, 0.4}

	for i := 0; i < 200; i++ {
		vals := make([]float64, 1+rng.Intn(12))
		for j := range vals {
			vals[j] = choices[rng.Intn(len(choices))]
		}

		tracker := NewEpochLossTracker("total")
		wantLoss, wantEpoch := math.Inf(1), 0
		for j, v := range vals {
			epoch := j + 1
			tracker.Record(epoch, types.TrainPhase, v)
			tracker.Record(epoch, types.ValPhase, v)

			assert.Equal(t, v < wantLoss, tracker.IsValLossUpdated(), "sequence %v epoch %d", vals, epoch)
			if v < wantLoss {
				wantLoss, wantEpoch = v, epoch
			}
		}

		epoch, err := tracker.BestEpoch()
		require.NoError(t, err)
		assert.Equal(t, wantEpoch, epoch, "sequence %v", vals)

		best, err := tracker.BestValLoss()
		require.NoError(t, err)
		assert.Equal(t, wantLoss, best, "sequence %v", vals)
	}
}

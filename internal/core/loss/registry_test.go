package loss

import (
	"testing"

	"nervus-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var testLabels = []types.InternalLabel{
	{Name: "internal_cls", Objective: types.ClassificationObjective, NumOutputs: 2},
	{Name: "internal_reg", Objective: types.RegressionObjective, NumOutputs: 1},
}

func testOutputs() (types.Outputs, map[string][]float64) {
	outputs := types.Outputs{
		"internal_cls": mat.NewDense(2, 2, []float64{0.5, -0.5, 0.1, 0.2}),
		"internal_reg": mat.NewDense(2, 1, []float64{1.5, -1}),
	}
	targets := map[string][]float64{
		"internal_cls": {0, 1},
		"internal_reg": {1, 0},
	}
	return outputs, targets
}

func TestRegistryTotalIsSumOfLabels(t *testing.T) {
	registry, err := NewLossRegistry(testLabels)
	require.NoError(t, err)

	outputs, targets := testOutputs()
	total, err := registry.ComputeBatchLoss(outputs, targets, nil, nil)
	require.NoError(t, err)

	cls, err := registry.BatchLoss("internal_cls")
	require.NoError(t, err)
	reg, err := registry.BatchLoss("internal_reg")
	require.NoError(t, err)

	assert.Equal(t, cls+reg, total)
	cached, err := registry.BatchLoss(TotalName)
	require.NoError(t, err)
	assert.Equal(t, total, cached)
}

func TestRegistryWeights(t *testing.T) {
	registry, err := NewLossRegistry(testLabels, WithLabelWeights(map[string]float64{"internal_reg": 2}))
	require.NoError(t, err)

	outputs, targets := testOutputs()
	total, err := registry.ComputeBatchLoss(outputs, targets, nil, nil)
	require.NoError(t, err)

	cls, _ := registry.BatchLoss("internal_cls")
	reg, _ := registry.BatchLoss("internal_reg")
	assert.InDelta(t, cls+2*reg, total, 1e-12)

	grads := registry.Gradients()
	require.Contains(t, grads.Outputs, "internal_reg")
	// MSE gradient for the first sample is 2*(1.5-1)/2, doubled by the weight
	assert.InDelta(t, 1.0, grads.Outputs["internal_reg"].At(0, 0), 1e-12)

	weights := map[string]float64{}
	for _, term := range registry.Terms() {
		weights[term.Label().Name] = term.Weight()
		assert.Equal(t, term.Label().Name, term.Tracker().Name())
	}
	assert.Equal(t, map[string]float64{"internal_cls": 1, "internal_reg": 2}, weights)

	_, err = NewLossRegistry(testLabels, WithLabelWeights(map[string]float64{"internal_other": 2}))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestRegistryRunningLossRecoversBatchMean(t *testing.T) {
	registry, err := NewLossRegistry([]types.InternalLabel{
		{Name: "internal_reg", Objective: types.RegressionObjective, NumOutputs: 1},
	})
	require.NoError(t, err)

	registry.BeginPhase(types.TrainPhase)

	batches := [][]float64{{1, 3}, {2, 2}, {0, 4}}
	var sum float64
	for _, preds := range batches {
		loss, err := registry.ComputeBatchLoss(
			types.Outputs{"internal_reg": mat.NewDense(2, 1, preds)},
			map[string][]float64{"internal_reg": {0, 0}},
			nil, nil,
		)
		require.NoError(t, err)
		sum += loss
		require.NoError(t, registry.AccumulateRunningLoss(2))
	}

	require.NoError(t, registry.FinalizeEpochLoss(1, types.TrainPhase, 6))

	tracker, err := registry.Tracker("internal_reg")
	require.NoError(t, err)
	last, ok := tracker.Last()
	require.True(t, ok)
	assert.InDelta(t, sum/float64(len(batches)), last.TrainLoss, 1e-12)

	total, err := registry.Tracker(TotalName)
	require.NoError(t, err)
	totalLast, _ := total.Last()
	assert.InDelta(t, last.TrainLoss, totalLast.TrainLoss, 1e-12)
}

func TestRegistryAccumulateWithoutBatch(t *testing.T) {
	registry, err := NewLossRegistry(testLabels)
	require.NoError(t, err)

	assert.ErrorIs(t, registry.AccumulateRunningLoss(4), ErrNoBatch)

	outputs, targets := testOutputs()
	_, err = registry.ComputeBatchLoss(outputs, targets, nil, nil)
	require.NoError(t, err)
	require.NoError(t, registry.AccumulateRunningLoss(2))
	assert.ErrorIs(t, registry.AccumulateRunningLoss(2), ErrNoBatch)
}

func TestRegistryShapeMismatchLeavesCacheUntouched(t *testing.T) {
	registry, err := NewLossRegistry(testLabels)
	require.NoError(t, err)

	outputs, targets := testOutputs()
	first, err := registry.ComputeBatchLoss(outputs, targets, nil, nil)
	require.NoError(t, err)

	outputs["internal_reg"] = mat.NewDense(3, 1, nil)
	outputs["internal_cls"] = mat.NewDense(2, 2, nil)
	_, err = registry.ComputeBatchLoss(outputs, targets, nil, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	cached, _ := registry.BatchLoss(TotalName)
	assert.Equal(t, first, cached)

	delete(outputs, "internal_reg")
	_, err = registry.ComputeBatchLoss(outputs, targets, nil, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRegistryValidationImprovement(t *testing.T) {
	registry, err := NewLossRegistry([]types.InternalLabel{
		{Name: "internal_reg", Objective: types.RegressionObjective, NumOutputs: 1},
	})
	require.NoError(t, err)

	var updates []bool
	for epoch, pred := range []float64{0.5, 0.4, 0.4, 0.3} {
		registry.BeginPhase(types.ValPhase)
		// single sample, loss is pred squared
		_, err := registry.ComputeBatchLoss(
			types.Outputs{"internal_reg": mat.NewDense(1, 1, []float64{pred})},
			map[string][]float64{"internal_reg": {0}},
			nil, nil,
		)
		require.NoError(t, err)
		require.NoError(t, registry.AccumulateRunningLoss(1))
		require.NoError(t, registry.FinalizeEpochLoss(epoch+1, types.ValPhase, 1))
		updates = append(updates, registry.IsTotalValLossUpdated())
	}

	assert.Equal(t, []bool{true, true, false, true}, updates)

	best, err := registry.BestEpoch(TotalName)
	require.NoError(t, err)
	assert.Equal(t, 4, best)

	_, err = registry.BestEpoch("internal_missing")
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestRegistrySurvivalPenalty(t *testing.T) {
	registry, err := NewLossRegistry([]types.InternalLabel{
		{Name: "internal_event", Objective: types.SurvivalObjective, NumOutputs: 1},
	}, WithSurvivalL2(0.1))
	require.NoError(t, err)

	outputs := types.Outputs{"internal_event": mat.NewDense(2, 1, []float64{0, 0})}
	targets := map[string][]float64{"internal_event": {1, 0}}
	periods := []float64{1, 2}
	params := types.StateDict{"w": mat.NewDense(1, 1, []float64{2})}

	withoutParams, err := registry.ComputeBatchLoss(outputs, targets, periods, nil)
	require.NoError(t, err)
	withParams, err := registry.ComputeBatchLoss(outputs, targets, periods, params)
	require.NoError(t, err)

	assert.InDelta(t, 0.1*4, withParams-withoutParams, 1e-12)
	grads := registry.Gradients()
	require.Contains(t, grads.Parameters, "w")
	assert.InDelta(t, 0.4, grads.Parameters["w"].At(0, 0), 1e-12)
}

func TestNewLossRegistryValidation(t *testing.T) {
	_, err := NewLossRegistry(nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewLossRegistry([]types.InternalLabel{{Name: TotalName, Objective: types.RegressionObjective, NumOutputs: 1}})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewLossRegistry([]types.InternalLabel{testLabels[1], testLabels[1]})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

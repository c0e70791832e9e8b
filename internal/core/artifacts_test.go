package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"path"
	"strings"
	"testing"

	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearningCurveName(t *testing.T) {
	assert.Equal(t,
		"learning_curve_y_val-best_epoch-012_val-best-loss-0.1235.csv",
		LearningCurveName("internal_y", 12, 0.123456),
	)
	assert.Equal(t,
		"learning_curve_total_val-best_epoch-000_val-best-loss-NaN.csv",
		LearningCurveName(loss.TotalName, 0, math.NaN()),
	)
}

func TestWriteLearningCurve(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLearningCurve(&buf, []loss.EpochLoss{
		{Epoch: 1, TrainLoss: 0.5, ValLoss: 0.25},
		{Epoch: 2, TrainLoss: 0.4, ValLoss: math.NaN()},
	}))

	assert.Equal(t, "train_loss,val_loss\n0.5,0.25\n0.4,\n", buf.String())
}

func TestSaveLearningCurves(t *testing.T) {
	labels := []types.InternalLabel{{Name: "internal_y", Objective: types.RegressionObjective, NumOutputs: 1}}
	registry, err := loss.NewLossRegistry(labels)
	require.NoError(t, err)

	store := setupStorage(t)
	keys, err := SaveLearningCurves(context.Background(), store, testBucket, "runs/a", registry)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"runs/a/learning_curves/learning_curve_y_val-best_epoch-000_val-best-loss-NaN.csv",
		"runs/a/learning_curves/learning_curve_total_val-best_epoch-000_val-best-loss-NaN.csv",
	}, keys)

	data, err := store.GetObject(context.Background(), testBucket, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "train_loss,val_loss\n", string(data))
}

func TestParameterRows(t *testing.T) {
	cfg := regressionConfig("best")
	cfg.Labels[0].Weight = ptr(0.5)
	plan, err := PlanRun(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteParameters(&buf, ParameterRows(cfg, plan)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"option", "parameter"}, records[0])

	params := make(map[string]string, len(records))
	for _, record := range records[1:] {
		params[record[0]] = record[1]
	}
	assert.Equal(t, "linear", params["name"])
	assert.Equal(t, "MLPModel", params["model"])
	assert.Equal(t, "internal_y", params["label_list"])
	assert.Equal(t, "0.5", params["label_weight_list"])
	assert.Equal(t, "best", params["save_weight_policy"])
	assert.Equal(t, "NONE_IN_TRAINING", params["survival_l2"])
	assert.Equal(t, "NONE_IN_TRAINING", params["dataset_bucket"])
	assert.Equal(t, "datasets/linear.csv", params["manifest_key"])
}

func TestScalerRoundTrip(t *testing.T) {
	samples := []dataset.Sample{{Inputs: []float64{1, 10}}, {Inputs: []float64{3, 20}}}
	scaler, err := dataset.FitMinMaxScaler([]string{"input_a", "input_b"}, samples)
	require.NoError(t, err)

	store := setupStorage(t)
	key, err := SaveScaler(context.Background(), store, testBucket, "runs/a", scaler)
	require.NoError(t, err)
	assert.Equal(t, path.Join("runs/a", ScalerFile), key)

	loaded, err := LoadScaler(context.Background(), store, testBucket, "runs/a")
	require.NoError(t, err)
	assert.Equal(t, scaler, loaded)

	_, err = LoadScaler(context.Background(), store, testBucket, "runs/missing")
	assert.Error(t, err)
}

func TestLikelihoodName(t *testing.T) {
	assert.Equal(t, "likelihood_weight_epoch-004-best.csv", LikelihoodName("runs/a/weights/weight_epoch-004-best.safetensors"))
	assert.Equal(t, "runs/a/likelihoods/likelihood_weight_epoch-002.csv", LikelihoodKey("runs/a", "weight_epoch-002.safetensors"))
}

func TestLikelihoodHeader(t *testing.T) {
	labels := []types.InternalLabel{
		{Name: "internal_c", Objective: types.ClassificationObjective, NumOutputs: 2},
		{Name: "internal_y", Objective: types.RegressionObjective, NumOutputs: 1},
	}
	assert.Equal(t,
		"id,split,internal_c,internal_y,pred_internal_c_0,pred_internal_c_1,pred_internal_y",
		strings.Join(likelihoodHeader(labels, false, false), ","),
	)
	assert.Equal(t,
		"id,split,period,internal_y,pred_internal_y",
		strings.Join(likelihoodHeader(labels[1:], false, true), ","),
	)
	assert.Equal(t,
		"id,split,institution,period,internal_y,pred_internal_y",
		strings.Join(likelihoodHeader(labels[1:], true, true), ","),
	)
}

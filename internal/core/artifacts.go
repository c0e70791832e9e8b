package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/types"
	"nervus-backend/pkg/api"
)

const (
	LearningCurvesDir = "learning_curves"
	LikelihoodsDir    = "likelihoods"
	ParameterFile     = "parameter.csv"
	ScalerFile        = "scaler.json"

	noneInTraining = "NONE_IN_TRAINING"
)

// LearningCurveName encodes the best validation epoch and loss of a label in
// the file name, so runs can be compared by listing the directory.
func LearningCurveName(label string, bestEpoch int, bestValLoss float64) string {
	return fmt.Sprintf("learning_curve_%s_val-best_epoch-%03d_val-best-loss-%.4f.csv", types.DisplayLabelName(label), bestEpoch, bestValLoss)
}

func formatLoss(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteLearningCurve writes one row per epoch in order, so the row position
// is the epoch.
func WriteLearningCurve(w io.Writer, rows []loss.EpochLoss) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"train_loss", "val_loss"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{formatLoss(row.TrainLoss), formatLoss(row.ValLoss)}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// SaveLearningCurves writes one csv per label and one for the total under
// <prefix>/learning_curves and returns the keys written.
func SaveLearningCurves(ctx context.Context, store checkpoint.Store, bucket, prefix string, registry *loss.LossRegistry) ([]string, error) {
	var keys []string
	for _, tracker := range registry.Trackers() {
		bestEpoch, err := tracker.BestEpoch()
		if err != nil && !errors.Is(err, loss.ErrNoHistory) {
			return nil, err
		}
		bestValLoss := math.NaN()
		if err == nil {
			bestValLoss, _ = tracker.BestValLoss()
		}

		var buf bytes.Buffer
		if err := WriteLearningCurve(&buf, tracker.Rows()); err != nil {
			return nil, fmt.Errorf("error encoding learning curve for '%s': %w", tracker.Name(), err)
		}

		key := path.Join(prefix, LearningCurvesDir, LearningCurveName(tracker.Name(), bestEpoch, bestValLoss))
		if err := store.PutObject(ctx, bucket, key, &buf); err != nil {
			return nil, fmt.Errorf("error writing learning curve %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func optional[T any](v *T, format func(T) string) string {
	if v == nil {
		return noneInTraining
	}
	return format(*v)
}

func orNone(s string) string {
	if s == "" {
		return noneInTraining
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParameterRows flattens a run configuration into option/parameter pairs.
// Settings that were not given are recorded as NONE_IN_TRAINING.
func ParameterRows(cfg api.RunConfig, plan RunPlan) [][2]string {
	names := make([]string, len(plan.Labels))
	objectives := make([]string, len(plan.Labels))
	outputs := make([]string, len(plan.Labels))
	weights := make([]string, len(cfg.Labels))
	for i, label := range plan.Labels {
		names[i] = label.Name
		objectives[i] = string(label.Objective)
		outputs[i] = strconv.Itoa(label.NumOutputs)
	}
	for i, lc := range cfg.Labels {
		weights[i] = optional(lc.Weight, formatFloat)
	}

	return [][2]string{
		{"name", orNone(cfg.Name)},
		{"task", string(plan.Task)},
		{"model", plan.Variant.Name()},
		{"tabular", strconv.FormatBool(cfg.Tabular)},
		{"image", strconv.FormatBool(cfg.Image)},
		{"label_list", strings.Join(names, ",")},
		{"objective_list", strings.Join(objectives, ",")},
		{"num_outputs_list", strings.Join(outputs, ",")},
		{"label_weight_list", strings.Join(weights, ",")},
		{"epochs", strconv.Itoa(cfg.Epochs)},
		{"learning_rate", formatFloat(cfg.LearningRate)},
		{"batch_size", strconv.Itoa(cfg.BatchSize)},
		{"save_weight_policy", string(plan.Policy)},
		{"survival_l2", optional(cfg.SurvivalL2, formatFloat)},
		{"seed", strconv.FormatInt(cfg.Seed, 10)},
		{"dataset_bucket", orNone(cfg.Dataset.Bucket)},
		{"manifest_key", orNone(cfg.Dataset.ManifestKey)},
		{"image_prefix", orNone(cfg.Dataset.ImagePrefix)},
		{"image_width", strconv.Itoa(cfg.Dataset.ImageWidth)},
		{"image_height", strconv.Itoa(cfg.Dataset.ImageHeight)},
	}
}

func WriteParameters(w io.Writer, rows [][2]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"option", "parameter"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write(row[:]); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func SaveParameters(ctx context.Context, store checkpoint.Store, bucket, prefix string, cfg api.RunConfig, plan RunPlan) (string, error) {
	var buf bytes.Buffer
	if err := WriteParameters(&buf, ParameterRows(cfg, plan)); err != nil {
		return "", fmt.Errorf("error encoding parameters: %w", err)
	}

	key := path.Join(prefix, ParameterFile)
	if err := store.PutObject(ctx, bucket, key, &buf); err != nil {
		return "", fmt.Errorf("error writing parameters %s: %w", key, err)
	}
	return key, nil
}

func SaveScaler(ctx context.Context, store checkpoint.Store, bucket, prefix string, scaler *dataset.MinMaxScaler) (string, error) {
	var buf bytes.Buffer
	if err := scaler.Save(&buf); err != nil {
		return "", fmt.Errorf("error encoding scaler: %w", err)
	}

	key := path.Join(prefix, ScalerFile)
	if err := store.PutObject(ctx, bucket, key, &buf); err != nil {
		return "", fmt.Errorf("error writing scaler %s: %w", key, err)
	}
	return key, nil
}

func LoadScaler(ctx context.Context, store checkpoint.Store, bucket, prefix string) (*dataset.MinMaxScaler, error) {
	key := path.Join(prefix, ScalerFile)
	data, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("error reading scaler %s: %w", key, err)
	}
	return dataset.LoadScaler(bytes.NewReader(data))
}

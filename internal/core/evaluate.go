package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/linear"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/types"
	"nervus-backend/pkg/api"
)

var defaultEvalSplits = []string{dataset.TrainSplit, dataset.ValSplit, dataset.TestSplit}

type EvaluateOptions struct {
	Store  checkpoint.Store
	Bucket string
	Prefix string

	// WeightKey is the checkpoint to evaluate.
	WeightKey string
	// Splits defaults to train, val and test.
	Splits []string
}

// LikelihoodName derives the export name from the checkpoint name, so
// weight_epoch-004-best.safetensors becomes
// likelihood_weight_epoch-004-best.csv.
func LikelihoodName(weightKey string) string {
	stem := strings.TrimSuffix(path.Base(weightKey), ".safetensors")
	return "likelihood_" + stem + ".csv"
}

func LikelihoodKey(prefix, weightKey string) string {
	return path.Join(prefix, LikelihoodsDir, LikelihoodName(weightKey))
}

func PredictionColumn(label string) string {
	return "pred_" + label
}

// likelihoodHeader lists id, split, the institution when the manifest has
// one, the period for survival runs, the targets and then the predictions.
func likelihoodHeader(labels []types.InternalLabel, institution, survival bool) []string {
	header := []string{"id", "split"}
	if institution {
		header = append(header, dataset.InstColumn)
	}
	if survival {
		header = append(header, "period")
	}
	for _, label := range labels {
		header = append(header, label.Name)
	}
	for _, label := range labels {
		if label.Objective == types.ClassificationObjective {
			for k := 0; k < label.NumOutputs; k++ {
				header = append(header, PredictionColumn(label.Name)+"_"+strconv.Itoa(k))
			}
		} else {
			header = append(header, PredictionColumn(label.Name))
		}
	}
	return header
}

// Evaluate restores a checkpoint of the run described by cfg, predicts every
// sample of the requested splits and writes the predictions next to the
// targets as a csv under <prefix>/likelihoods. It returns the key written.
func Evaluate(ctx context.Context, cfg api.RunConfig, opts EvaluateOptions) (string, error) {
	plan, err := PlanRun(cfg)
	if err != nil {
		return "", err
	}
	if opts.WeightKey == "" {
		return "", fmt.Errorf("%w: weight key is required", types.ErrConfiguration)
	}

	splits := opts.Splits
	if len(splits) == 0 {
		splits = defaultEvalSplits
	}

	dataBucket := datasetBucket(cfg, opts.Bucket)
	manifest, err := readManifest(ctx, opts.Store, dataBucket, plan.Dataset.ManifestKey)
	if err != nil {
		return "", err
	}
	if err := plan.ResolveLabels(manifest); err != nil {
		return "", err
	}

	var scaler *dataset.MinMaxScaler
	if plan.Variant.UsesTabular() {
		if scaler, err = LoadScaler(ctx, opts.Store, opts.Bucket, opts.Prefix); err != nil {
			return "", err
		}
	}

	model, err := linear.NewModel(tabularDim(scaler), imageDim(plan), plan.Labels, plan.Seed)
	if err != nil {
		return "", err
	}
	if err := checkpoint.Restore(ctx, opts.Store, opts.Bucket, opts.WeightKey, model); err != nil {
		return "", err
	}
	model.SetTraining(false)

	cols := likelihoodColumns{
		institution: manifest.HasInstitution,
		survival:    plan.Variant.RequiresParameters(),
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(likelihoodHeader(plan.Labels, cols.institution, cols.survival)); err != nil {
		return "", err
	}

	for _, split := range splits {
		samples := manifest.Split(split)
		if len(samples) == 0 {
			slog.Warn("no samples in split, skipping", "split", split)
			continue
		}

		loader, err := dataset.NewLoader(samples, plan.Labels, loaderOptions(plan, opts.Store, dataBucket, scaler))
		if err != nil {
			return "", err
		}

		if err := predictSplit(ctx, loader, plan, model, cols, writer); err != nil {
			return "", fmt.Errorf("error predicting split '%s': %w", split, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	key := LikelihoodKey(opts.Prefix, opts.WeightKey)
	if err := opts.Store.PutObject(ctx, opts.Bucket, key, &buf); err != nil {
		return "", fmt.Errorf("error writing likelihood %s: %w", key, err)
	}

	slog.Info("saved likelihood", "key", key, "weight_key", opts.WeightKey)

	return key, nil
}

type likelihoodColumns struct {
	institution bool
	survival    bool
}

func predictSplit(ctx context.Context, loader *dataset.Loader, plan RunPlan, model *linear.Model, cols likelihoodColumns, writer *csv.Writer) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for res := range loader.Stream(streamCtx) {
		if res.Err != nil {
			return res.Err
		}
		batch := res.Batch

		inputs, err := plan.Variant.Inputs(batch)
		if err != nil {
			return err
		}
		outputs, err := model.Forward(inputs)
		if err != nil {
			return err
		}

		for i := range batch.IDs {
			record := []string{batch.IDs[i], batch.Splits[i]}
			if cols.institution {
				record = append(record, batch.Institutions[i])
			}
			if cols.survival {
				record = append(record, formatFloat(batch.Periods[i]))
			}
			for _, label := range plan.Labels {
				record = append(record, formatFloat(batch.Targets[label.Name][i]))
			}
			for _, label := range plan.Labels {
				row := outputs[label.Name].RawRowView(i)
				if label.Objective == types.ClassificationObjective {
					probs := make([]float64, len(row))
					loss.Softmax(probs, row)
					for _, p := range probs {
						record = append(record, formatFloat(p))
					}
				} else {
					record = append(record, formatFloat(row[0]))
				}
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	return ctx.Err()
}

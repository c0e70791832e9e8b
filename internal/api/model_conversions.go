package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"nervus-backend/internal/database"
	"nervus-backend/pkg/api"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}

func convertRun(r database.TrainingRun) api.Run {
	run := api.Run{
		Id:             r.Id,
		Name:           r.Name,
		Task:           r.Task,
		Variant:        r.Variant,
		Status:         r.Status,
		Error:          r.Error.String,
		CreationTime:   r.CreationTime,
		CompletionTime: nullTime(r.CompletionTime),
		BestValLoss:    nullFloat(r.BestValLoss),
	}

	if r.BestEpoch.Valid {
		epoch := int(r.BestEpoch.Int64)
		run.BestEpoch = &epoch
	}

	if err := json.Unmarshal(r.Config, &run.Config); err != nil {
		slog.Error("error parsing stored run config", "run_id", r.Id, "error", err)
	}

	return run
}

func convertRuns(rs []database.TrainingRun) []api.Run {
	runs := make([]api.Run, 0, len(rs))
	for _, r := range rs {
		runs = append(runs, convertRun(r))
	}
	return runs
}

func convertCheckpoint(c database.CheckpointArtifact) api.Checkpoint {
	return api.Checkpoint{
		Id:    c.Id,
		Name:  c.Name,
		Key:   c.Key,
		Epoch: c.Epoch,
		Best:  c.Best,
		Size:  c.Size,
	}
}

func convertCheckpoints(cs []database.CheckpointArtifact) []api.Checkpoint {
	checkpoints := make([]api.Checkpoint, 0, len(cs))
	for _, c := range cs {
		checkpoints = append(checkpoints, convertCheckpoint(c))
	}
	return checkpoints
}

func convertEpochLosses(ls []database.EpochLoss) []api.EpochLoss {
	losses := make([]api.EpochLoss, 0, len(ls))
	for _, l := range ls {
		losses = append(losses, api.EpochLoss{
			Epoch:     l.Epoch,
			TrainLoss: nullFloat(l.TrainLoss),
			ValLoss:   nullFloat(l.ValLoss),
		})
	}
	return losses
}

func convertEvaluation(e database.Evaluation) api.Evaluation {
	eval := api.Evaluation{
		Id:             e.Id,
		RunId:          e.RunId,
		WeightKey:      e.WeightKey,
		LikelihoodKey:  e.LikelihoodKey,
		Status:         e.Status,
		Error:          e.Error.String,
		CreationTime:   e.CreationTime,
		CompletionTime: nullTime(e.CompletionTime),
	}
	if e.Splits != "" {
		eval.Splits = strings.Split(e.Splits, ",")
	}
	return eval
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["start_time"] = time.Now().UTC()
	case JobCompleted, JobFailed:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SetRunFailed(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) error {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           sql.NullString{String: errorMessage, Valid: true},
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error marking run as failed", "run_id", runId, "error", err)
		return err
	}
	return nil
}

func SetRunVariant(ctx context.Context, txn *gorm.DB, runId uuid.UUID, variant string) error {
	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Update("variant", variant).Error; err != nil {
		return fmt.Errorf("error setting run variant: %w", err)
	}
	return nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// SaveEpochLoss inserts or replaces the losses of one label for one epoch. A
// NaN loss is stored as NULL.
func SaveEpochLoss(ctx context.Context, txn *gorm.DB, runId uuid.UUID, label string, epoch int, trainLoss, valLoss float64) error {
	row := EpochLoss{
		RunId:     runId,
		Label:     label,
		Epoch:     epoch,
		TrainLoss: nullFloat(trainLoss),
		ValLoss:   nullFloat(valLoss),
	}

	if err := txn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "label"}, {Name: "epoch"}},
		DoUpdates: clause.AssignmentColumns([]string{"train_loss", "val_loss"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("error saving epoch loss for label %s epoch %d: %w", label, epoch, err)
	}
	return nil
}

// SetBest records the best validation epoch of a label, or of the run when the
// label is TotalLabel.
func SetBest(ctx context.Context, txn *gorm.DB, runId uuid.UUID, label string, epoch int, loss float64) error {
	updates := map[string]any{
		"best_epoch":    sql.NullInt64{Int64: int64(epoch), Valid: true},
		"best_val_loss": sql.NullFloat64{Float64: loss, Valid: true},
	}

	var result *gorm.DB
	if label == TotalLabel {
		result = txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates)
	} else {
		result = txn.WithContext(ctx).Model(&RunLabel{}).Where("run_id = ? AND name = ?", runId, label).Updates(updates)
	}
	if result.Error != nil {
		return fmt.Errorf("error saving best epoch for label %s: %w", label, result.Error)
	}
	return nil
}

func SaveCheckpointArtifact(ctx context.Context, txn *gorm.DB, artifact *CheckpointArtifact) error {
	if artifact.Id == uuid.Nil {
		artifact.Id = uuid.New()
	}
	if artifact.CreationTime.IsZero() {
		artifact.CreationTime = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("error saving checkpoint artifact %s: %w", artifact.Key, err)
	}
	return nil
}

func UpdateEvaluationStatus(ctx context.Context, txn *gorm.DB, evaluationId uuid.UUID, status string, errorMessage string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	if errorMessage != "" {
		updates["error"] = sql.NullString{String: errorMessage, Valid: true}
	}

	if err := txn.WithContext(ctx).Model(&Evaluation{Id: evaluationId}).Updates(updates).Error; err != nil {
		slog.Error("error updating evaluation status", "evaluation_id", evaluationId, "status", status, "error", err)
		return err
	}
	return nil
}

// GetBestCheckpoint returns the -best artifact of a run.
func GetBestCheckpoint(ctx context.Context, txn *gorm.DB, runId uuid.UUID) (CheckpointArtifact, error) {
	var artifact CheckpointArtifact
	if err := txn.WithContext(ctx).Where("run_id = ? AND best = ?", runId, true).Order("epoch DESC").First(&artifact).Error; err != nil {
		return CheckpointArtifact{}, fmt.Errorf("error getting best checkpoint for run %s: %w", runId, err)
	}
	return artifact, nil
}

// ResetRunProgress removes the losses and checkpoint rows of an earlier,
// interrupted attempt of a run.
func ResetRunProgress(ctx context.Context, txn *gorm.DB, runId uuid.UUID) error {
	return txn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runId).Delete(&EpochLoss{}).Error; err != nil {
			return fmt.Errorf("error clearing epoch losses: %w", err)
		}
		if err := tx.Where("run_id = ?", runId).Delete(&CheckpointArtifact{}).Error; err != nil {
			return fmt.Errorf("error clearing checkpoints: %w", err)
		}
		updates := map[string]any{"best_epoch": nil, "best_val_loss": nil}
		if err := tx.Model(&RunLabel{}).Where("run_id = ?", runId).Updates(updates).Error; err != nil {
			return fmt.Errorf("error clearing label results: %w", err)
		}
		return tx.Model(&TrainingRun{Id: runId}).Updates(updates).Error
	})
}

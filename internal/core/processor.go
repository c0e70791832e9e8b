package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"nervus-backend/internal/core/checkpoint"
	"nervus-backend/internal/core/loss"
	"nervus-backend/internal/core/utils"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/internal/storage"
	"nervus-backend/pkg/api"
	"nervus-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxConcurrentRuns = 1024

// errSkipTask marks tasks that need no work, such as a run that already
// finished before its message was redelivered.
var errSkipTask = errors.New("task skipped")

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	reciever  messaging.Reciever

	bucket      string
	concurrency int
	progress    ProgressFunc

	runLocks *utils.MutexMap

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskProcessor(db *gorm.DB, storage storage.Provider, publisher messaging.Publisher, reciever messaging.Reciever, bucket string, concurrency int) *TaskProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskProcessor{
		db:          db,
		storage:     storage,
		publisher:   publisher,
		reciever:    reciever,
		bucket:      bucket,
		concurrency: max(concurrency, 1),
		runLocks:    utils.NewMutexMap(maxConcurrentRuns),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetProgress reports batch progress of every run to the given factory.
func (proc *TaskProcessor) SetProgress(progress ProgressFunc) {
	proc.progress = progress
}

// RunPrefix is the storage prefix of every artifact of a run.
func RunPrefix(runId uuid.UUID) string {
	return path.Join("runs", runId.String())
}

// Start processes tasks until the reciever is closed. Up to concurrency tasks
// run in parallel; tasks of the same run are processed one at a time.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "concurrency", proc.concurrency)

	completed := make(chan utils.CompletedTask[string])
	utils.RunInPool(proc.processTaskInPool, proc.feed(), completed, proc.concurrency)

	for result := range completed {
		if result.Error != nil {
			slog.Debug("task finished with error", "queue", result.Result, "error", result.Error)
		}
	}

	slog.Info("task processor stopped")
}

// feed forwards tasks from the reciever until it is closed or the processor
// is stopped, since not every reciever closes its channel on Close.
func (proc *TaskProcessor) feed() <-chan messaging.Task {
	tasks := make(chan messaging.Task)

	go func() {
		defer close(tasks)

		source := proc.reciever.Tasks()
		for {
			select {
			case <-proc.ctx.Done():
				return
			case task, ok := <-source:
				if !ok {
					return
				}
				select {
				case tasks <- task:
				case <-proc.ctx.Done():
					if err := task.Nack(); err != nil {
						slog.Error("error requeueing message", "error", err)
					}
					return
				}
			}
		}
	}()

	return tasks
}

func (proc *TaskProcessor) processTaskInPool(task messaging.Task) (string, error) {
	return task.Type(), proc.ProcessTask(task)
}

// Stop aborts running tasks between batches and closes the queue.
func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.cancel()
	proc.publisher.Close()
	proc.reciever.Close()
}

// ProcessTask handles a single task. Malformed and failed tasks are rejected,
// since retrying a run with the same configuration fails the same way.
func (proc *TaskProcessor) ProcessTask(task messaging.Task) error {
	ctx := proc.ctx

	var err error
	switch task.Type() {
	case messaging.TrainQueue:
		var payload models.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling train task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return err
		}
		err = proc.withRunLock(payload.RunId, func() error {
			return proc.processTrainTask(ctx, payload)
		})

	case messaging.EvaluateQueue:
		var payload models.EvaluateTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling evaluate task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return err
		}
		err = proc.withRunLock(payload.RunId, func() error {
			return proc.processEvaluateTask(ctx, payload)
		})

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return fmt.Errorf("unknown task type %s", task.Type())
	}

	if errors.Is(err, errSkipTask) {
		err = nil
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if errors.Is(err, context.Canceled) {
			// Interrupted by shutdown, let another worker pick it up.
			if err := task.Nack(); err != nil {
				slog.Error("error requeueing message", "error", err)
			}
		} else if err := task.Reject(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
		return err
	}

	slog.Info("successfully processed task", "queue", task.Type())
	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
	return nil
}

func (proc *TaskProcessor) withRunLock(runId uuid.UUID, fn func() error) error {
	if err := proc.runLocks.Lock(runId.String()); err != nil {
		return err
	}
	defer proc.runLocks.Unlock(runId.String()) //nolint:errcheck

	return fn()
}

func (proc *TaskProcessor) loadRun(ctx context.Context, runId uuid.UUID) (database.TrainingRun, api.RunConfig, error) {
	var run database.TrainingRun
	if err := proc.db.WithContext(ctx).Preload("Labels").First(&run, "id = ?", runId).Error; err != nil {
		return run, api.RunConfig{}, fmt.Errorf("error fetching run %s: %w", runId, err)
	}

	var cfg api.RunConfig
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return run, api.RunConfig{}, fmt.Errorf("error parsing config of run %s: %w", runId, err)
	}

	return run, cfg, nil
}

func (proc *TaskProcessor) runLocation(run database.TrainingRun) (string, string) {
	bucket, prefix := run.Bucket, run.Prefix
	if bucket == "" {
		bucket = proc.bucket
	}
	if prefix == "" {
		prefix = RunPrefix(run.Id)
	}
	return bucket, prefix
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload models.TrainTaskPayload) error {
	runId := payload.RunId

	slog.Info("processing train task", "run_id", runId)

	run, cfg, err := proc.loadRun(ctx, runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		database.SetRunFailed(ctx, proc.db, runId, err.Error()) //nolint:errcheck
		return err
	}

	if run.Status == database.JobCompleted || run.Status == database.JobFailed {
		slog.Info("run already finished, skipping", "run_id", runId, "status", run.Status)
		return errSkipTask
	}

	if run.Status == database.JobRunning {
		slog.Warn("run was interrupted, restarting", "run_id", runId)
		if err := database.ResetRunProgress(ctx, proc.db, runId); err != nil {
			return err
		}
	}

	if err := database.UpdateRunStatus(ctx, proc.db, runId, database.JobRunning); err != nil {
		return fmt.Errorf("error marking run as running: %w", err)
	}

	bucket, prefix := proc.runLocation(run)

	result, err := ExecuteRun(ctx, cfg, RunOptions{
		Store:    proc.storage,
		Bucket:   bucket,
		Prefix:   prefix,
		Observer: &runRecorder{db: proc.db, runId: runId},
		Progress: proc.progress,
		OnPlanned: func(plan RunPlan) error {
			return database.SetRunVariant(ctx, proc.db, runId, plan.Variant.Name())
		},
	})
	if err != nil {
		slog.Error("run failed", "run_id", runId, "error", err)
		if errors.Is(err, context.Canceled) {
			database.UpdateRunStatus(context.Background(), proc.db, runId, database.JobQueued) //nolint:errcheck
			return err
		}
		if err := database.SetRunFailed(context.Background(), proc.db, runId, err.Error()); err != nil {
			slog.Error("error saving run failure", "run_id", runId, "error", err)
		}
		return fmt.Errorf("error running run %s: %w", runId, err)
	}

	if err := proc.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, label := range result.Plan.Labels {
			if err := txn.Model(&database.RunLabel{}).
				Where("run_id = ? AND name = ?", runId, label.Name).
				Update("num_outputs", label.NumOutputs).Error; err != nil {
				return fmt.Errorf("error updating outputs of label %s: %w", label.Name, err)
			}
		}
		return database.UpdateRunStatus(ctx, txn, runId, database.JobCompleted)
	}); err != nil {
		return fmt.Errorf("error completing run %s: %w", runId, err)
	}

	slog.Info("train task completed successfully", "run_id", runId, "best_epoch", result.BestEpoch, "best_val_loss", result.BestValLoss)

	return nil
}

func (proc *TaskProcessor) processEvaluateTask(ctx context.Context, payload models.EvaluateTaskPayload) error {
	slog.Info("processing evaluate task", "run_id", payload.RunId, "evaluation_id", payload.EvaluationId)

	fail := func(err error) error {
		if errors.Is(err, context.Canceled) {
			database.UpdateEvaluationStatus(context.Background(), proc.db, payload.EvaluationId, database.JobQueued, "") //nolint:errcheck
			return err
		}
		database.UpdateEvaluationStatus(context.Background(), proc.db, payload.EvaluationId, database.JobFailed, err.Error()) //nolint:errcheck
		return err
	}

	if err := database.UpdateEvaluationStatus(ctx, proc.db, payload.EvaluationId, database.JobRunning, ""); err != nil {
		return fmt.Errorf("error marking evaluation as running: %w", err)
	}

	run, cfg, err := proc.loadRun(ctx, payload.RunId)
	if err != nil {
		return fail(err)
	}
	if run.Status != database.JobCompleted {
		return fail(fmt.Errorf("run %s is %s, only completed runs can be evaluated", run.Id, run.Status))
	}

	bucket, prefix := proc.runLocation(run)

	weightKey := payload.WeightKey
	if weightKey == "" {
		best, err := database.GetBestCheckpoint(ctx, proc.db, run.Id)
		if err != nil {
			return fail(err)
		}
		weightKey = best.Key
	}

	key, err := Evaluate(ctx, cfg, EvaluateOptions{
		Store:     proc.storage,
		Bucket:    bucket,
		Prefix:    prefix,
		WeightKey: weightKey,
		Splits:    payload.Splits,
	})
	if err != nil {
		return fail(fmt.Errorf("error evaluating %s: %w", weightKey, err))
	}

	if err := proc.db.WithContext(ctx).Model(&database.Evaluation{Id: payload.EvaluationId}).
		Updates(map[string]any{"weight_key": weightKey, "likelihood_key": key}).Error; err != nil {
		return fmt.Errorf("error saving likelihood key: %w", err)
	}

	return database.UpdateEvaluationStatus(ctx, proc.db, payload.EvaluationId, database.JobCompleted, "")
}

// runRecorder stores the losses, best epochs and checkpoints of a run as
// they are produced.
type runRecorder struct {
	db    *gorm.DB
	runId uuid.UUID
}

func (r *runRecorder) EpochCompleted(ctx context.Context, epoch int, registry *loss.LossRegistry) error {
	return r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, tracker := range registry.Trackers() {
			row, ok := tracker.Last()
			if !ok {
				continue
			}
			if err := database.SaveEpochLoss(ctx, txn, r.runId, tracker.Name(), row.Epoch, row.TrainLoss, row.ValLoss); err != nil {
				return err
			}

			if !tracker.IsValLossUpdated() {
				continue
			}
			best, err := tracker.BestValLoss()
			if err != nil {
				return err
			}
			if err := database.SetBest(ctx, txn, r.runId, tracker.Name(), epoch, best); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *runRecorder) CheckpointSaved(ctx context.Context, artifact checkpoint.Artifact) error {
	return database.SaveCheckpointArtifact(ctx, r.db, &database.CheckpointArtifact{
		RunId: r.runId,
		Name:  artifact.Name,
		Key:   artifact.Key,
		Epoch: artifact.Epoch,
		Best:  artifact.Best,
		Size:  artifact.Size,
	})
}

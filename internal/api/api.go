package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"nervus-backend/internal/core"
	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/internal/storage"
	"nervus-backend/pkg/api"
	"nervus-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var validSplits = []string{dataset.TrainSplit, dataset.ValSplit, dataset.TestSplit}

type BackendService struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	bucket    string
}

func NewBackendService(db *gorm.DB, storage storage.Provider, pub messaging.Publisher, bucket string) *BackendService {
	return &BackendService{db: db, storage: storage, publisher: pub, bucket: bucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListRuns))
		r.Post("/", RestHandler(s.CreateRun))

		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetRun))
			r.Delete("/", RestHandler(s.DeleteRun))
			r.Get("/labels", RestHandler(s.ListLabelBest))
			r.Get("/labels/{label}/best", RestHandler(s.GetLabelBest))
			r.Get("/curves/{label}", RestHandler(s.GetLearningCurve))
			r.Get("/checkpoints", RestHandler(s.ListCheckpoints))
			r.Get("/checkpoints/{checkpoint_id}/download", s.DownloadCheckpoint)
			r.Post("/evaluate", RestHandler(s.Evaluate))
			r.Get("/evaluations/{evaluation_id}", RestHandler(s.GetEvaluation))
			r.Get("/metrics", RestHandler(s.GetMetrics))
		})
	})
}

func (s *BackendService) getRun(r *http.Request) (database.TrainingRun, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return database.TrainingRun{}, err
	}

	var run database.TrainingRun
	if err := s.db.WithContext(r.Context()).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return run, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return run, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	return run, nil
}

func (s *BackendService) runLocation(run database.TrainingRun) (string, string) {
	bucket, prefix := run.Bucket, run.Prefix
	if bucket == "" {
		bucket = s.bucket
	}
	if prefix == "" {
		prefix = core.RunPrefix(run.Id)
	}
	return bucket, prefix
}

// labelName accepts both the display name and the dataset column name of a
// label.
func labelName(r *http.Request) string {
	label := chi.URLParam(r, "label")
	if label == database.TotalLabel || strings.HasPrefix(label, dataset.LabelPrefix) {
		return label
	}
	return dataset.LabelPrefix + label
}

func (s *BackendService) CreateRun(r *http.Request) (any, error) {
	cfg, err := ParseRequest[api.RunConfig](r)
	if err != nil {
		return nil, err
	}

	if cfg.Name != "" {
		if err := validateName(cfg.Name); err != nil {
			return nil, err
		}
	}

	plan, err := core.PlanRun(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid run config: %v", err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error serializing run config: %v", err)
	}

	ctx := r.Context()

	runId := uuid.New()
	run := database.TrainingRun{
		Id:           runId,
		Name:         cfg.Name,
		Task:         string(plan.Task),
		Variant:      plan.Variant.Name(),
		Status:       database.JobQueued,
		Config:       datatypes.JSON(data),
		Bucket:       s.bucket,
		Prefix:       core.RunPrefix(runId),
		CreationTime: time.Now(),
	}
	for _, label := range plan.Labels {
		weight, ok := plan.Weights[label.Name]
		if !ok {
			weight = 1
		}
		run.Labels = append(run.Labels, database.RunLabel{
			Name:       label.Name,
			Objective:  string(label.Objective),
			NumOutputs: label.NumOutputs,
			Weight:     weight,
		})
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run entry")
	}

	if err := s.publisher.PublishTrainTask(ctx, models.TrainTaskPayload{RunId: runId}); err != nil {
		slog.Error("error publishing train task", "run_id", runId, "error", err)
		if err := database.SetRunFailed(ctx, s.db, runId, "failed to queue train task"); err != nil {
			slog.Error("error marking run as failed", "run_id", runId, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue train task")
	}

	slog.Info("submitted run", "run_id", runId, "variant", plan.Variant.Name())

	return api.CreateRunResponse{RunId: runId}, nil
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := s.db.WithContext(r.Context()).Order("creation_time DESC").Limit(limit)
	if params.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(params.Status))
	}

	var runs []database.TrainingRun
	if err := query.Find(&runs).Error; err != nil {
		slog.Error("error listing runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run records")
	}

	return convertRuns(runs), nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (s *BackendService) DeleteRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	if run.Status == database.JobQueued || run.Status == database.JobRunning {
		return nil, CodedErrorf(http.StatusConflict, "run is %s, only finished runs can be deleted", run.Status)
	}

	ctx := r.Context()

	bucket, prefix := s.runLocation(run)
	if err := s.storage.DeleteObjects(ctx, bucket, prefix); err != nil {
		slog.Error("error deleting run artifacts", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting run artifacts")
	}

	if err := s.db.WithContext(ctx).Select(clause.Associations).Delete(&run).Error; err != nil {
		slog.Error("error deleting run", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting run record")
	}

	slog.Info("deleted run", "run_id", run.Id)

	return nil, nil
}

func (s *BackendService) ListLabelBest(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	var labels []database.RunLabel
	if err := s.db.WithContext(r.Context()).Where("run_id = ?", run.Id).Order("name").Find(&labels).Error; err != nil {
		slog.Error("error listing labels", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run labels")
	}

	best := make([]api.LabelBest, 0, len(labels)+1)
	for _, label := range labels {
		if label.BestEpoch.Valid {
			best = append(best, api.LabelBest{
				Label:       strings.TrimPrefix(label.Name, dataset.LabelPrefix),
				BestEpoch:   int(label.BestEpoch.Int64),
				BestValLoss: label.BestValLoss.Float64,
			})
		}
	}
	if run.BestEpoch.Valid {
		best = append(best, api.LabelBest{
			Label:       database.TotalLabel,
			BestEpoch:   int(run.BestEpoch.Int64),
			BestValLoss: run.BestValLoss.Float64,
		})
	}

	return best, nil
}

func (s *BackendService) GetLabelBest(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	name := labelName(r)

	if name == database.TotalLabel {
		if !run.BestEpoch.Valid {
			return nil, CodedErrorf(http.StatusNotFound, "no validation loss recorded for run yet")
		}
		return api.LabelBest{Label: name, BestEpoch: int(run.BestEpoch.Int64), BestValLoss: run.BestValLoss.Float64}, nil
	}

	var label database.RunLabel
	if err := s.db.WithContext(r.Context()).First(&label, "run_id = ? AND name = ?", run.Id, name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "label '%s' not found", chi.URLParam(r, "label"))
		}
		slog.Error("error getting label", "run_id", run.Id, "label", name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving label record")
	}

	if !label.BestEpoch.Valid {
		return nil, CodedErrorf(http.StatusNotFound, "no validation loss recorded for label '%s' yet", chi.URLParam(r, "label"))
	}

	return api.LabelBest{
		Label:       strings.TrimPrefix(label.Name, dataset.LabelPrefix),
		BestEpoch:   int(label.BestEpoch.Int64),
		BestValLoss: label.BestValLoss.Float64,
	}, nil
}

func (s *BackendService) GetLearningCurve(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	name := labelName(r)

	var losses []database.EpochLoss
	if err := s.db.WithContext(r.Context()).Where("run_id = ? AND label = ?", run.Id, name).Order("epoch").Find(&losses).Error; err != nil {
		slog.Error("error getting epoch losses", "run_id", run.Id, "label", name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving epoch losses")
	}

	if len(losses) == 0 {
		var count int64
		if err := s.db.WithContext(r.Context()).Model(&database.RunLabel{}).Where("run_id = ? AND name = ?", run.Id, name).Count(&count).Error; err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving label record")
		}
		if count == 0 && name != database.TotalLabel {
			return nil, CodedErrorf(http.StatusNotFound, "label '%s' not found", chi.URLParam(r, "label"))
		}
	}

	return api.LearningCurve{
		Label:  strings.TrimPrefix(name, dataset.LabelPrefix),
		Epochs: convertEpochLosses(losses),
	}, nil
}

func (s *BackendService) ListCheckpoints(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	var checkpoints []database.CheckpointArtifact
	if err := s.db.WithContext(r.Context()).Where("run_id = ?", run.Id).Order("epoch, best").Find(&checkpoints).Error; err != nil {
		slog.Error("error listing checkpoints", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving checkpoints")
	}

	return convertCheckpoints(checkpoints), nil
}

func (s *BackendService) getCheckpoint(r *http.Request) (database.TrainingRun, database.CheckpointArtifact, error) {
	run, err := s.getRun(r)
	if err != nil {
		return run, database.CheckpointArtifact{}, err
	}

	checkpointId, err := URLParamUUID(r, "checkpoint_id")
	if err != nil {
		return run, database.CheckpointArtifact{}, err
	}

	var checkpoint database.CheckpointArtifact
	if err := s.db.WithContext(r.Context()).First(&checkpoint, "id = ? AND run_id = ?", checkpointId, run.Id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return run, checkpoint, CodedErrorf(http.StatusNotFound, "checkpoint not found")
		}
		return run, checkpoint, CodedErrorf(http.StatusInternalServerError, "error retrieving checkpoint record")
	}

	return run, checkpoint, nil
}

// DownloadCheckpoint streams the safetensors file of a checkpoint.
func (s *BackendService) DownloadCheckpoint(w http.ResponseWriter, r *http.Request) {
	run, checkpoint, err := s.getCheckpoint(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	bucket, _ := s.runLocation(run)
	reader, err := s.storage.GetObjectStream(r.Context(), bucket, checkpoint.Key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			WriteError(w, CodedErrorf(http.StatusNotFound, "checkpoint file is missing from storage"))
			return
		}
		slog.Error("error opening checkpoint", "key", checkpoint.Key, "error", err)
		WriteError(w, CodedErrorf(http.StatusInternalServerError, "error reading checkpoint"))
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(checkpoint.Key)))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, reader); err != nil {
		slog.Error("error streaming checkpoint", "key", checkpoint.Key, "error", err)
	}
}

func (s *BackendService) Evaluate(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.EvaluateRequest](r)
	if err != nil {
		return nil, err
	}

	if run.Status != database.JobCompleted {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "run is %s, only completed runs can be evaluated", run.Status)
	}

	for _, split := range req.Splits {
		if !slices.Contains(validSplits, split) {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid split '%s', expected one of %s", split, strings.Join(validSplits, ", "))
		}
	}

	ctx := r.Context()

	weightKey := req.WeightKey
	if weightKey == "" {
		best, err := database.GetBestCheckpoint(ctx, s.db, run.Id)
		if err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "run has no best checkpoint")
		}
		weightKey = best.Key
	} else {
		var count int64
		if err := s.db.WithContext(ctx).Model(&database.CheckpointArtifact{}).Where("run_id = ? AND key = ?", run.Id, weightKey).Count(&count).Error; err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving checkpoint records")
		}
		if count == 0 {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "checkpoint '%s' does not belong to run", weightKey)
		}
	}

	eval := database.Evaluation{
		Id:           uuid.New(),
		RunId:        run.Id,
		WeightKey:    weightKey,
		Splits:       strings.Join(req.Splits, ","),
		Status:       database.JobQueued,
		CreationTime: time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&eval).Error; err != nil {
		slog.Error("error creating evaluation", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create evaluation entry")
	}

	payload := models.EvaluateTaskPayload{
		EvaluationId: eval.Id,
		RunId:        run.Id,
		WeightKey:    weightKey,
		Splits:       req.Splits,
	}
	if err := s.publisher.PublishEvaluateTask(ctx, payload); err != nil {
		slog.Error("error publishing evaluate task", "evaluation_id", eval.Id, "error", err)
		database.UpdateEvaluationStatus(ctx, s.db, eval.Id, database.JobFailed, "failed to queue evaluate task") //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue evaluate task")
	}

	_, prefix := s.runLocation(run)

	return api.EvaluateResponse{
		EvaluationId:  eval.Id,
		RunId:         run.Id,
		LikelihoodKey: core.LikelihoodKey(prefix, weightKey),
	}, nil
}

func (s *BackendService) getEvaluation(r *http.Request, runId uuid.UUID) (database.Evaluation, error) {
	evalId, err := URLParamUUID(r, "evaluation_id")
	if err != nil {
		return database.Evaluation{}, err
	}

	var eval database.Evaluation
	if err := s.db.WithContext(r.Context()).First(&eval, "id = ? AND run_id = ?", evalId, runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return eval, CodedErrorf(http.StatusNotFound, "evaluation not found")
		}
		return eval, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation record")
	}
	return eval, nil
}

func (s *BackendService) GetEvaluation(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	eval, err := s.getEvaluation(r, run.Id)
	if err != nil {
		return nil, err
	}

	return convertEvaluation(eval), nil
}

// GetMetrics reports the R2 of every regression label using the most recent
// completed evaluation, optionally restricted to one checkpoint.
func (s *BackendService) GetMetrics(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[api.MetricsParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	query := s.db.WithContext(ctx).Where("run_id = ? AND status = ?", run.Id, database.JobCompleted)
	if params.WeightKey != "" {
		query = query.Where("weight_key = ?", params.WeightKey)
	}

	var eval database.Evaluation
	if err := query.Order("creation_time DESC").First(&eval).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "no completed evaluation found for run")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation record")
	}

	var cfg api.RunConfig
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error parsing run config: %v", err)
	}
	plan, err := core.PlanRun(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "invalid stored run config: %v", err)
	}

	bucket, _ := s.runLocation(run)
	reader, err := s.storage.GetObjectStream(ctx, bucket, eval.LikelihoodKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "likelihood file is missing from storage")
		}
		slog.Error("error opening likelihood", "key", eval.LikelihoodKey, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error reading likelihood")
	}
	defer reader.Close()

	metrics, err := core.RegressionMetrics(reader, plan.Labels)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error computing metrics: %v", err)
	}

	return api.MetricsResponse{LikelihoodKey: eval.LikelihoodKey, Metrics: metrics}, nil
}

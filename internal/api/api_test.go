package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	backend "nervus-backend/internal/api"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/internal/storage"
	"nervus-backend/pkg/api"
	"nervus-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "runs-bucket"

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type testServer struct {
	router  chi.Router
	db      *gorm.DB
	storage *storage.LocalProvider
	queue   *messaging.InMemoryQueue
}

func newServer(t *testing.T, create ...any) *testServer {
	db := createDB(t, create...)

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()

	service := backend.NewBackendService(db, store, queue, testBucket)
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testServer{router: router, db: db, storage: store, queue: queue}
}

func (s *testServer) do(t *testing.T, method, url string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var res T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func nextTask(t *testing.T, queue *messaging.InMemoryQueue) messaging.Task {
	select {
	case task := <-queue.Tasks():
		return task
	case <-time.After(time.Second):
		t.Fatal("no task published")
		return nil
	}
}

func runConfig() api.RunConfig {
	return api.RunConfig{
		Name:         "linear-run",
		Task:         "regression",
		Tabular:      true,
		Labels:       []api.LabelConfig{{Name: "internal_y"}, {Name: "internal_z", Weight: new(float64)}},
		Epochs:       3,
		LearningRate: 0.1,
		BatchSize:    4,
		SavePolicy:   "best",
		Dataset:      api.DatasetConfig{ManifestKey: "datasets/linear.csv"},
	}
}

func completedRun(t *testing.T, status string) *database.TrainingRun {
	data, err := json.Marshal(runConfig())
	require.NoError(t, err)

	id := uuid.New()
	return &database.TrainingRun{
		Id:           id,
		Name:         "linear-run",
		Task:         "regression",
		Variant:      "MLPModel",
		Status:       status,
		Config:       datatypes.JSON(data),
		Bucket:       testBucket,
		Prefix:       "runs/" + id.String(),
		CreationTime: time.Now(),
		BestEpoch:    sql.NullInt64{Int64: 2, Valid: true},
		BestValLoss:  sql.NullFloat64{Float64: 0.25, Valid: true},
		Labels: []database.RunLabel{
			{Name: "internal_y", Objective: "regression", NumOutputs: 1, Weight: 1, BestEpoch: sql.NullInt64{Int64: 2, Valid: true}, BestValLoss: sql.NullFloat64{Float64: 0.25, Valid: true}},
			{Name: "internal_z", Objective: "regression", NumOutputs: 1, Weight: 0},
		},
	}
}

func TestCreateRun(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/runs", runConfig())
	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

	response := decode[api.CreateRunResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, response.RunId)

	var run database.TrainingRun
	require.NoError(t, s.db.Preload("Labels").First(&run, "id = ?", response.RunId).Error)
	assert.Equal(t, database.JobQueued, run.Status)
	assert.Equal(t, "MLPModel", run.Variant)
	assert.Equal(t, testBucket, run.Bucket)
	assert.Equal(t, "runs/"+response.RunId.String(), run.Prefix)
	require.Len(t, run.Labels, 2)

	weights := map[string]float64{}
	for _, label := range run.Labels {
		weights[label.Name] = label.Weight
	}
	assert.Equal(t, map[string]float64{"internal_y": 1, "internal_z": 0}, weights)

	task := nextTask(t, s.queue)
	assert.Equal(t, messaging.TrainQueue, task.Type())
	var payload models.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, response.RunId, payload.RunId)

	rec = s.do(t, http.MethodGet, "/runs/"+response.RunId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.Run](t, rec)
	assert.Equal(t, runConfig(), got.Config)
	assert.Nil(t, got.BestEpoch)
}

func TestCreateRunInvalid(t *testing.T) {
	s := newServer(t)

	cfg := runConfig()
	cfg.Task = "ranking"
	rec := s.do(t, http.MethodPost, "/runs", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "ranking")

	cfg = runConfig()
	cfg.SavePolicy = "sometimes"
	rec = s.do(t, http.MethodPost, "/runs", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	cfg = runConfig()
	cfg.Name = "bad name!"
	rec = s.do(t, http.MethodPost, "/runs", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/runs", map[string]any{"Task": "regression", "Epoch": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Epoch")

	var count int64
	require.NoError(t, s.db.Model(&database.TrainingRun{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListRuns(t *testing.T) {
	completed, failed := completedRun(t, database.JobCompleted), completedRun(t, database.JobFailed)
	failed.CreationTime = completed.CreationTime.Add(time.Minute)
	s := newServer(t, completed, failed)

	rec := s.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]api.Run](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, failed.Id, runs[0].Id)
	assert.Equal(t, completed.Id, runs[1].Id)

	rec = s.do(t, http.MethodGet, "/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs = decode[[]api.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, completed.Id, runs[0].Id)
	assert.Equal(t, 2, *runs[0].BestEpoch)

	rec = s.do(t, http.MethodGet, "/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.Run](t, rec), 1)
}

func TestGetRunErrors(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLabelBestAndCurves(t *testing.T) {
	run := completedRun(t, database.JobCompleted)
	s := newServer(t, run,
		&database.EpochLoss{RunId: run.Id, Label: "internal_y", Epoch: 2, TrainLoss: sql.NullFloat64{Float64: 0.3, Valid: true}, ValLoss: sql.NullFloat64{Float64: 0.25, Valid: true}},
		&database.EpochLoss{RunId: run.Id, Label: "internal_y", Epoch: 1, TrainLoss: sql.NullFloat64{Float64: 0.5, Valid: true}},
		&database.EpochLoss{RunId: run.Id, Label: "total", Epoch: 1, TrainLoss: sql.NullFloat64{Float64: 0.5, Valid: true}},
	)

	base := "/runs/" + run.Id.String()

	t.Run("LabelBest", func(t *testing.T) {
		for _, name := range []string{"y", "internal_y"} {
			rec := s.do(t, http.MethodGet, base+"/labels/"+name+"/best", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, api.LabelBest{Label: "y", BestEpoch: 2, BestValLoss: 0.25}, decode[api.LabelBest](t, rec))
		}

		rec := s.do(t, http.MethodGet, base+"/labels/total/best", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, api.LabelBest{Label: "total", BestEpoch: 2, BestValLoss: 0.25}, decode[api.LabelBest](t, rec))

		rec = s.do(t, http.MethodGet, base+"/labels/z/best", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = s.do(t, http.MethodGet, base+"/labels/missing/best", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ListLabelBest", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, base+"/labels", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []api.LabelBest{
			{Label: "y", BestEpoch: 2, BestValLoss: 0.25},
			{Label: "total", BestEpoch: 2, BestValLoss: 0.25},
		}, decode[[]api.LabelBest](t, rec))
	})

	t.Run("LearningCurve", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, base+"/curves/y", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		curve := decode[api.LearningCurve](t, rec)
		assert.Equal(t, "y", curve.Label)
		require.Len(t, curve.Epochs, 2)
		assert.Equal(t, 1, curve.Epochs[0].Epoch)
		assert.Nil(t, curve.Epochs[0].ValLoss)
		assert.Equal(t, 0.25, *curve.Epochs[1].ValLoss)

		rec = s.do(t, http.MethodGet, base+"/curves/z", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[api.LearningCurve](t, rec).Epochs)

		rec = s.do(t, http.MethodGet, base+"/curves/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCheckpoints(t *testing.T) {
	run := completedRun(t, database.JobCompleted)
	best := &database.CheckpointArtifact{Id: uuid.New(), RunId: run.Id, Name: "weight_epoch-002-best.safetensors", Key: run.Prefix + "/weights/weight_epoch-002-best.safetensors", Epoch: 2, Best: true, Size: 5}
	each := &database.CheckpointArtifact{Id: uuid.New(), RunId: run.Id, Name: "weight_epoch-001.safetensors", Key: run.Prefix + "/weights/weight_epoch-001.safetensors", Epoch: 1, Size: 5}
	s := newServer(t, run, best, each)

	require.NoError(t, s.storage.PutObject(context.Background(), testBucket, best.Key, strings.NewReader("bytes")))

	base := "/runs/" + run.Id.String()

	rec := s.do(t, http.MethodGet, base+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	checkpoints := decode[[]api.Checkpoint](t, rec)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, each.Id, checkpoints[0].Id)
	assert.True(t, checkpoints[1].Best)

	rec = s.do(t, http.MethodGet, base+"/checkpoints/"+best.Id.String()+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "weight_epoch-002-best.safetensors")

	rec = s.do(t, http.MethodGet, base+"/checkpoints/"+uuid.New().String()+"/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The epoch 1 file was never written to storage.
	rec = s.do(t, http.MethodGet, base+"/checkpoints/"+each.Id.String()+"/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluate(t *testing.T) {
	run := completedRun(t, database.JobCompleted)
	queued := completedRun(t, database.JobQueued)
	best := &database.CheckpointArtifact{Id: uuid.New(), RunId: run.Id, Name: "weight_epoch-002-best.safetensors", Key: run.Prefix + "/weights/weight_epoch-002-best.safetensors", Epoch: 2, Best: true}
	s := newServer(t, run, queued, best)

	base := "/runs/" + run.Id.String()

	rec := s.do(t, http.MethodPost, base+"/evaluate", api.EvaluateRequest{Splits: []string{"val", "test"}})
	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())
	response := decode[api.EvaluateResponse](t, rec)
	assert.Equal(t, run.Id, response.RunId)
	assert.Equal(t, run.Prefix+"/likelihoods/likelihood_weight_epoch-002-best.csv", response.LikelihoodKey)

	task := nextTask(t, s.queue)
	assert.Equal(t, messaging.EvaluateQueue, task.Type())
	var payload models.EvaluateTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, models.EvaluateTaskPayload{EvaluationId: response.EvaluationId, RunId: run.Id, WeightKey: best.Key, Splits: []string{"val", "test"}}, payload)

	rec = s.do(t, http.MethodGet, base+"/evaluations/"+response.EvaluationId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	eval := decode[api.Evaluation](t, rec)
	assert.Equal(t, database.JobQueued, eval.Status)
	assert.Equal(t, []string{"val", "test"}, eval.Splits)

	rec = s.do(t, http.MethodPost, base+"/evaluate", api.EvaluateRequest{Splits: []string{"holdout"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/evaluate", api.EvaluateRequest{WeightKey: "runs/other/weights/weight_epoch-001.safetensors"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/runs/"+queued.Id.String()+"/evaluate", api.EvaluateRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetMetrics(t *testing.T) {
	run := completedRun(t, database.JobCompleted)
	eval := &database.Evaluation{
		Id:            uuid.New(),
		RunId:         run.Id,
		WeightKey:     run.Prefix + "/weights/weight_epoch-002-best.safetensors",
		LikelihoodKey: run.Prefix + "/likelihoods/likelihood_weight_epoch-002-best.csv",
		Status:        database.JobCompleted,
		CreationTime:  time.Now(),
	}
	s := newServer(t, run, eval)

	likelihood := "id,split,internal_y,internal_z,pred_internal_y,pred_internal_z\n" +
		"a,val,1,0,1,0\n" +
		"b,val,2,1,2,0.5\n" +
		"c,val,3,2,3,1\n"
	require.NoError(t, s.storage.PutObject(context.Background(), testBucket, eval.LikelihoodKey, strings.NewReader(likelihood)))

	rec := s.do(t, http.MethodGet, "/runs/"+run.Id.String()+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

	response := decode[api.MetricsResponse](t, rec)
	assert.Equal(t, eval.LikelihoodKey, response.LikelihoodKey)
	require.Len(t, response.Metrics, 2)
	assert.Equal(t, "y", response.Metrics[0].Label)
	assert.InDelta(t, 1.0, response.Metrics[0].R2, 1e-12)
	assert.Equal(t, "z", response.Metrics[1].Label)
	assert.Equal(t, 3, response.Metrics[1].Samples)

	rec = s.do(t, http.MethodGet, "/runs/"+run.Id.String()+"/metrics?weight_key=other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRun(t *testing.T) {
	run := completedRun(t, database.JobCompleted)
	running := completedRun(t, database.JobRunning)
	s := newServer(t, run, running,
		&database.EpochLoss{RunId: run.Id, Label: "total", Epoch: 1},
		&database.CheckpointArtifact{Id: uuid.New(), RunId: run.Id, Key: run.Prefix + "/weights/weight_epoch-001-best.safetensors", Epoch: 1, Best: true},
	)

	ctx := context.Background()
	require.NoError(t, s.storage.PutObject(ctx, testBucket, run.Prefix+"/weights/weight_epoch-001-best.safetensors", strings.NewReader("w")))
	require.NoError(t, s.storage.PutObject(ctx, testBucket, running.Prefix+"/scaler.json", strings.NewReader("{}")))

	rec := s.do(t, http.MethodDelete, "/runs/"+running.Id.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/runs/"+run.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

	rec = s.do(t, http.MethodGet, "/runs/"+run.Id.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, model := range []any{&database.RunLabel{}, &database.EpochLoss{}, &database.CheckpointArtifact{}} {
		var count int64
		require.NoError(t, s.db.Model(model).Where("run_id = ?", run.Id).Count(&count).Error)
		assert.Zero(t, count)
	}

	objects, err := s.storage.ListObjects(ctx, testBucket, run.Prefix)
	require.NoError(t, err)
	assert.Empty(t, objects)

	objects, err = s.storage.ListObjects(ctx, testBucket, running.Prefix)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

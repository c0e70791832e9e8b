package integrationtests

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	backend "nervus-backend/internal/api"
	"nervus-backend/internal/core"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForRun(t *testing.T, router chi.Router, runId string) api.Run {
	var run api.Run
	for i := 0; i < 120; i++ {
		require.NoError(t, httpRequest(router, "GET", "/runs/"+runId, nil, &run))
		if run.Status == database.JobCompleted || run.Status == database.JobFailed {
			return run
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish, last status %s", runId, run.Status)
	return run
}

func waitForEvaluation(t *testing.T, router chi.Router, runId, evalId string) api.Evaluation {
	var eval api.Evaluation
	for i := 0; i < 120; i++ {
		require.NoError(t, httpRequest(router, "GET", fmt.Sprintf("/runs/%s/evaluations/%s", runId, evalId), nil, &eval))
		if eval.Status == database.JobCompleted || eval.Status == database.JobFailed {
			return eval
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("evaluation %s did not finish, last status %s", evalId, eval.Status)
	return eval
}

func TestTrainingWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s3 := setupS3Provider(t, ctx, artifactBucket, datasetBucket)
	putObject(t, s3, datasetBucket, "linear/manifest.csv", []byte(linearManifest()))

	db := createDB(t)
	queue := messaging.NewInMemoryQueue()

	service := backend.NewBackendService(db, s3, queue, artifactBucket)
	router := chi.NewRouter()
	service.AddRoutes(router)

	processor := core.NewTaskProcessor(db, s3, queue, queue, artifactBucket, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Start()
	}()
	t.Cleanup(func() {
		processor.Stop()
		<-done
	})

	cfg := api.RunConfig{
		Name:         "linear-workflow",
		Task:         "regression",
		Tabular:      true,
		Labels:       []api.LabelConfig{{Name: "internal_y"}, {Name: "internal_z"}},
		Epochs:       4,
		LearningRate: 0.05,
		BatchSize:    4,
		SavePolicy:   "each",
		Seed:         7,
		Dataset: api.DatasetConfig{
			Bucket:      datasetBucket,
			ManifestKey: "linear/manifest.csv",
		},
	}

	var created api.CreateRunResponse
	require.NoError(t, httpRequest(router, "POST", "/runs", cfg, &created))
	runId := created.RunId.String()

	run := waitForRun(t, router, runId)
	require.Equal(t, database.JobCompleted, run.Status, run.Error)
	assert.Equal(t, "MLPModel", run.Variant)
	require.NotNil(t, run.BestEpoch)
	require.NotNil(t, run.BestValLoss)
	assert.NotNil(t, run.CompletionTime)

	var labels []api.LabelBest
	require.NoError(t, httpRequest(router, "GET", "/runs/"+runId+"/labels", nil, &labels))
	require.Len(t, labels, 3)
	assert.Equal(t, "y", labels[0].Label)
	assert.Equal(t, "z", labels[1].Label)
	assert.Equal(t, "total", labels[2].Label)
	assert.Equal(t, *run.BestEpoch, labels[2].BestEpoch)

	var curve api.LearningCurve
	require.NoError(t, httpRequest(router, "GET", "/runs/"+runId+"/curves/y", nil, &curve))
	assert.Len(t, curve.Epochs, cfg.Epochs)

	var checkpoints []api.Checkpoint
	require.NoError(t, httpRequest(router, "GET", "/runs/"+runId+"/checkpoints", nil, &checkpoints))
	require.NotEmpty(t, checkpoints)
	best := checkpoints[len(checkpoints)-1]
	assert.True(t, best.Best)
	assert.Equal(t, *run.BestEpoch, best.Epoch)
	assert.True(t, strings.HasSuffix(best.Key, "-best.safetensors"))

	prefix := core.RunPrefix(created.RunId)
	objects, err := s3.ListObjects(ctx, artifactBucket, prefix)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, obj := range objects {
		names[obj.Name] = true
	}
	assert.True(t, names[prefix+"/parameter.csv"])
	assert.True(t, names[prefix+"/scaler.json"])
	assert.True(t, names[best.Key])

	var evalRes api.EvaluateResponse
	require.NoError(t, httpRequest(router, "POST", "/runs/"+runId+"/evaluate", api.EvaluateRequest{}, &evalRes))
	assert.Equal(t, core.LikelihoodKey(prefix, best.Key), evalRes.LikelihoodKey)

	eval := waitForEvaluation(t, router, runId, evalRes.EvaluationId.String())
	require.Equal(t, database.JobCompleted, eval.Status, eval.Error)
	assert.Equal(t, best.Key, eval.WeightKey)

	var metrics api.MetricsResponse
	require.NoError(t, httpRequest(router, "GET", "/runs/"+runId+"/metrics", nil, &metrics))
	assert.Equal(t, evalRes.LikelihoodKey, metrics.LikelihoodKey)
	require.NotEmpty(t, metrics.Metrics)
	for _, m := range metrics.Metrics {
		assert.Contains(t, []string{"y", "z"}, m.Label)
		assert.Positive(t, m.Samples)
	}

	assert.Error(t, httpRequest(router, "DELETE", "/runs/missing", nil, nil))
	require.NoError(t, httpRequest(router, "DELETE", "/runs/"+runId, nil, nil))

	objects, err = s3.ListObjects(ctx, artifactBucket, prefix)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

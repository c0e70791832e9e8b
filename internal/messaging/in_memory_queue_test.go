package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"nervus-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	queue := NewInMemoryQueue()

	runId := uuid.New()
	require.NoError(t, queue.PublishTrainTask(context.Background(), models.TrainTaskPayload{RunId: runId}))
	require.NoError(t, queue.PublishEvaluateTask(context.Background(), models.EvaluateTaskPayload{RunId: runId, Splits: []string{"test"}}))

	task := <-queue.Tasks()
	assert.Equal(t, TrainQueue, task.Type())
	var train models.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &train))
	assert.Equal(t, runId, train.RunId)

	task = <-queue.Tasks()
	assert.Equal(t, EvaluateQueue, task.Type())
	var eval models.EvaluateTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &eval))
	assert.Equal(t, []string{"test"}, eval.Splits)

	queue.Close()
	queue.Close()

	_, ok := <-queue.Tasks()
	assert.False(t, ok)
	assert.Error(t, queue.PublishTrainTask(context.Background(), models.TrainTaskPayload{RunId: runId}))
}

package messaging

import (
	"context"
	"time"

	"nervus-backend/pkg/models"
)

const (
	TrainQueue    = "train_queue"
	EvaluateQueue = "evaluate_queue"
	// FailedQueue receives rejected train and evaluate tasks, so the
	// payload of a failed run can be inspected or republished by hand.
	FailedQueue = "failed_tasks"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var queues = []string{TrainQueue, EvaluateQueue}

type Task interface {
	Type() string

	Payload() []byte

	// Ack marks the task done.
	Ack() error

	// Nack returns the task to its queue, used when a worker stops mid run.
	Nack() error

	// Reject drops the task without redelivery, used for runs that fail.
	Reject() error
}

type Publisher interface {
	PublishTrainTask(ctx context.Context, payload models.TrainTaskPayload) error

	PublishEvaluateTask(ctx context.Context, payload models.EvaluateTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}

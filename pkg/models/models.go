package models

import (
	"github.com/google/uuid"
)

// --- Task Payload Structs ---

// TrainTaskPayload starts training of a queued run. The run configuration is
// read from the run record.
type TrainTaskPayload struct {
	RunId uuid.UUID
}

type EvaluateTaskPayload struct {
	EvaluationId uuid.UUID
	RunId        uuid.UUID
	WeightKey    string
	Splits       []string
}

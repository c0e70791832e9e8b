package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// TotalLabel is the label under which the weighted sum of all label losses is
// stored.
const TotalLabel = "total"

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name    string
	Task    string `gorm:"size:20;not null"`
	Variant string `gorm:"size:20"`
	Status  string `gorm:"size:20;not null"`
	Error   sql.NullString

	Config datatypes.JSON `gorm:"type:jsonb;not null"`

	// Artifacts are stored under Bucket/Prefix.
	Bucket string
	Prefix string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	BestEpoch   sql.NullInt64
	BestValLoss sql.NullFloat64

	Labels      []RunLabel           `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Losses      []EpochLoss          `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Checkpoints []CheckpointArtifact `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Evaluations []Evaluation         `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunLabel struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name  string    `gorm:"primaryKey"`

	Objective  string `gorm:"size:20;not null"`
	NumOutputs int
	Weight     float64

	BestEpoch   sql.NullInt64
	BestValLoss sql.NullFloat64
}

type EpochLoss struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label string    `gorm:"primaryKey"`
	Epoch int       `gorm:"primaryKey"`

	TrainLoss sql.NullFloat64
	ValLoss   sql.NullFloat64
}

type CheckpointArtifact struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId uuid.UUID `gorm:"type:uuid;index"`

	Name  string
	Key   string `gorm:"not null"`
	Epoch int
	Best  bool
	Size  int64

	CreationTime time.Time
}

type Evaluation struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId uuid.UUID `gorm:"type:uuid;index"`

	WeightKey     string
	LikelihoodKey string
	Splits        string

	Status         string `gorm:"size:20;not null"`
	Error          sql.NullString
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

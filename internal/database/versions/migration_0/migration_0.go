package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name    string
	Task    string `gorm:"size:20;not null"`
	Variant string `gorm:"size:20"`
	Status  string `gorm:"size:20;not null"`
	Error   sql.NullString

	Config datatypes.JSON `gorm:"type:jsonb;not null"`

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

func Migration(db *gorm.DB) error {
	err := db.AutoMigrate(&TrainingRun{}, &RunLabel{}, &EpochLoss{}, &CheckpointArtifact{})
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}

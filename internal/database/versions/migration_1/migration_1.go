package migration_1

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

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

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Evaluation{}); err != nil {
		return fmt.Errorf("error creating evaluations table: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&Evaluation{}); err != nil {
		return fmt.Errorf("error dropping evaluations table: %w", err)
	}
	return nil
}

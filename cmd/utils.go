package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"nervus-backend/internal/core"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/pkg/models"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

// LoadEnvFile parses the command line, so flags of the calling command must
// be defined before it is called.
func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// NewProgressBar renders the batch progress of a training phase on stderr.
func NewProgressBar(description string, total int) core.Progress {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// RequeueUnfinished publishes a task for every run and evaluation that was
// queued or running when the process last stopped. It is needed by queues
// that do not outlive the process.
func RequeueUnfinished(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	unfinished := []string{database.JobQueued, database.JobRunning}

	var runs []database.TrainingRun
	if err := db.WithContext(ctx).Where("status IN ?", unfinished).Order("creation_time").Find(&runs).Error; err != nil {
		return fmt.Errorf("error fetching unfinished runs: %w", err)
	}

	for _, run := range runs {
		if err := publisher.PublishTrainTask(ctx, models.TrainTaskPayload{RunId: run.Id}); err != nil {
			return fmt.Errorf("error requeueing run %s: %w", run.Id, err)
		}
	}

	var evals []database.Evaluation
	if err := db.WithContext(ctx).Where("status IN ?", unfinished).Order("creation_time").Find(&evals).Error; err != nil {
		return fmt.Errorf("error fetching unfinished evaluations: %w", err)
	}

	for _, eval := range evals {
		var splits []string
		if eval.Splits != "" {
			splits = strings.Split(eval.Splits, ",")
		}
		payload := models.EvaluateTaskPayload{
			EvaluationId: eval.Id,
			RunId:        eval.RunId,
			WeightKey:    eval.WeightKey,
			Splits:       splits,
		}
		if err := publisher.PublishEvaluateTask(ctx, payload); err != nil {
			return fmt.Errorf("error requeueing evaluation %s: %w", eval.Id, err)
		}
	}

	slog.Info("requeued unfinished tasks", "runs", len(runs), "evaluations", len(evals))

	return nil
}

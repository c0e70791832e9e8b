package api

import (
	"time"

	"github.com/google/uuid"
)

type LabelConfig struct {
	Name      string `yaml:"name"`
	Objective string `yaml:"objective"`
	// NumClasses is only used by classification labels. When zero it is
	// inferred from the dataset.
	NumClasses int      `yaml:"num_classes"`
	Weight     *float64 `yaml:"weight"`
}

type DatasetConfig struct {
	Bucket      string `yaml:"bucket"`
	ManifestKey string `yaml:"manifest_key"`
	ImagePrefix string `yaml:"image_prefix"`
	ImageWidth  int    `yaml:"image_width"`
	ImageHeight int    `yaml:"image_height"`
}

// RunConfig describes one training run. It is submitted through the API,
// read from yaml by the train command, and stored on the run record.
type RunConfig struct {
	Name string `yaml:"name"`
	Task string `yaml:"task"`

	Tabular bool `yaml:"tabular"`
	Image   bool `yaml:"image"`

	Labels []LabelConfig `yaml:"labels"`

	Epochs       int      `yaml:"epochs"`
	LearningRate float64  `yaml:"learning_rate"`
	BatchSize    int      `yaml:"batch_size"`
	SavePolicy   string   `yaml:"save_policy"`
	SurvivalL2   *float64 `yaml:"survival_l2"`
	Seed         int64    `yaml:"seed"`

	Dataset DatasetConfig `yaml:"dataset"`
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type Run struct {
	Id      uuid.UUID
	Name    string
	Task    string
	Variant string
	Status  string
	Error   string `json:"Error,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	BestEpoch   *int     `json:"BestEpoch,omitempty"`
	BestValLoss *float64 `json:"BestValLoss,omitempty"`

	Config RunConfig
}

type ListRunsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

type LabelBest struct {
	Label       string
	BestEpoch   int
	BestValLoss float64
}

type EpochLoss struct {
	Epoch     int
	TrainLoss *float64
	ValLoss   *float64
}

type LearningCurve struct {
	Label  string
	Epochs []EpochLoss
}

type Checkpoint struct {
	Id    uuid.UUID
	Name  string
	Key   string
	Epoch int
	Best  bool
	Size  int64
}

type EvaluateRequest struct {
	// WeightKey defaults to the run's best checkpoint.
	WeightKey string
	Splits    []string
}

type EvaluateResponse struct {
	EvaluationId  uuid.UUID
	RunId         uuid.UUID
	LikelihoodKey string
}

type Metric struct {
	Label string
	// Institution is empty when the dataset has no institution column.
	Institution string
	Split       string
	Samples     int
	R2          float64
}

type MetricsParams struct {
	WeightKey string `schema:"weight_key"`
}

type MetricsResponse struct {
	LikelihoodKey string
	Metrics       []Metric
}

type Evaluation struct {
	Id            uuid.UUID
	RunId         uuid.UUID
	WeightKey     string
	LikelihoodKey string
	Splits        []string
	Status        string
	Error         string `json:"Error,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

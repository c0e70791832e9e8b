package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nervus-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runYAML = `
name: survival-run
task: deepsurv
tabular: true
image: true
labels:
  - name: internal_event
  - name: internal_grade
    objective: classification
    num_classes: 3
    weight: 0.5
epochs: 10
learning_rate: 0.01
batch_size: 32
save_policy: each
survival_l2: 0.001
seed: 42
dataset:
  bucket: datasets
  manifest_key: cohort/manifest.csv
  image_prefix: cohort/images
  image_width: 64
  image_height: 64
`

func TestReadRunConfig(t *testing.T) {
	cfg, err := ReadRunConfig(strings.NewReader(runYAML))
	require.NoError(t, err)

	weight, l2 := 0.5, 0.001
	assert.Equal(t, api.RunConfig{
		Name:    "survival-run",
		Task:    "deepsurv",
		Tabular: true,
		Image:   true,
		Labels: []api.LabelConfig{
			{Name: "internal_event"},
			{Name: "internal_grade", Objective: "classification", NumClasses: 3, Weight: &weight},
		},
		Epochs:       10,
		LearningRate: 0.01,
		BatchSize:    32,
		SavePolicy:   "each",
		SurvivalL2:   &l2,
		Seed:         42,
		Dataset: api.DatasetConfig{
			Bucket:      "datasets",
			ManifestKey: "cohort/manifest.csv",
			ImagePrefix: "cohort/images",
			ImageWidth:  64,
			ImageHeight: 64,
		},
	}, cfg)
}

func TestReadRunConfigUnknownKey(t *testing.T) {
	_, err := ReadRunConfig(strings.NewReader("task: regression\nepoch: 3\n"))
	assert.Error(t, err)
}

func TestLoadRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(runYAML), 0644))

	cfg, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "survival-run", cfg.Name)

	_, err = LoadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"nervus-backend/internal/core/types"
)

var ErrManifest = errors.New("invalid dataset manifest")

const (
	idColumn      = "id"
	splitColumn   = "split"
	InstColumn    = "institution"
	periodColumn  = "period"
	imgpathColumn = "imgpath"

	InputPrefix = "input_"
	LabelPrefix = "internal_"
)

const (
	TrainSplit = "train"
	ValSplit   = "val"
	TestSplit  = "test"
)

type Sample struct {
	ID    string
	Split string
	// Institution is empty when the manifest has no institution column.
	Institution string
	Inputs      []float64
	Targets     map[string]float64
	Period      float64
	ImgPath     string
}

// Manifest is the parsed dataset csv. Columns are matched by name: id, split,
// input_* features, internal_* labels, and the optional period, imgpath and
// institution.
type Manifest struct {
	InputNames     []string
	LabelNames     []string
	HasPeriod      bool
	HasImages      bool
	HasInstitution bool

	Samples []Sample
}

func ReadManifest(r io.Reader) (*Manifest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: error reading header: %v", ErrManifest, err)
	}

	idCol, splitCol, periodCol, imgCol, instCol := -1, -1, -1, -1, -1
	var inputCols, labelCols []int
	m := &Manifest{}

	for i, name := range header {
		name = strings.TrimSpace(name)
		switch {
		case name == idColumn:
			idCol = i
		case name == splitColumn:
			splitCol = i
		case name == periodColumn:
			periodCol = i
		case name == imgpathColumn:
			imgCol = i
		case name == InstColumn:
			instCol = i
		case strings.HasPrefix(name, InputPrefix):
			inputCols = append(inputCols, i)
			m.InputNames = append(m.InputNames, name)
		case strings.HasPrefix(name, LabelPrefix):
			labelCols = append(labelCols, i)
			m.LabelNames = append(m.LabelNames, name)
		}
	}

	if idCol < 0 || splitCol < 0 {
		return nil, fmt.Errorf("%w: columns '%s' and '%s' are required", ErrManifest, idColumn, splitColumn)
	}
	if len(labelCols) == 0 {
		return nil, fmt.Errorf("%w: no '%s' label columns", ErrManifest, LabelPrefix)
	}
	m.HasPeriod = periodCol >= 0
	m.HasImages = imgCol >= 0
	m.HasInstitution = instCol >= 0

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrManifest, line, err)
		}

		sample := Sample{
			ID:      record[idCol],
			Split:   strings.TrimSpace(record[splitCol]),
			Inputs:  make([]float64, len(inputCols)),
			Targets: make(map[string]float64, len(labelCols)),
		}

		for j, col := range inputCols {
			v, err := parseFloat(record[col])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column '%s': %v", ErrManifest, line, header[col], err)
			}
			sample.Inputs[j] = v
		}
		for j, col := range labelCols {
			v, err := parseFloat(record[col])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column '%s': %v", ErrManifest, line, header[col], err)
			}
			sample.Targets[m.LabelNames[j]] = v
		}
		if m.HasPeriod {
			v, err := parseFloat(record[periodCol])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column '%s': %v", ErrManifest, line, periodColumn, err)
			}
			sample.Period = v
		}
		if m.HasImages {
			sample.ImgPath = strings.TrimSpace(record[imgCol])
		}
		if m.HasInstitution {
			sample.Institution = strings.TrimSpace(record[instCol])
		}

		m.Samples = append(m.Samples, sample)
	}

	return m, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func (m *Manifest) Split(split string) []Sample {
	var out []Sample
	for _, s := range m.Samples {
		if s.Split == split {
			out = append(out, s)
		}
	}
	return out
}

// NumClasses returns one more than the largest class index of the label.
func (m *Manifest) NumClasses(label string) int {
	maxClass := -1
	for _, s := range m.Samples {
		if c := int(s.Targets[label]); c > maxClass {
			maxClass = c
		}
	}
	return maxClass + 1
}

// Validate checks that the manifest provides what the labels and modalities
// need.
func (m *Manifest) Validate(labels []types.InternalLabel, useTabular, useImage bool) error {
	present := make(map[string]bool, len(m.LabelNames))
	for _, name := range m.LabelNames {
		present[name] = true
	}

	for _, label := range labels {
		if !present[label.Name] {
			return fmt.Errorf("%w: label column '%s' not found", ErrManifest, label.Name)
		}
		if label.Objective == types.SurvivalObjective && !m.HasPeriod {
			return fmt.Errorf("%w: survival label '%s' requires a '%s' column", ErrManifest, label.Name, periodColumn)
		}
		if label.Objective == types.ClassificationObjective {
			for _, s := range m.Samples {
				v := s.Targets[label.Name]
				if v != float64(int(v)) || v < 0 || int(v) >= label.NumOutputs {
					return fmt.Errorf("%w: sample '%s' has class %v for label '%s' with %d classes", ErrManifest, s.ID, v, label.Name, label.NumOutputs)
				}
			}
		}
	}

	if useTabular && len(m.InputNames) == 0 {
		return fmt.Errorf("%w: tabular inputs requested but no '%s' columns", ErrManifest, InputPrefix)
	}
	if useImage && !m.HasImages {
		return fmt.Errorf("%w: image inputs requested but no '%s' column", ErrManifest, imgpathColumn)
	}

	if len(m.Split(TrainSplit)) == 0 {
		return fmt.Errorf("%w: no samples in split '%s'", ErrManifest, TrainSplit)
	}
	if len(m.Split(ValSplit)) == 0 {
		return fmt.Errorf("%w: no samples in split '%s'", ErrManifest, ValSplit)
	}

	return nil
}

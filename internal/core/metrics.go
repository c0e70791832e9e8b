package core

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"nervus-backend/internal/core/dataset"
	"nervus-backend/internal/core/types"
	"nervus-backend/pkg/api"

	"gonum.org/v1/gonum/stat"
)

type splitValues struct {
	targets []float64
	preds   []float64
}

// groupKey identifies the samples one R² is computed over.
type groupKey struct {
	institution string
	split       string
}

// orderedKeys remembers the order in which values were first seen.
type orderedKeys[T comparable] struct {
	seen  map[T]bool
	order []T
}

func (o *orderedKeys[T]) add(v T) {
	if o.seen == nil {
		o.seen = map[T]bool{}
	}
	if !o.seen[v] {
		o.seen[v] = true
		o.order = append(o.order, v)
	}
}

// RegressionMetrics reads a likelihood csv and computes the coefficient of
// determination of every regression label, grouped by institution and then by
// split. Without an institution column all samples form one institution.
// Groups with fewer than two samples or a constant target are skipped.
func RegressionMetrics(r io.Reader, labels []types.InternalLabel) ([]api.Metric, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading likelihood header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}

	splitCol, ok := columns["split"]
	if !ok {
		return nil, fmt.Errorf("likelihood has no split column")
	}
	instCol, hasInst := columns[dataset.InstColumn]

	type labelColumns struct {
		name   string
		target int
		pred   int
	}
	var regression []labelColumns
	for _, label := range labels {
		if label.Objective != types.RegressionObjective {
			continue
		}
		target, ok := columns[label.Name]
		if !ok {
			return nil, fmt.Errorf("likelihood has no column for label '%s'", label.Name)
		}
		pred, ok := columns[PredictionColumn(label.Name)]
		if !ok {
			return nil, fmt.Errorf("likelihood has no prediction for label '%s'", label.Name)
		}
		regression = append(regression, labelColumns{name: label.Name, target: target, pred: pred})
	}

	values := make(map[string]map[groupKey]*splitValues, len(regression))
	var institutions, splits orderedKeys[string]

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading likelihood: %w", err)
		}

		key := groupKey{split: record[splitCol]}
		if hasInst {
			key.institution = record[instCol]
		}
		institutions.add(key.institution)
		splits.add(key.split)

		for _, lc := range regression {
			target, err := strconv.ParseFloat(record[lc.target], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid target for label '%s': %w", lc.name, err)
			}
			pred, err := strconv.ParseFloat(record[lc.pred], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid prediction for label '%s': %w", lc.name, err)
			}

			if values[lc.name] == nil {
				values[lc.name] = make(map[groupKey]*splitValues)
			}
			sv := values[lc.name][key]
			if sv == nil {
				sv = &splitValues{}
				values[lc.name][key] = sv
			}
			sv.targets = append(sv.targets, target)
			sv.preds = append(sv.preds, pred)
		}
	}

	metrics := []api.Metric{}
	for _, inst := range institutions.order {
		for _, lc := range regression {
			for _, split := range splits.order {
				sv := values[lc.name][groupKey{institution: inst, split: split}]
				if sv == nil || len(sv.targets) < 2 {
					continue
				}
				r2 := stat.RSquaredFrom(sv.preds, sv.targets, nil)
				if math.IsNaN(r2) || math.IsInf(r2, 0) {
					continue
				}
				metrics = append(metrics, api.Metric{
					Label:       types.DisplayLabelName(lc.name),
					Institution: inst,
					Split:       split,
					Samples:     len(sv.targets),
					R2:          r2,
				})
			}
		}
	}

	return metrics, nil
}

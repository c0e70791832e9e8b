package dataset

import (
	"encoding/json"
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"
)

// MinMaxScaler maps each tabular feature to [0, 1] using the range observed
// on the training split. Constant features map to 0.
type MinMaxScaler struct {
	Features []string  `json:"features"`
	Min      []float64 `json:"min"`
	Max      []float64 `json:"max"`
}

func FitMinMaxScaler(features []string, samples []Sample) (*MinMaxScaler, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot fit scaler without samples")
	}

	s := &MinMaxScaler{
		Features: features,
		Min:      make([]float64, len(features)),
		Max:      make([]float64, len(features)),
	}
	column := make([]float64, len(samples))
	for j := range features {
		for i, sample := range samples {
			column[i] = sample.Inputs[j]
		}
		s.Min[j] = floats.Min(column)
		s.Max[j] = floats.Max(column)
	}
	return s, nil
}

// Transform writes the scaled features of in into out.
func (s *MinMaxScaler) Transform(in, out []float64) {
	for j, v := range in {
		span := s.Max[j] - s.Min[j]
		if span == 0 {
			out[j] = 0
			continue
		}
		out[j] = (v - s.Min[j]) / span
	}
}

func (s *MinMaxScaler) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("error encoding scaler: %w", err)
	}
	return nil
}

func LoadScaler(r io.Reader) (*MinMaxScaler, error) {
	var s MinMaxScaler
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("error decoding scaler: %w", err)
	}
	if len(s.Min) != len(s.Features) || len(s.Max) != len(s.Features) {
		return nil, fmt.Errorf("scaler has %d features but %d/%d bounds", len(s.Features), len(s.Min), len(s.Max))
	}
	return &s, nil
}

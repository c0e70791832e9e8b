package linear

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

var ErrInputShape = errors.New("input shape does not match model")

// Model is a multi-head linear model: one weight matrix and bias row per
// internal label, applied to the tabular features, the flattened image, or
// their concatenation. It implements types.Model.
type Model struct {
	tabularDim int
	imageDim   int
	labels     []types.InternalLabel

	params types.StateDict
	grads  map[string]*mat.Dense

	input    *mat.Dense
	training bool
}

var _ types.Model = (*Model)(nil)

func WeightName(label string) string { return "head." + label + ".weight" }

func BiasName(label string) string { return "head." + label + ".bias" }

// NewModel creates a model reading tabularDim features and imageDim pixels.
// A zero dimension disables that input. Weights use Xavier initialization
// from the given seed.
func NewModel(tabularDim, imageDim int, labels []types.InternalLabel, seed int64) (*Model, error) {
	if tabularDim < 0 || imageDim < 0 || tabularDim+imageDim == 0 {
		return nil, fmt.Errorf("%w: model needs at least one input feature", types.ErrConfiguration)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: model needs at least one label", types.ErrConfiguration)
	}

	rng := rand.New(rand.NewSource(seed))
	in := tabularDim + imageDim

	params := make(types.StateDict, 2*len(labels))
	for _, label := range labels {
		out := label.NumOutputs
		if out < 1 {
			return nil, fmt.Errorf("%w: label '%s' has %d outputs", types.ErrConfiguration, label.Name, out)
		}

		limit := math.Sqrt(6 / float64(in+out))
		w := make([]float64, in*out)
		for i := range w {
			w[i] = (rng.Float64()*2 - 1) * limit
		}
		params[WeightName(label.Name)] = mat.NewDense(in, out, w)
		params[BiasName(label.Name)] = mat.NewDense(1, out, nil)
	}

	return &Model{
		tabularDim: tabularDim,
		imageDim:   imageDim,
		labels:     labels,
		params:     params,
		training:   true,
	}, nil
}

func (m *Model) concat(inputs types.Inputs) (*mat.Dense, error) {
	var parts []*mat.Dense
	if m.tabularDim > 0 {
		if inputs.Tabular == nil {
			return nil, fmt.Errorf("%w: missing tabular inputs", ErrInputShape)
		}
		if _, c := inputs.Tabular.Dims(); c != m.tabularDim {
			return nil, fmt.Errorf("%w: expected %d tabular features, got %d", ErrInputShape, m.tabularDim, c)
		}
		parts = append(parts, inputs.Tabular)
	}
	if m.imageDim > 0 {
		if inputs.Image == nil {
			return nil, fmt.Errorf("%w: missing image inputs", ErrInputShape)
		}
		if _, c := inputs.Image.Dims(); c != m.imageDim {
			return nil, fmt.Errorf("%w: expected %d image pixels, got %d", ErrInputShape, m.imageDim, c)
		}
		parts = append(parts, inputs.Image)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	rows, _ := parts[0].Dims()
	if r, _ := parts[1].Dims(); r != rows {
		return nil, fmt.Errorf("%w: %d tabular rows but %d image rows", ErrInputShape, rows, r)
	}
	var x mat.Dense
	x.Augment(parts[0], parts[1])
	return &x, nil
}

func (m *Model) Forward(inputs types.Inputs) (types.Outputs, error) {
	x, err := m.concat(inputs)
	if err != nil {
		return nil, err
	}
	m.input = x

	rows, _ := x.Dims()
	outputs := make(types.Outputs, len(m.labels))
	for _, label := range m.labels {
		w := m.params[WeightName(label.Name)]
		b := m.params[BiasName(label.Name)]

		var y mat.Dense
		y.Mul(x, w)
		bias := b.RawRowView(0)
		for i := 0; i < rows; i++ {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += bias[j]
			}
		}
		outputs[label.Name] = &y
	}
	return outputs, nil
}

// Backward computes parameter gradients from the output gradients of the last
// Forward call. Parameter gradients supplied directly (regularization) are
// added on top.
func (m *Model) Backward(grads types.Gradients) error {
	if m.input == nil {
		return errors.New("backward called before forward")
	}

	m.grads = make(map[string]*mat.Dense, len(m.params))
	for _, label := range m.labels {
		g, ok := grads.Outputs[label.Name]
		if !ok {
			continue
		}

		var dw mat.Dense
		dw.Mul(m.input.T(), g)

		_, out := g.Dims()
		db := mat.NewDense(1, out, nil)
		for j := 0; j < out; j++ {
			db.Set(0, j, mat.Sum(g.ColView(j)))
		}

		m.grads[WeightName(label.Name)] = &dw
		m.grads[BiasName(label.Name)] = db
	}

	for name, g := range grads.Parameters {
		p, ok := m.params[name]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter '%s'", name)
		}
		if acc, ok := m.grads[name]; ok {
			acc.Add(acc, g)
		} else {
			pr, pc := p.Dims()
			acc := mat.NewDense(pr, pc, nil)
			acc.Add(acc, g)
			m.grads[name] = acc
		}
	}
	return nil
}

// Step applies one plain gradient descent update and clears the gradients.
func (m *Model) Step(lr float64) {
	for name, g := range m.grads {
		p := m.params[name]
		var update mat.Dense
		update.Scale(lr, g)
		p.Sub(p, &update)
	}
	m.grads = nil
}

func (m *Model) Parameters() types.StateDict {
	return m.params
}

func (m *Model) SetTraining(training bool) {
	m.training = training
	if !training {
		m.grads = nil
	}
}

func (m *Model) Training() bool {
	return m.training
}

func (m *Model) StateDict() types.StateDict {
	return m.params.Clone()
}

func (m *Model) LoadStateDict(state types.StateDict) error {
	names := make([]string, 0, len(m.params))
	for name := range m.params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("state is missing parameter '%s'", name)
		}
		sr, sc := src.Dims()
		pr, pc := m.params[name].Dims()
		if sr != pr || sc != pc {
			return fmt.Errorf("%w: parameter '%s' is %dx%d, state has %dx%d", ErrInputShape, name, pr, pc, sr, sc)
		}
	}
	for _, name := range names {
		m.params[name].Copy(state[name])
	}
	return nil
}

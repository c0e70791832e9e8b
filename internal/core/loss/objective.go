package loss

import (
	"fmt"
	"math"
	"sort"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Objective computes a label's batch loss and its gradient with respect to
// the predictions.
type Objective interface {
	Kind() types.ObjectiveKind

	Evaluate(pred *mat.Dense, target []float64, periods []float64) (float64, *mat.Dense, error)
}

// Regularizer is implemented by objectives that also penalize the model
// parameters. The returned gradients are keyed by parameter name.
type Regularizer interface {
	Penalty(params types.StateDict) (float64, map[string]*mat.Dense)
}

func NewObjective(label types.InternalLabel, survivalL2 float64) (Objective, error) {
	switch label.Objective {
	case types.ClassificationObjective:
		if label.NumOutputs < 2 {
			return nil, fmt.Errorf("%w: classification label '%s' needs at least 2 classes, got %d", types.ErrConfiguration, label.Name, label.NumOutputs)
		}
		return &CrossEntropy{numClasses: label.NumOutputs}, nil
	case types.RegressionObjective:
		return &MSE{}, nil
	case types.SurvivalObjective:
		return &CoxPartialLikelihood{l2: survivalL2}, nil
	default:
		return nil, fmt.Errorf("%w: label '%s' has unknown objective '%s'", types.ErrConfiguration, label.Name, label.Objective)
	}
}

func checkRows(pred *mat.Dense, n int) error {
	if pred == nil {
		return fmt.Errorf("%w: missing predictions", ErrShapeMismatch)
	}
	if r, _ := pred.Dims(); r != n {
		return fmt.Errorf("%w: %d predictions for %d targets", ErrShapeMismatch, r, n)
	}
	return nil
}

func checkCols(pred *mat.Dense, want int) error {
	if _, c := pred.Dims(); c != want {
		return fmt.Errorf("%w: expected %d outputs per sample, got %d", ErrShapeMismatch, want, c)
	}
	return nil
}

// CrossEntropy is softmax cross-entropy over class logits with integer class
// targets, averaged over the batch.
type CrossEntropy struct {
	numClasses int
}

func (ce *CrossEntropy) Kind() types.ObjectiveKind {
	return types.ClassificationObjective
}

func (ce *CrossEntropy) Evaluate(pred *mat.Dense, target []float64, _ []float64) (float64, *mat.Dense, error) {
	if err := checkRows(pred, len(target)); err != nil {
		return 0, nil, err
	}
	if err := checkCols(pred, ce.numClasses); err != nil {
		return 0, nil, err
	}

	n := len(target)
	grad := mat.NewDense(n, ce.numClasses, nil)
	probs := make([]float64, ce.numClasses)
	var total float64
	for i, t := range target {
		class := int(t)
		if float64(class) != t || class < 0 || class >= ce.numClasses {
			return 0, nil, fmt.Errorf("%w: class index %v outside [0, %d)", ErrShapeMismatch, t, ce.numClasses)
		}

		// log-sum-exp with the row max subtracted
		row := pred.RawRowView(i)
		maxLogit := floats.Max(row)
		for k, z := range row {
			probs[k] = math.Exp(z - maxLogit)
		}
		sum := floats.Sum(probs)
		total += maxLogit + math.Log(sum) - row[class]

		floats.Scale(1/sum, probs)
		probs[class] -= 1
		floats.Scale(1/float64(n), probs)
		grad.SetRow(i, probs)
	}

	return total / float64(n), grad, nil
}

// MSE is the mean squared error of a single regression output.
type MSE struct{}

func (m *MSE) Kind() types.ObjectiveKind {
	return types.RegressionObjective
}

func (m *MSE) Evaluate(pred *mat.Dense, target []float64, _ []float64) (float64, *mat.Dense, error) {
	if err := checkRows(pred, len(target)); err != nil {
		return 0, nil, err
	}
	if err := checkCols(pred, 1); err != nil {
		return 0, nil, err
	}

	n := float64(len(target))
	grad := mat.NewDense(len(target), 1, nil)
	var total float64
	for i, t := range target {
		diff := pred.At(i, 0) - t
		total += diff * diff
		grad.Set(i, 0, 2*diff/n)
	}

	return total / n, grad, nil
}

// CoxPartialLikelihood is the negative Cox partial log-likelihood of the
// predicted risk scores, averaged over observed events, with Breslow handling
// of tied times. An L2 penalty over all model parameters is added through
// Penalty.
type CoxPartialLikelihood struct {
	l2 float64
}

func (c *CoxPartialLikelihood) Kind() types.ObjectiveKind {
	return types.SurvivalObjective
}

func (c *CoxPartialLikelihood) Evaluate(pred *mat.Dense, events []float64, periods []float64) (float64, *mat.Dense, error) {
	if err := checkRows(pred, len(events)); err != nil {
		return 0, nil, err
	}
	if err := checkCols(pred, 1); err != nil {
		return 0, nil, err
	}
	if len(periods) != len(events) {
		return 0, nil, fmt.Errorf("%w: %d periods for %d events", ErrShapeMismatch, len(periods), len(events))
	}

	n := len(events)
	grad := mat.NewDense(n, 1, nil)

	risk := mat.Col(nil, 0, pred)
	maxRisk := floats.Max(risk)
	expRisk := make([]float64, n)
	for i, r := range risk {
		expRisk[i] = math.Exp(r - maxRisk)
	}

	// Samples ordered by decreasing period so that every risk set is a prefix.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return periods[order[a]] > periods[order[b]] })

	riskSetSum := make([]float64, n)
	var running float64
	for pos := 0; pos < n; {
		end := pos
		for end < n && periods[order[end]] == periods[order[pos]] {
			running += expRisk[order[end]]
			end++
		}
		for k := pos; k < end; k++ {
			riskSetSum[order[k]] = running
		}
		pos = end
	}

	var numEvents float64
	var total float64
	for i, e := range events {
		if e != 0 {
			numEvents++
			total -= risk[i] - maxRisk - math.Log(riskSetSum[i])
		}
	}
	if numEvents == 0 {
		return 0, grad, nil
	}

	for k := 0; k < n; k++ {
		var g float64
		if events[k] != 0 {
			g = -1
		}
		for i := 0; i < n; i++ {
			if events[i] != 0 && periods[k] >= periods[i] {
				g += expRisk[k] / riskSetSum[i]
			}
		}
		grad.Set(k, 0, g/numEvents)
	}

	return total / numEvents, grad, nil
}

func (c *CoxPartialLikelihood) Penalty(params types.StateDict) (float64, map[string]*mat.Dense) {
	if c.l2 == 0 || len(params) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var penalty float64
	grads := make(map[string]*mat.Dense, len(params))
	for _, name := range names {
		p := params[name]
		norm := mat.Norm(p, 2)
		penalty += c.l2 * norm * norm

		var g mat.Dense
		g.Scale(2*c.l2, p)
		grads[name] = &g
	}
	return penalty, grads
}

// Softmax writes the class probabilities of one row of logits into dst.
func Softmax(dst, logits []float64) {
	maxLogit := floats.Max(logits)
	for k, z := range logits {
		dst[k] = math.Exp(z - maxLogit)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

package learner

import (
	"math/rand"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/params"
)

// Linear is the in-memory reference Learner the module map promises: an
// online linear-regression model trained by plain SGD on squared-error
// loss. It exists so cmd/worker has a real Incremental implementation to drive end to end without pulling in an
// actual ML framework, which spec §1/§6 place out of scope.
type Linear struct {
	weights params.DenseVector
	bias    float64
	lr      float64
}

// NewLinear builds a Linear model of the given feature dimension, with
// weights at the origin.
func NewLinear(dim int, learningRate float64) *Linear {
	return &Linear{weights: params.DenseVector{Values: make([]float64, dim)}, lr: learningRate}
}

func (l *Linear) SetParameters(p params.Parameters) error {
	dv, ok := p.(*params.DenseVector)
	if !ok {
		return dlerrors.TypeContract("Linear.SetParameters: %T is not *params.DenseVector", p)
	}
	if len(dv.Values) != len(l.weights.Values)+1 {
		return dlerrors.TypeContract("Linear.SetParameters: dimension mismatch %d != %d", len(dv.Values), len(l.weights.Values)+1)
	}
	copy(l.weights.Values, dv.Values[:len(l.weights.Values)])
	l.bias = dv.Values[len(l.weights.Values)]
	return nil
}

// GetParameters packs weights and bias into one DenseVector, bias last,
// so the wire codec and aggregation operators never need to know the
// model has two logically distinct parts.
func (l *Linear) GetParameters() params.Parameters {
	out := make([]float64, len(l.weights.Values)+1)
	copy(out, l.weights.Values)
	out[len(out)-1] = l.bias
	return params.NewDenseVector(out)
}

func (l *Linear) predict(features []float64) float64 {
	y := l.bias
	for i, w := range l.weights.Values {
		if i < len(features) {
			y += w * features[i]
		}
	}
	return y
}

// Update runs one SGD pass over batch and returns the mean squared error
// observed before the step, plus the pre-update predictions (spec §4.4's
// incremental-learner cycle calls this once per full mini-batch).
func (l *Linear) Update(batch Batch) (loss float64, predictions []float64, err error) {
	predictions = make([]float64, len(batch))
	var sumSq float64
	gradW := make([]float64, len(l.weights.Values))
	var gradB float64
	for i, ex := range batch {
		pred := l.predict(ex.Features)
		predictions[i] = pred
		diff := pred - ex.Label
		sumSq += diff * diff
		for j := range gradW {
			if j < len(ex.Features) {
				gradW[j] += diff * ex.Features[j]
			}
		}
		gradB += diff
	}
	n := float64(len(batch))
	if n == 0 {
		return 0, predictions, nil
	}
	for j := range l.weights.Values {
		l.weights.Values[j] -= l.lr * gradW[j] / n
	}
	l.bias -= l.lr * gradB / n
	return sumSq / n, predictions, nil
}

var _ Incremental = (*Linear)(nil)

// RandInit seeds weights uniformly in [-scale, scale], useful for giving
// distinct workers distinct starting points before the first registration.
func (l *Linear) RandInit(r *rand.Rand, scale float64) {
	for i := range l.weights.Values {
		l.weights.Values[i] = (r.Float64()*2 - 1) * scale
	}
	l.bias = (r.Float64()*2 - 1) * scale
}

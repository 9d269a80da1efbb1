package params

import (
	"math"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
)

// DenseVector is a flat 1-D real-valued parameter vector, e.g. the weight
// vector of a linear model. It is the simplest concrete Parameters
// variant and the one most synchronizer tests exercise directly.
type DenseVector struct {
	Values []float64
}

// NewDenseVector copies v into a new DenseVector.
func NewDenseVector(v []float64) *DenseVector {
	cp := make([]float64, len(v))
	copy(cp, v)
	return &DenseVector{Values: cp}
}

func (d *DenseVector) Variant() Variant { return VariantDenseVector }

func (d *DenseVector) Add(other Parameters) error {
	o, ok := other.(*DenseVector)
	if !ok {
		return dlerrors.TypeContract("DenseVector.Add: other is %T, not *DenseVector", other)
	}
	if len(o.Values) != len(d.Values) {
		return dlerrors.TypeContract("DenseVector.Add: dimension mismatch %d != %d", len(d.Values), len(o.Values))
	}
	for i, v := range o.Values {
		d.Values[i] += v
	}
	return nil
}

func (d *DenseVector) ScalarMultiply(s float64) {
	for i := range d.Values {
		d.Values[i] *= s
	}
}

func (d *DenseVector) Distance(other Parameters) (float64, error) {
	o, ok := other.(*DenseVector)
	if !ok {
		return 0, dlerrors.TypeContract("DenseVector.Distance: other is %T, not *DenseVector", other)
	}
	if len(o.Values) != len(d.Values) {
		return 0, dlerrors.TypeContract("DenseVector.Distance: dimension mismatch %d != %d", len(d.Values), len(o.Values))
	}
	var sum float64
	for i, v := range d.Values {
		diff := v - o.Values[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

func (d *DenseVector) Copy() Parameters {
	return NewDenseVector(d.Values)
}

func (d *DenseVector) ToVector() []float64 {
	out := make([]float64, len(d.Values))
	copy(out, d.Values)
	return out
}

func (d *DenseVector) FromVector(v []float64) error {
	if len(v) != len(d.Values) {
		return dlerrors.TypeContract("DenseVector.FromVector: dimension mismatch %d != %d", len(d.Values), len(v))
	}
	copy(d.Values, v)
	return nil
}

// Package params implements the Parameters value algebra (spec §3, §4.5,
// §9): a small closed set of variants (DenseVector, NamedTensorMap) behind
// one interface, so cross-variant operations are a type error rather than
// a silent fall-through, per the teacher's practice of replacing dynamic
// dispatch with closed, tagged variants at the core boundary.
package params

import "github.com/fraunhofer-iais/dlsync/dlerrors"

// Variant tags the concrete kind carried by a Parameters value. Used by
// the wire codec to pick a decoder and by the algebra to reject
// cross-variant operations as TypeContractError instead of panicking.
type Variant uint8

const (
	VariantDenseVector Variant = iota + 1
	VariantNamedTensorMap
)

func (v Variant) String() string {
	switch v {
	case VariantDenseVector:
		return "DenseVector"
	case VariantNamedTensorMap:
		return "NamedTensorMap"
	default:
		return "UnknownVariant"
	}
}

// Parameters is the abstract algebra every concrete variant implements.
// Add and ScalarMultiply mutate the receiver in place; Copy returns an
// independent value so mutating the copy never perturbs the original's
// distance to any third value (spec §8 invariant 7).
type Parameters interface {
	Variant() Variant
	Add(other Parameters) error
	ScalarMultiply(s float64)
	Distance(other Parameters) (float64, error)
	Copy() Parameters
	ToVector() []float64
	FromVector(v []float64) error
}

// Mean is the arithmetic mean aggregator shared by every synchronizer
// strategy that performs a full or partial average (spec §4.5). It is
// kept here, not in package aggregate, because every aggregator needs it
// as a building block and aggregate imports params, not vice versa -- see
// aggregate.Mean for the public entry point re-exporting this.
func Mean(ps []Parameters) (Parameters, error) {
	if len(ps) == 0 {
		return nil, dlerrors.TypeContract("mean: no parameters given")
	}
	out := ps[0].Copy()
	for _, p := range ps[1:] {
		if err := out.Add(p); err != nil {
			return nil, err
		}
	}
	out.ScalarMultiply(1.0 / float64(len(ps)))
	return out, nil
}

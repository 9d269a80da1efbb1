// Package aggregate provides the two aggregation operators spec §4.5
// names: arithmetic Mean and GeometricMedian (Weiszfeld iteration from the
// arithmetic-mean seed). Both operate on the flat vector view of the
// Parameters algebra, so they work uniformly across every concrete variant
// (spec §9: the synchronizer never inspects shape beyond what the algebra
// exposes).
package aggregate

import (
	"fmt"
	"math"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/params"
)

// Aggregator combines N Parameters values of identical shape into one.
// Mismatched shapes are a fatal programming error (spec §4.5), surfaced as
// a TypeContractError rather than silently coerced.
type Aggregator interface {
	Aggregate(ps []params.Parameters) (params.Parameters, error)
	fmt.Stringer
}

// Mean is the component-wise arithmetic mean aggregator.
type Mean struct{}

func (Mean) Aggregate(ps []params.Parameters) (params.Parameters, error) {
	return params.Mean(ps)
}

func (Mean) String() string { return "Averaging" }

// GeometricMedian is the Weiszfeld-iteration aggregator (spec §4.5): the
// Vardi-Zhang update from the arithmetic-mean seed, more robust to
// outlying (e.g. adversarial or simply stale) contributions than the
// arithmetic mean.
type GeometricMedian struct {
	// Eps is the convergence tolerance; defaults to 1e-5 when zero.
	Eps float64
	// MaxIter bounds the iteration count; defaults to 1000 when zero
	// (the original's 10e6 ceiling is a safety net, not a target: in
	// practice Weiszfeld converges in a handful of iterations).
	MaxIter int
}

func (GeometricMedian) String() string { return "Geometric median" }

func (g GeometricMedian) Aggregate(ps []params.Parameters) (params.Parameters, error) {
	if len(ps) == 0 {
		return nil, dlerrors.TypeContract("geometric median: no parameters given")
	}
	eps := g.Eps
	if eps <= 0 {
		eps = 1e-5
	}
	maxIter := g.MaxIter
	if maxIter <= 0 {
		maxIter = 1000
	}

	rows := make([][]float64, len(ps))
	dim := -1
	for i, p := range ps {
		rows[i] = p.ToVector()
		if dim == -1 {
			dim = len(rows[i])
		} else if len(rows[i]) != dim {
			return nil, dlerrors.TypeContract("geometric median: dimension mismatch at input %d", i)
		}
	}

	y := mean(rows, dim)
	for iter := 0; iter < maxIter; iter++ {
		y1, converged := weiszfeldStep(rows, y, dim, eps)
		if converged {
			y = y1
			break
		}
		y = y1
	}

	out := ps[0].Copy()
	if err := out.FromVector(y); err != nil {
		return nil, err
	}
	return out, nil
}

func mean(rows [][]float64, dim int) []float64 {
	y := make([]float64, dim)
	for _, r := range rows {
		for i, v := range r {
			y[i] += v
		}
	}
	n := float64(len(rows))
	for i := range y {
		y[i] /= n
	}
	return y
}

// weiszfeldStep performs one Vardi-Zhang update and reports whether the
// caller should stop (either because the ceiling of all-zero-distance rows
// was hit, i.e. y is already the median, or because the step is within
// eps of y).
func weiszfeldStep(rows [][]float64, y []float64, dim int, eps float64) (next []float64, stop bool) {
	dists := make([]float64, len(rows))
	var sumInvDist float64
	zeros := 0
	for i, r := range rows {
		dists[i] = euclidean(r, y, dim)
		if dists[i] == 0 {
			zeros++
		} else {
			sumInvDist += 1.0 / dists[i]
		}
	}

	t := make([]float64, dim)
	for i, r := range rows {
		if dists[i] == 0 {
			continue
		}
		w := (1.0 / dists[i]) / sumInvDist
		for k, v := range r {
			t[k] += w * v
		}
	}

	var y1 []float64
	switch {
	case zeros == 0:
		y1 = t
	case zeros == len(rows):
		return y, true
	default:
		diffNorm := euclidean(t, y, dim)
		r := diffNorm * sumInvDist
		eta := 0.0
		if r != 0 {
			eta = float64(zeros) / r
		}
		a := math.Max(0, 1-eta)
		b := math.Min(1, eta)
		y1 = make([]float64, dim)
		for k := range y1 {
			y1[k] = a*t[k] + b*y[k]
		}
	}

	if euclidean(y, y1, dim) < eps {
		return y1, true
	}
	return y1, false
}

func euclidean(a, b []float64, dim int) float64 {
	var sum float64
	for i := 0; i < dim; i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

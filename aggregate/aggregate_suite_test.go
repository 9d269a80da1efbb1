package aggregate

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/params"
)

func TestAggregate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "aggregate BDD suite")
}

func vecs(rows ...[]float64) []params.Parameters {
	out := make([]params.Parameters, len(rows))
	for i, r := range rows {
		out[i] = params.NewDenseVector(r)
	}
	return out
}

var _ = Describe("Mean", func() {
	// Invariant 5 (spec §8): mean([p,p,...,p]) == p.
	DescribeTable("is idempotent on identical inputs",
		func(p []float64, n int) {
			rows := make([][]float64, n)
			for i := range rows {
				rows[i] = p
			}
			agg, err := Mean{}.Aggregate(vecs(rows...))
			Expect(err).NotTo(HaveOccurred())
			Expect(agg.ToVector()).To(Equal(p))
		},
		Entry("single point, n=3", []float64{1, 2, 3}, 3),
		Entry("origin, n=5", []float64{0, 0}, 5),
	)

	It("averages component-wise", func() {
		agg, err := Mean{}.Aggregate(vecs([]float64{0, 0}, []float64{2, 4}))
		Expect(err).NotTo(HaveOccurred())
		Expect(agg.ToVector()).To(Equal([]float64{1, 2}))
	})

	It("rejects mismatched shapes as a TypeContractError", func() {
		_, err := Mean{}.Aggregate(vecs([]float64{0, 0}, []float64{1, 1, 1}))
		Expect(err).To(HaveOccurred())
		Expect(dlerrors.Is(err, dlerrors.KindTypeContract)).To(BeTrue())
	})
})

var _ = Describe("GeometricMedian", func() {
	It("converges near the shared point when every input is identical", func() {
		p := []float64{3, -1, 4}
		agg, err := GeometricMedian{}.Aggregate(vecs(p, p, p, p))
		Expect(err).NotTo(HaveOccurred())
		got := agg.ToVector()
		for i, v := range got {
			Expect(v).To(BeNumerically("~", p[i], 1e-6))
		}
	})

	It("is robust to a single outlier compared to the arithmetic mean", func() {
		inputs := vecs([]float64{0, 0}, []float64{0, 0}, []float64{0, 0}, []float64{100, 100})
		median, err := GeometricMedian{}.Aggregate(inputs)
		Expect(err).NotTo(HaveOccurred())
		mean, err := Mean{}.Aggregate(inputs)
		Expect(err).NotTo(HaveOccurred())

		dMedian, _ := median.Distance(params.NewDenseVector([]float64{0, 0}))
		dMean, _ := mean.Distance(params.NewDenseVector([]float64{0, 0}))
		Expect(dMedian).To(BeNumerically("<", dMean))
	})

	// Invariant 6 (spec §8): the Weiszfeld step distance is non-increasing
	// after the first iteration on generic (non-degenerate) inputs.
	It("takes a non-increasing step size across iterations", func() {
		rows := [][]float64{{0, 0}, {10, 0}, {5, 8}, {-3, 4}}
		dim := 2
		y := mean(rows, dim)

		var prevStep float64 = -1
		for iter := 0; iter < 20; iter++ {
			y1, converged := weiszfeldStep(rows, y, dim, 1e-9)
			step := euclidean(y, y1, dim)
			if iter > 0 {
				Expect(step).To(BeNumerically("<=", prevStep+1e-9))
			}
			prevStep = step
			y = y1
			if converged {
				break
			}
		}
	})

	It("rejects an empty input set", func() {
		_, err := GeometricMedian{}.Aggregate(nil)
		Expect(err).To(HaveOccurred())
	})
})

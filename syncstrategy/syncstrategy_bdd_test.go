package syncstrategy_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/fraunhofer-iais/dlsync/aggregate"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
	"github.com/fraunhofer-iais/dlsync/syncstrategy"
)

func dv(vs ...float64) params.Parameters { return params.NewDenseVector(vs) }

var _ = Describe("PeriodicSync", func() {
	// Scenario S1 (spec §8): aggregation fires only once every active
	// node's model is present in the balancing set.
	It("withholds aggregation until every active node has reported", func() {
		s := syncstrategy.PeriodicSync{Aggregator: aggregate.Mean{}}
		active := []nodeid.NodeId{"a", "b", "c"}
		balancing := map[nodeid.NodeId]params.Parameters{"a": dv(1, 1)}

		result, err := s.Evaluate(balancing, active, active)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).To(BeNil())
	})

	It("aggregates to the arithmetic mean once all active nodes reported", func() {
		s := syncstrategy.PeriodicSync{Aggregator: aggregate.Mean{}}
		active := []nodeid.NodeId{"a", "b", "c"}
		balancing := map[nodeid.NodeId]params.Parameters{
			"a": dv(0, 0), "b": dv(3, 3), "c": dv(3, 3),
		}

		result, err := s.Evaluate(balancing, active, active)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).NotTo(BeNil())
		Expect(result.Aggregated.ToVector()).To(Equal([]float64{2, 2}))
		Expect(result.Nodes).To(ConsistOf(active))
	})
})

var _ = Describe("NoSync", func() {
	// Scenario S5 (spec §8): each submitted model is echoed back only to
	// its own sender, tagged NoSync, and never reaches another worker.
	It("echoes a lone submission back to only its sender", func() {
		s := syncstrategy.NoSync{}
		balancing := map[nodeid.NodeId]params.Parameters{"a": dv(5)}

		result, err := s.Evaluate(balancing, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Nodes).To(Equal([]nodeid.NodeId{"a"}))
		Expect(result.Flags.NoSync).To(BeTrue())
	})

	It("rejects more than one simultaneous submission as a contract violation", func() {
		s := syncstrategy.NoSync{}
		balancing := map[nodeid.NodeId]params.Parameters{"a": dv(1), "b": dv(2)}

		_, err := s.Evaluate(balancing, nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("never holds locally, since every training step is its own violation", func() {
		holds, _ := syncstrategy.NoSync{}.CheckLocal(dv(0), dv(0), 100, 1)
		Expect(holds).To(BeFalse())
	})
})

var _ = Describe("DynamicSync", func() {
	It("defers until every registered node's reply is present", func() {
		s := &syncstrategy.DynamicSync{Aggregator: aggregate.Mean{}, Delta: 0.1}
		registered := []nodeid.NodeId{"a", "b"}
		balancing := map[nodeid.NodeId]params.Parameters{"a": dv(1)}

		result, err := s.Evaluate(balancing, registered, registered)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).To(BeNil())
		Expect(result.Nodes).To(ConsistOf(registered))
	})

	It("backfills inactive registered nodes with the reference point before aggregating", func() {
		s := &syncstrategy.DynamicSync{Aggregator: aggregate.Mean{}, Delta: 0.1, RefPoint: dv(0, 0)}
		registered := []nodeid.NodeId{"a", "b"}
		active := []nodeid.NodeId{"a"}
		balancing := map[nodeid.NodeId]params.Parameters{"a": dv(2, 2), "b": nil}

		result, err := s.Evaluate(balancing, active, registered)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).NotTo(BeNil())
		Expect(result.Flags.SetReference).To(BeTrue())
		Expect(result.Aggregated.ToVector()).To(Equal([]float64{1, 1}))
	})
})

var _ = Describe("DynamicHedgeSync", func() {
	// Scenario S3 (spec §8): every worker has diverged, so the query set
	// doubles past half of all registered learners and the strategy
	// escalates straight to a full synchronization request.
	It("hedges to a full-registration request once the projected query size reaches half of registered", func() {
		s := &syncstrategy.DynamicHedgeSync{Aggregator: aggregate.Mean{}, Delta: 0.1}
		registered := make([]nodeid.NodeId, 8)
		for i := range registered {
			registered[i] = nodeid.NodeId(rune('a' + i))
		}
		// Four violators already in the balancing set with their models and
		// no reference point yet, so the provisional aggregate counts as
		// diverged: the next augmentation step (4 -> 8) reaches |registered|,
		// well past half.
		balancing := map[nodeid.NodeId]params.Parameters{
			registered[0]: dv(1), registered[1]: dv(1), registered[2]: dv(1), registered[3]: dv(1),
		}

		result, err := s.Evaluate(balancing, registered, registered)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).To(BeNil())
		Expect(result.Nodes).To(ConsistOf(registered))
	})

	It("sets the reference and aggregates once the hedged set fully replies", func() {
		s := &syncstrategy.DynamicHedgeSync{Aggregator: aggregate.Mean{}, Delta: 0.1}
		registered := []nodeid.NodeId{"a", "b", "c", "d"}
		balancing := map[nodeid.NodeId]params.Parameters{
			"a": dv(0), "b": dv(2), "c": dv(4), "d": dv(2),
		}

		result, err := s.Evaluate(balancing, registered, registered)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Aggregated).NotTo(BeNil())
		Expect(result.Flags.SetReference).To(BeTrue())
		Expect(result.Aggregated.ToVector()).To(Equal([]float64{2}))
	})
})

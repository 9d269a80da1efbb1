package coordstate

import (
	"context"
	"testing"
	"time"

	"github.com/fraunhofer-iais/dlsync/aggregate"
	"github.com/fraunhofer-iais/dlsync/initpolicy"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
	"github.com/fraunhofer-iais/dlsync/syncstrategy"
	"github.com/fraunhofer-iais/dlsync/wire"
)

type fakeComm struct {
	published []published
}

type published struct {
	exchange, routingKey string
	body                 []byte
}

func (f *fakeComm) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	f.published = append(f.published, published{exchange, routingKey, body})
	return nil
}

func msgFor(t *testing.T, routingKey string, id nodeid.NodeId, p params.Parameters) wire.Message {
	t.Helper()
	raw, err := wire.EncodeRecord(wire.Record{HasID: true, ID: id, HasParam: true, Param: p})
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return wire.Message{RoutingKey: routingKey, Body: wire.FrameBody(raw, 0)}
}

func newTestState(t *testing.T, strategy syncstrategy.Strategy) (*State, *fakeComm) {
	t.Helper()
	comm := &fakeComm{}
	st, err := New(Config{NodesExchange: "nodesR"}, strategy, &initpolicy.Identity{}, comm, nil, nil, func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st, comm
}

func TestRegistrationPublishesNewModelImmediately(t *testing.T) {
	st, comm := newTestState(t, &syncstrategy.PeriodicSync{Aggregator: aggregate.Mean{}})
	p := params.NewDenseVector([]float64{1, 2})
	if err := st.Step(context.Background(), ref(msgFor(t, "registration", "w1", p))); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(comm.published) != 1 {
		t.Fatalf("published = %d, want 1", len(comm.published))
	}
	if comm.published[0].routingKey != "newModel.w1" {
		t.Errorf("routingKey = %q, want newModel.w1", comm.published[0].routingKey)
	}
	if !st.active["w1"] {
		t.Error("w1 should be active after registration")
	}
}

func TestDeregistrationEmptyActiveTerminates(t *testing.T) {
	st, _ := newTestState(t, &syncstrategy.PeriodicSync{Aggregator: aggregate.Mean{}})
	ctx := context.Background()
	p := params.NewDenseVector([]float64{1})
	if err := st.Step(ctx, ref(msgFor(t, "registration", "w1", p))); err != nil {
		t.Fatalf("registration: %v", err)
	}
	if err := st.Step(ctx, ref(msgFor(t, "deregistration", "w1", p))); err != nil {
		t.Fatalf("deregistration: %v", err)
	}
	if !st.Terminated() {
		t.Error("expected coordinator to terminate once active is empty")
	}
}

func TestPeriodicSyncAggregatesWhenAllActiveReport(t *testing.T) {
	st, comm := newTestState(t, &syncstrategy.PeriodicSync{Aggregator: aggregate.Mean{}})
	ctx := context.Background()
	for _, id := range []nodeid.NodeId{"w1", "w2"} {
		if err := st.Step(ctx, ref(msgFor(t, "registration", id, params.NewDenseVector([]float64{0, 0})))); err != nil {
			t.Fatalf("registration %s: %v", id, err)
		}
	}
	comm.published = nil // reset after registration newModel sends

	if err := st.Step(ctx, ref(msgFor(t, "violation", "w1", params.NewDenseVector([]float64{1, 1})))); err != nil {
		t.Fatalf("violation w1: %v", err)
	}
	// PeriodicSync only aggregates once every active node has reported its
	// own violation independently; with one of two still missing, nothing
	// should be published yet.
	if len(comm.published) != 0 {
		t.Fatalf("expected no publish before w2 reports, got %+v", comm.published)
	}

	if err := st.Step(ctx, ref(msgFor(t, "violation", "w2", params.NewDenseVector([]float64{3, 3})))); err != nil {
		t.Fatalf("violation w2: %v", err)
	}
	sawAggregate := false
	for _, p := range comm.published {
		if p.routingKey == "newModel.w1.w2" || p.routingKey == "newModel.w2.w1" {
			sawAggregate = true
		}
	}
	if !sawAggregate {
		t.Fatalf("expected an aggregated newModel among %+v", comm.published)
	}
	if len(st.balancingSet) != 0 {
		t.Error("balancingSet should be cleared after aggregation")
	}
}

func ref(m wire.Message) *wire.Message { return &m }

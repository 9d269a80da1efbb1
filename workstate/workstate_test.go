package workstate

import (
	"context"
	"testing"
	"time"

	"github.com/fraunhofer-iais/dlsync/learner"
	"github.com/fraunhofer-iais/dlsync/params"
	"github.com/fraunhofer-iais/dlsync/stopping"
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

// incrementalLearner is a minimal reference double: it just tracks
// whatever parameters it was given and reports a fixed loss.
type incrementalLearner struct {
	p params.Parameters
}

func (l *incrementalLearner) SetParameters(p params.Parameters) error { l.p = p; return nil }
func (l *incrementalLearner) GetParameters() params.Parameters        { return l.p.Copy() }
func (l *incrementalLearner) Update(batch learner.Batch) (float64, []float64, error) {
	return 0.1, make([]float64, len(batch)), nil
}

type alwaysHolds struct{}

func (alwaysHolds) CheckLocal(_, _ params.Parameters, _, _ int) (bool, float64) { return true, 0 }

type neverHolds struct{}

func (neverHolds) CheckLocal(_, _ params.Parameters, _, _ int) (bool, float64) { return false, 99 }

func newTestState(t *testing.T, checker syncstrategy.LocalChecker, stopper stopping.Criterion) (*State, *fakeComm, *incrementalLearner) {
	t.Helper()
	lrn := &incrementalLearner{p: params.NewDenseVector([]float64{0, 0})}
	comm := &fakeComm{}
	cfg := Config{Identifier: "w1", CoordinatorExchange: "coordR", BatchSize: 2, SyncPeriod: 10}
	st, err := New(cfg, lrn, checker, stopper, comm, nil, nil, func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st, comm, lrn
}

func TestRegisterPublishesRegistration(t *testing.T) {
	st, comm, _ := newTestState(t, alwaysHolds{}, &stopping.MaxExamples{N: 1000})
	if err := st.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(comm.published) != 1 || comm.published[0].routingKey != wire.KeyRegistration {
		t.Fatalf("published = %+v, want one registration", comm.published)
	}
}

func TestCannotTrainWhileWaitingForAModel(t *testing.T) {
	st, comm, _ := newTestState(t, alwaysHolds{}, &stopping.MaxExamples{N: 1000})
	ctx := context.Background()
	ex := learner.Example{Features: []float64{1}, Label: 1}
	if err := st.Step(ctx, nil, &ex); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(st.dataBuffer) != 1 {
		t.Fatalf("expected example to sit in dataBuffer while waitingForAModel, got %d", len(st.dataBuffer))
	}
	_ = comm
}

func newModelMsg(t *testing.T, setRef bool) wire.Message {
	t.Helper()
	raw, err := wire.EncodeRecord(wire.Record{
		HasParam: true, Param: params.NewDenseVector([]float64{5, 5}),
		HasFlags: true, Flags: map[string]bool{"setReference": setRef},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return wire.Message{RoutingKey: "newModel.w1", Body: wire.FrameBody(raw, 0)}
}

func TestViolationReportedWhenLocalCheckFails(t *testing.T) {
	st, comm, _ := newTestState(t, neverHolds{}, &stopping.MaxExamples{N: 1000})
	ctx := context.Background()
	msg := newModelMsg(t, true)
	if err := st.Step(ctx, &msg, nil); err != nil {
		t.Fatalf("newModel step: %v", err)
	}
	if st.waitingForAModel {
		t.Fatal("expected waitingForAModel to clear after newModel")
	}

	for i := 0; i < 2; i++ {
		ex := learner.Example{Features: []float64{float64(i)}, Label: 1}
		if err := st.Step(ctx, nil, &ex); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	sawViolation := false
	for _, p := range comm.published {
		if p.routingKey == wire.KeyViolation {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatalf("expected a violation publish among %+v", comm.published)
	}
	if !st.waitingForAModel {
		t.Error("expected waitingForAModel to be set after a violation")
	}
}

func TestRequestHandshakeAnsweredAtMostOnce(t *testing.T) {
	st, comm, _ := newTestState(t, alwaysHolds{}, &stopping.MaxExamples{N: 1000})
	ctx := context.Background()
	init := newModelMsg(t, true)
	if err := st.Step(ctx, &init, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	reqMsg := wire.Message{RoutingKey: "request.w1"}
	if err := st.Step(ctx, &reqMsg, nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := st.Step(ctx, &reqMsg, nil); err != nil {
		t.Fatalf("second request: %v", err)
	}
	count := 0
	for _, p := range comm.published {
		if p.routingKey == wire.KeyBalancing {
			count++
		}
	}
	if count != 1 {
		t.Errorf("balancing publishes = %d, want 1", count)
	}
}

func TestExitTerminatesWorker(t *testing.T) {
	st, comm, _ := newTestState(t, alwaysHolds{}, &stopping.MaxExamples{N: 1000})
	ctx := context.Background()
	exitMsg := wire.Message{RoutingKey: "exit.w1"}
	if err := st.Step(ctx, &exitMsg, nil); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !st.Terminated() {
		t.Error("expected worker to terminate on exit")
	}
	if len(comm.published) != 1 || comm.published[0].routingKey != wire.KeyDeregistration {
		t.Errorf("expected a deregistration publish, got %+v", comm.published)
	}
}

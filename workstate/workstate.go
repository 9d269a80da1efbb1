// Package workstate implements the worker's local-condition state
// machine (spec §3's WorkerState, §4.4's event loop, training gate, and
// the two learner cycles). Like coordstate, every exported method runs
// to completion before the next message is considered (spec §5) -- there
// is no busy-wait here because "isTraining" can never be observed true
// across a Step boundary; the handshake spec §4.4 describes as a
// busy-wait collapses to a plain check in this single-threaded model.
package workstate

import (
	"context"
	"strings"
	"time"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/dlog"
	"github.com/fraunhofer-iais/dlsync/learner"
	"github.com/fraunhofer-iais/dlsync/metrics"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
	"github.com/fraunhofer-iais/dlsync/stopping"
	"github.com/fraunhofer-iais/dlsync/syncstrategy"
	"github.com/fraunhofer-iais/dlsync/wire"
)

// Communicator is the publish surface workstate needs from transport.
type Communicator interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Clock is injected so tests control "now".
type Clock func() time.Time

// Config holds the per-worker policy knobs (spec §3/§4.4).
type Config struct {
	Identifier          nodeid.NodeId
	CoordinatorExchange string
	BatchSize           int // incremental learners only
	SyncPeriod          int
	Delta               float64 // mirrored from the synchronizer, for divergence logging only (spec §12.3)
	CompressThreshold   int
}

type learnerMode int

const (
	modeIncremental learnerMode = iota
	modeBatch
)

// State is the worker's WorkerState (spec §3).
type State struct {
	cfg Config

	lrn     learner.Learner
	mode    learnerMode
	checker syncstrategy.LocalChecker
	stopper stopping.Criterion
	comm    Communicator
	logger  *dlog.LearningLogger
	metrics *metrics.Registry
	clock   Clock

	trainingBatch    learner.Batch
	dataBuffer       learner.Batch
	isTraining       bool
	waitingForAModel bool
	isInitialized    bool
	stop             bool
	syncCounter      int
	seenExamples     int
	referenceParams  params.Parameters

	terminated bool
}

// New constructs a WorkerState. lrn must implement either
// learner.Incremental or learner.Batched; the cycle used is derived from
// whichever it implements (spec §4.4 distinguishes the two cycles by
// learner kind, not by explicit configuration).
func New(cfg Config, lrn learner.Learner, checker syncstrategy.LocalChecker, stopper stopping.Criterion, comm Communicator, logger *dlog.LearningLogger, reg *metrics.Registry, clock Clock) (*State, error) {
	if cfg.Identifier == "" || cfg.CoordinatorExchange == "" {
		return nil, dlerrors.Configuration("workstate: Identifier and CoordinatorExchange are required")
	}
	if lrn == nil || checker == nil || stopper == nil || comm == nil {
		return nil, dlerrors.Configuration("workstate: learner, local checker, stopping criterion and communicator are required")
	}
	var mode learnerMode
	switch lrn.(type) {
	case learner.Incremental:
		mode = modeIncremental
		if cfg.BatchSize <= 0 {
			return nil, dlerrors.Configuration("workstate: BatchSize must be > 0 for an incremental learner")
		}
	case learner.Batched:
		mode = modeBatch
	default:
		return nil, dlerrors.Configuration("workstate: learner implements neither Incremental nor Batched")
	}
	if clock == nil {
		clock = time.Now
	}
	return &State{
		cfg:              cfg,
		lrn:              lrn,
		mode:             mode,
		checker:          checker,
		stopper:          stopper,
		comm:             comm,
		logger:           logger,
		metrics:          reg,
		clock:            clock,
		waitingForAModel: true, // awaiting the registration reply's initial newModel
	}, nil
}

// Terminated reports whether the worker should exit its main loop.
func (s *State) Terminated() bool { return s.terminated }

// Snapshot is the JSON-serializable view the admin package's /status
// endpoint renders.
type Snapshot struct {
	Identifier       string `json:"identifier"`
	WaitingForAModel bool   `json:"waitingForAModel"`
	IsInitialized    bool   `json:"isInitialized"`
	SeenExamples     int    `json:"seenExamples"`
	Terminated       bool   `json:"terminated"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Identifier:       string(s.cfg.Identifier),
		WaitingForAModel: s.waitingForAModel,
		IsInitialized:    s.isInitialized,
		SeenExamples:     s.seenExamples,
		Terminated:       s.terminated,
	}
}

// Register publishes the initial registration message (spec §3's "a node
// is created by sending registration to the coordinator").
func (s *State) Register(ctx context.Context) error {
	return s.publish(ctx, wire.KeyRegistration, s.lrn.GetParameters())
}

// Step runs one iteration of the worker's event loop (spec §4.4): dispatch
// at most one control message, buffer at most one data example, then feed
// the learner if the training gate is open.
func (s *State) Step(ctx context.Context, ctrl *wire.Message, example *learner.Example) error {
	if ctrl != nil {
		if err := s.dispatchControl(ctx, *ctrl); err != nil {
			return err
		}
	}
	if example != nil {
		s.dataBuffer = append(s.dataBuffer, *example)
	}
	if s.canObtainData() && len(s.dataBuffer) > 0 {
		ex := s.dataBuffer[0]
		s.dataBuffer = s.dataBuffer[1:]
		return s.onExample(ctx, ex)
	}
	return nil
}

// canObtainData is spec §4.4's training gate.
func (s *State) canObtainData() bool {
	base := !s.isTraining && !s.waitingForAModel
	if s.mode == modeBatch {
		return base && !s.stop && s.isInitialized
	}
	return base
}

func (s *State) dispatchControl(ctx context.Context, msg wire.Message) error {
	switch {
	case strings.HasPrefix(msg.RoutingKey, "newModel"):
		return s.handleNewModel(ctx, msg)
	case strings.HasPrefix(msg.RoutingKey, "request."):
		return s.handleRequest(ctx)
	case strings.HasPrefix(msg.RoutingKey, "exit."):
		return s.deregisterAndTerminate(ctx)
	default:
		return dlerrors.ProtocolViolation("workstate: unrecognized routing key %q", msg.RoutingKey)
	}
}

func (s *State) handleNewModel(ctx context.Context, msg wire.Message) error {
	raw, err := wire.UnframeBody(msg.Body, 0)
	if err != nil {
		return err
	}
	rec, err := wire.DecodeRecord(raw)
	if err != nil {
		return err
	}
	if !rec.HasParam {
		return dlerrors.ProtocolViolation("workstate: newModel record missing param")
	}
	if err := s.lrn.SetParameters(rec.Param); err != nil {
		return err
	}
	if rec.HasFlags && rec.Flags["setReference"] {
		s.referenceParams = rec.Param.Copy()
	}
	s.waitingForAModel = false
	s.isInitialized = true
	s.syncCounter = 0
	s.logEvent(dlog.EventModelSnapshot, map[string]interface{}{"setReference": rec.HasFlags && rec.Flags["setReference"]})

	if s.mode == modeBatch && s.stop {
		return s.deregisterAndTerminate(ctx)
	}
	return nil
}

// handleRequest implements spec §4.4's parameter-request handshake: a
// node answers at most one request per violation->newModel cycle.
func (s *State) handleRequest(ctx context.Context) error {
	if s.waitingForAModel {
		return nil
	}
	s.waitingForAModel = true
	return s.publish(ctx, wire.KeyBalancing, s.lrn.GetParameters())
}

func (s *State) deregisterAndTerminate(ctx context.Context) error {
	if err := s.publish(ctx, wire.KeyDeregistration, s.lrn.GetParameters()); err != nil {
		return err
	}
	s.terminated = true
	return nil
}

func (s *State) onExample(ctx context.Context, ex learner.Example) error {
	s.trainingBatch = append(s.trainingBatch, ex)
	if s.mode == modeIncremental {
		return s.incrementalStep(ctx)
	}
	s.seenExamples++
	return s.batchStep(ctx)
}

// incrementalStep implements spec §4.4's incremental-learner cycle.
func (s *State) incrementalStep(ctx context.Context) error {
	if len(s.trainingBatch) < s.cfg.BatchSize {
		return nil
	}
	inc := s.lrn.(learner.Incremental)
	batch := s.trainingBatch[:s.cfg.BatchSize]
	s.trainingBatch = s.trainingBatch[s.cfg.BatchSize:]

	s.isTraining = true
	loss, preds, err := inc.Update(batch)
	if err != nil {
		s.isTraining = false
		return err
	}
	s.seenExamples += len(batch)
	s.logEvent(dlog.EventLoss, map[string]interface{}{"loss": loss})
	s.logEvent(dlog.EventPrediction, map[string]interface{}{"predictions": preds})

	holds, dist := s.checkLocalCondition()
	if !holds {
		if err := s.reportViolation(ctx, dist); err != nil {
			s.isTraining = false
			return err
		}
	}
	if s.stopper.ShouldStop(s.seenExamples, s.clock()) {
		if err := s.deregisterAndTerminate(ctx); err != nil {
			s.isTraining = false
			return err
		}
	}
	s.isTraining = false
	return nil
}

// batchStep implements spec §4.4's batch-learner cycle: accumulate until
// the stopping criterion fires, then train exactly once.
func (s *State) batchStep(ctx context.Context) error {
	if s.stop {
		return nil
	}
	if !s.stopper.ShouldStop(s.seenExamples, s.clock()) {
		return nil
	}
	bat := s.lrn.(learner.Batched)
	s.isTraining = true
	loss, preds, err := bat.Train(s.trainingBatch)
	if err != nil {
		s.isTraining = false
		return err
	}
	s.logEvent(dlog.EventLoss, map[string]interface{}{"loss": loss})
	s.logEvent(dlog.EventPrediction, map[string]interface{}{"predictions": preds})
	if err := s.publish(ctx, wire.KeyViolation, s.lrn.GetParameters()); err != nil {
		s.isTraining = false
		return err
	}
	s.stop = true
	s.waitingForAModel = true
	s.isTraining = false
	return nil
}

func (s *State) checkLocalCondition() (bool, float64) {
	s.syncCounter += s.cfg.BatchSize
	holds, dist := s.checker.CheckLocal(s.lrn.GetParameters(), s.referenceParams, s.syncCounter, s.cfg.SyncPeriod)
	if s.syncCounter >= s.cfg.SyncPeriod {
		s.syncCounter = 0
	}
	s.logEvent(dlog.EventViolationCheck, map[string]interface{}{"holds": holds, "distance": dist, "delta": s.cfg.Delta})
	if s.metrics != nil {
		s.metrics.Divergence.Observe(dist)
	}
	return holds, dist
}

func (s *State) reportViolation(ctx context.Context, _ float64) error {
	s.waitingForAModel = true
	s.syncCounter = 0
	if s.metrics != nil {
		s.metrics.ViolationsPublished.Inc()
	}
	return s.publish(ctx, wire.KeyViolation, s.lrn.GetParameters())
}

func (s *State) publish(ctx context.Context, routingKey string, p params.Parameters) error {
	rec := wire.Record{HasID: true, ID: s.cfg.Identifier, HasParam: true, Param: p}
	raw, err := wire.EncodeRecord(rec)
	if err != nil {
		return err
	}
	body := wire.FrameBody(raw, s.cfg.CompressThreshold)
	if s.metrics != nil {
		s.metrics.MessageSize.Observe(float64(len(body)))
	}
	return s.comm.Publish(ctx, s.cfg.CoordinatorExchange, routingKey, body)
}

func (s *State) logEvent(kind dlog.EventKind, fields map[string]interface{}) {
	if s.logger == nil {
		return
	}
	ts := float64(s.clock().UnixNano()) / 1e9
	if err := s.logger.Log(kind, s.cfg.Identifier, ts, fields); err != nil {
		dlog.Warningf("workstate: logging event %s: %v", kind, err)
	}
}

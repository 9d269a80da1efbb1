// Package coordstate implements the coordinator's aggregation state
// machine (spec §3's CoordinatorState, §4.2's dispatch and round-driving
// logic). It is single-threaded by construction -- every exported method
// runs to completion before the next is called, matching §5's "no
// implicit yielding inside state-machine transitions" -- and drives the
// synchronizer through the syncstrategy.Strategy interface without
// knowing which concrete strategy is installed, the same separation of
// concerns the teacher's xaction state machines (xact/xs/tcb.go) keep
// between the transition table and the renewable factory that configures
// it.
package coordstate

import (
	"context"
	"time"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/dlog"
	"github.com/fraunhofer-iais/dlsync/initpolicy"
	"github.com/fraunhofer-iais/dlsync/metrics"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
	"github.com/fraunhofer-iais/dlsync/syncstrategy"
	"github.com/fraunhofer-iais/dlsync/wire"
)

// Communicator is the publish surface coordstate needs from transport.
// Decoupling it behind an interface keeps this package testable without a
// live broker.
type Communicator interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Clock is injected so tests can control "now" (the LearningLogger
// timestamp needs it).
type Clock func() time.Time

// Config holds the per-run policy knobs spec §3/§4.2/§12.1 describe.
type Config struct {
	NodesExchange     string
	MinActive         int // 0 disables the min-active shutdown policy
	WaitForN          int // 0 disables wait-for-N-registrations staging
	CompressThreshold int // bytes; 0 disables frame compression
}

type violation struct {
	id nodeid.NodeId
	p  params.Parameters
}

// State is the coordinator's CoordinatorState (spec §3). All fields are
// process-local; nothing here is safe for concurrent access from more
// than one goroutine, by design (spec §5).
type State struct {
	cfg Config

	registered    []nodeid.NodeId
	registeredSet map[nodeid.NodeId]bool
	active        map[nodeid.NodeId]bool

	violations       []violation
	balancingSet     map[nodeid.NodeId]params.Parameters // nil value == bottom ("requested, not yet received")
	nodesInViolation []nodeid.NodeId
	refPoint         params.Parameters

	waitingNodes map[nodeid.NodeId]params.Parameters

	initHandler initpolicy.Handler
	strategy    syncstrategy.Strategy
	comm        Communicator
	logger      *dlog.LearningLogger
	metrics     *metrics.Registry
	clock       Clock

	terminated bool
}

// New constructs an empty CoordinatorState wired to its collaborators.
// metrics may be nil, in which case the state machine runs unmetered.
func New(cfg Config, strategy syncstrategy.Strategy, handler initpolicy.Handler, comm Communicator, logger *dlog.LearningLogger, reg *metrics.Registry, clock Clock) (*State, error) {
	if cfg.NodesExchange == "" {
		return nil, dlerrors.Configuration("coordstate: NodesExchange must be set")
	}
	if strategy == nil || handler == nil || comm == nil {
		return nil, dlerrors.Configuration("coordstate: strategy, init handler and communicator are required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &State{
		cfg:           cfg,
		registeredSet: make(map[nodeid.NodeId]bool),
		active:        make(map[nodeid.NodeId]bool),
		balancingSet:  make(map[nodeid.NodeId]params.Parameters),
		waitingNodes:  make(map[nodeid.NodeId]params.Parameters),
		initHandler:   handler,
		strategy:      strategy,
		comm:          comm,
		logger:        logger,
		metrics:       reg,
		clock:         clock,
	}, nil
}

// Terminated reports whether the coordinator should exit its main loop
// (spec §3's lifecycle: "terminates when active empties").
func (s *State) Terminated() bool { return s.terminated }

// Snapshot is the JSON-serializable view the admin package's /status
// endpoint renders.
type Snapshot struct {
	Registered       int    `json:"registered"`
	Active           int    `json:"active"`
	BalancingSetSize int    `json:"balancingSetSize"`
	Strategy         string `json:"strategy"`
	Terminated       bool   `json:"terminated"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Registered:       len(s.registered),
		Active:           len(s.active),
		BalancingSetSize: len(s.balancingSet),
		Strategy:         s.strategy.String(),
		Terminated:       s.terminated,
	}
}

// Step runs one iteration of the coordinator's event loop (spec §4.2):
// dispatch at most one inbound message, then advance the balancing round
// if there is anything pending. msg may be nil if nothing was drained
// this tick.
func (s *State) Step(ctx context.Context, msg *wire.Message) error {
	if msg != nil {
		if err := s.dispatch(ctx, *msg); err != nil {
			return err
		}
	}
	if len(s.violations) > 0 || len(s.balancingSet) > 0 {
		return s.advanceRound(ctx)
	}
	return nil
}

func (s *State) dispatch(ctx context.Context, msg wire.Message) error {
	if s.metrics != nil {
		s.metrics.MessageSize.Observe(float64(len(msg.Body)))
	}
	switch msg.RoutingKey {
	case wire.KeyRegistration:
		id, p, err := decodeIDParam(msg.Body)
		if err != nil {
			return err
		}
		return s.handleRegistration(ctx, id, p)
	case wire.KeyDeregistration:
		id, _, err := decodeIDParam(msg.Body)
		if err != nil {
			return err
		}
		return s.handleDeregistration(ctx, id)
	case wire.KeyViolation, wire.KeyBalancing:
		id, p, err := decodeIDParam(msg.Body)
		if err != nil {
			return err
		}
		s.violations = append(s.violations, violation{id: id, p: p})
		return nil
	default:
		return dlerrors.ProtocolViolation("coordstate: unrecognized routing key %q", msg.RoutingKey)
	}
}

func decodeIDParam(body []byte) (nodeid.NodeId, params.Parameters, error) {
	raw, err := wire.UnframeBody(body, 0)
	if err != nil {
		return "", nil, err
	}
	rec, err := wire.DecodeRecord(raw)
	if err != nil {
		return "", nil, err
	}
	if !rec.HasID || !rec.HasParam {
		return "", nil, dlerrors.ProtocolViolation("coordstate: record missing id/param")
	}
	return rec.ID, rec.Param, nil
}

// handleRegistration implements spec §4.2's registration dispatch rule,
// including the wait-for-N staging mode spec §12 supplements in full.
func (s *State) handleRegistration(ctx context.Context, id nodeid.NodeId, p params.Parameters) error {
	if !s.registeredSet[id] {
		s.registered = append(s.registered, id)
		s.registeredSet[id] = true
	}
	s.active[id] = true

	newParams, refParams := s.initHandler.Apply(p)
	if s.refPoint == nil {
		s.refPoint = refParams
	}
	s.logEvent(dlog.EventRegistration, id, map[string]interface{}{"registered": len(s.registered), "active": len(s.active)})
	if s.metrics != nil {
		s.metrics.RegisteredNodes.Set(float64(len(s.registered)))
		s.metrics.ActiveNodes.Set(float64(len(s.active)))
	}

	if s.cfg.WaitForN > 0 {
		s.waitingNodes[id] = newParams
		if len(s.waitingNodes) < s.cfg.WaitForN {
			return nil
		}
		targets := make([]nodeid.NodeId, 0, len(s.waitingNodes))
		for nid := range s.waitingNodes {
			targets = append(targets, nid)
		}
		for _, nid := range targets {
			if err := s.publishNewModel(ctx, []nodeid.NodeId{nid}, s.waitingNodes[nid], map[string]bool{"setReference": true}); err != nil {
				return err
			}
		}
		s.waitingNodes = make(map[nodeid.NodeId]params.Parameters)
		return nil
	}
	return s.publishNewModel(ctx, []nodeid.NodeId{id}, newParams, map[string]bool{"setReference": true})
}

// handleDeregistration implements spec §4.2's deregistration dispatch
// rule, including the minActive shutdown policy.
func (s *State) handleDeregistration(ctx context.Context, id nodeid.NodeId) error {
	delete(s.active, id)
	delete(s.balancingSet, id)
	s.logEvent(dlog.EventDeregistration, id, map[string]interface{}{"active": len(s.active)})
	if s.metrics != nil {
		s.metrics.ActiveNodes.Set(float64(len(s.active)))
	}

	if s.cfg.MinActive > 0 && len(s.active) < s.cfg.MinActive {
		for nid := range s.active {
			if err := s.comm.Publish(ctx, s.cfg.NodesExchange, wire.ExitKey(nid), nil); err != nil {
				return err
			}
		}
		s.cfg.MinActive = 0
	}
	if len(s.active) == 0 {
		s.terminated = true
	}
	return nil
}

// advanceRound implements spec §4.2's round-driving logic verbatim.
func (s *State) advanceRound(ctx context.Context) error {
	for len(s.violations) > 0 || len(s.balancingSet) > 0 {
		if len(s.violations) > 0 {
			v := s.violations[0]
			s.violations = s.violations[1:]
			s.balancingSet[v.id] = v.p
			s.nodesInViolation = append(s.nodesInViolation, v.id)
		}

		result, err := s.strategy.Evaluate(s.balancingSet, activeList(s.active), s.registered)
		if err != nil {
			return err
		}
		for _, target := range result.Nodes {
			if _, ok := s.balancingSet[target]; !ok {
				s.balancingSet[target] = nil
			}
		}
		if s.metrics != nil {
			s.metrics.BalancingSetSize.Set(float64(len(s.balancingSet)))
		}

		if result.Aggregated != nil {
			targets := filterActive(result.Nodes, s.active)
			flags := flagsFromResult(result.Flags)
			if err := s.publishNewModel(ctx, targets, result.Aggregated, flags); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.AggregationRounds.Inc()
			}
			s.logEvent(dlog.EventBalancingDecision, "", map[string]interface{}{
				"targets":    len(targets),
				"violators":  len(s.nodesInViolation),
				"setRef":     result.Flags.SetReference,
				"strategy":   s.strategy.String(),
			})
			s.balancingSet = make(map[nodeid.NodeId]params.Parameters)
			s.nodesInViolation = nil
			continue
		}

		for nid, v := range s.balancingSet {
			if v == nil && s.active[nid] {
				if err := s.comm.Publish(ctx, s.cfg.NodesExchange, wire.RequestKey(nid), nil); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

func (s *State) publishNewModel(ctx context.Context, targets []nodeid.NodeId, p params.Parameters, flags map[string]bool) error {
	if len(targets) == 0 {
		return nil
	}
	rec := wire.Record{HasParam: true, Param: p, HasFlags: true, Flags: flags}
	raw, err := wire.EncodeRecord(rec)
	if err != nil {
		return err
	}
	body := wire.FrameBody(raw, s.cfg.CompressThreshold)
	for _, t := range targets {
		s.logEvent(dlog.EventSendModel, t, map[string]interface{}{"flags": flags})
	}
	return s.comm.Publish(ctx, s.cfg.NodesExchange, wire.NewModelKey(targets), body)
}

func (s *State) logEvent(kind dlog.EventKind, id nodeid.NodeId, fields map[string]interface{}) {
	if s.logger == nil {
		return
	}
	ts := float64(s.clock().UnixNano()) / 1e9
	if err := s.logger.Log(kind, id, ts, fields); err != nil {
		dlog.Warningf("coordstate: logging event %s: %v", kind, err)
	}
}

func flagsFromResult(f syncstrategy.Flags) map[string]bool {
	m := make(map[string]bool, 2)
	if f.SetReference {
		m["setReference"] = true
	}
	if f.NoSync {
		m["nosync"] = true
	}
	return m
}

func activeList(active map[nodeid.NodeId]bool) []nodeid.NodeId {
	out := make([]nodeid.NodeId, 0, len(active))
	for id := range active {
		out = append(out, id)
	}
	return out
}

func filterActive(nodes []nodeid.NodeId, active map[nodeid.NodeId]bool) []nodeid.NodeId {
	out := make([]nodeid.NodeId, 0, len(nodes))
	for _, n := range nodes {
		if active[n] {
			out = append(out, n)
		}
	}
	return out
}

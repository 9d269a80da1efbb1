// Package syncstrategy implements the five synchronizer strategies of
// spec §4.3: PeriodicSync, DynamicSync, DynamicHedgeSync, NoSync, and
// AggregationAtEnd. Each decides, from the coordinator's current
// balancing set, who participates in the next aggregation round and
// whether to aggregate yet; the dynamic variants additionally decide, on
// the worker side, whether a worker's local condition still holds.
package syncstrategy

import (
	"fmt"
	"math/rand"

	"github.com/fraunhofer-iais/dlsync/aggregate"
	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
)

// Flags recognized in an evaluation result, matching spec §4.1's wire
// flags: SetReference asks receiving workers to snapshot a new reference
// point; NoSync is purely informational, echoed back by the NoSync
// strategy.
type Flags struct {
	SetReference bool
	NoSync       bool
}

// Result is the outcome of one Strategy.Evaluate call (spec §4.3):
// Nodes is the set of node ids this round concerns (either "still being
// requested" when Aggregated is nil, or "receiving the aggregate" when it
// isn't); Aggregated is nil until the round is ready to publish.
type Result struct {
	Nodes      []nodeid.NodeId
	Aggregated params.Parameters
	Flags      Flags
}

// Strategy is the resolution protocol the coordinator consults every time
// its balancing loop advances (spec §4.2 step 2). balancingSet maps a
// node id to its reported Parameters, or to nil when the coordinator is
// still awaiting that node's reply ("⊥" in spec §3). Implementations are
// permitted to mutate balancingSet in place to backfill inactive members
// with the reference point -- this mirrors the original's in-place dict
// mutation and is relied upon by the coordinator's "is anyone still ⊥"
// check immediately after Evaluate returns.
type Strategy interface {
	Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, active, registered []nodeid.NodeId) (Result, error)
	fmt.Stringer
}

// LocalChecker is the worker-side half of a strategy: whether a worker's
// local condition still holds, given its current parameters, its
// reference snapshot, and how many examples have been trained on since the
// last check that reached syncPeriod. Not every Strategy needs worker-side state (NoSync and
// AggregationAtEnd are trivial), but all five implement it so the worker
// can treat the synchronizer uniformly.
type LocalChecker interface {
	CheckLocal(current, reference params.Parameters, stepsSinceLastCheck, syncPeriod int) (holds bool, distance float64)
}

func keySet(m map[nodeid.NodeId]params.Parameters) map[nodeid.NodeId]struct{} {
	s := make(map[nodeid.NodeId]struct{}, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}

func toSet(ids []nodeid.NodeId) map[nodeid.NodeId]struct{} {
	s := make(map[nodeid.NodeId]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func setsEqual(a, b map[nodeid.NodeId]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func values(m map[nodeid.NodeId]params.Parameters) []params.Parameters {
	out := make([]params.Parameters, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func keys(m map[nodeid.NodeId]params.Parameters) []nodeid.NodeId {
	out := make([]nodeid.NodeId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func intersect(a []nodeid.NodeId, bSet map[nodeid.NodeId]struct{}) []nodeid.NodeId {
	var out []nodeid.NodeId
	for _, id := range a {
		if _, ok := bSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ---------------------------------------------------------------------
// PeriodicSync
// ---------------------------------------------------------------------

// PeriodicSync aggregates only once every currently active node has
// submitted a model; it never expands the balancing set and never
// triggers a request for nodes that haven't volunteered yet (spec §4.3).
type PeriodicSync struct {
	Aggregator aggregate.Aggregator
}

func (s PeriodicSync) String() string { return "Periodic synchronization" }

func (s PeriodicSync) Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, active, _ []nodeid.NodeId) (Result, error) {
	if s.Aggregator == nil {
		return Result{}, dlerrors.Configuration("PeriodicSync: no aggregator set")
	}
	if setsEqual(keySet(balancingSet), toSet(active)) {
		agg, err := s.Aggregator.Aggregate(values(balancingSet))
		if err != nil {
			return Result{}, err
		}
		return Result{Nodes: active, Aggregated: agg}, nil
	}
	return Result{}, nil
}

func (PeriodicSync) CheckLocal(_, _ params.Parameters, stepsSinceLastCheck, syncPeriod int) (bool, float64) {
	return stepsSinceLastCheck < syncPeriod, 0
}

// ---------------------------------------------------------------------
// AggregationAtEnd
// ---------------------------------------------------------------------

// AggregationAtEnd aggregates once every active (batch) learner has
// reported its once-trained model; the local check never fails, since
// batch learners train until their stopping criterion, not until a
// divergence threshold (spec §4.3, §9: the "undefined param" revision is
// resolved to the dictionary-values form, matching PeriodicSync).
type AggregationAtEnd struct {
	Aggregator aggregate.Aggregator
}

func (s AggregationAtEnd) String() string { return "Aggregation-at-the-end synchronization" }

func (s AggregationAtEnd) Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, active, _ []nodeid.NodeId) (Result, error) {
	if s.Aggregator == nil {
		return Result{}, dlerrors.Configuration("AggregationAtEnd: no aggregator set")
	}
	if setsEqual(keySet(balancingSet), toSet(active)) {
		agg, err := s.Aggregator.Aggregate(values(balancingSet))
		if err != nil {
			return Result{}, err
		}
		return Result{Nodes: active, Aggregated: agg}, nil
	}
	return Result{}, nil
}

func (AggregationAtEnd) CheckLocal(_, _ params.Parameters, _, _ int) (bool, float64) {
	return true, 0
}

// ---------------------------------------------------------------------
// NoSync
// ---------------------------------------------------------------------

// NoSync is the isolated-training baseline: it echoes each submitted model
// back to only its own sender, tagged informationally with NoSync=true,
// and never lets one worker's parameters reach another (spec §4.3, S5).
type NoSync struct{}

func (NoSync) String() string { return "No sync" }

func (NoSync) Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, _, _ []nodeid.NodeId) (Result, error) {
	if len(balancingSet) == 0 {
		return Result{}, nil
	}
	if len(balancingSet) > 1 {
		return Result{}, dlerrors.TypeContract("NoSync: more than one node sent its model (%d)", len(balancingSet))
	}
	for id, p := range balancingSet {
		return Result{Nodes: []nodeid.NodeId{id}, Aggregated: p, Flags: Flags{NoSync: true}}, nil
	}
	panic("unreachable")
}

func (NoSync) CheckLocal(_, _ params.Parameters, _, _ int) (bool, float64) {
	return false, 0
}

// ---------------------------------------------------------------------
// DynamicSync
// ---------------------------------------------------------------------

// DynamicSync performs a full synchronization as soon as any violation
// occurs: the simplest resolution protocol (spec §4.3).
type DynamicSync struct {
	Aggregator aggregate.Aggregator
	Delta      float64
	RefPoint   params.Parameters // nil before the first full sync
}

func (s *DynamicSync) String() string { return fmt.Sprintf("Dynamic synchronization, delta=%v", s.Delta) }

func (s *DynamicSync) Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, active, registered []nodeid.NodeId) (Result, error) {
	if s.Aggregator == nil {
		return Result{}, dlerrors.Configuration("DynamicSync: no aggregator set")
	}
	activeSet := toSet(active)
	if setsEqual(keySet(balancingSet), toSet(registered)) {
		for id := range balancingSet {
			if _, isActive := activeSet[id]; isActive && balancingSet[id] == nil {
				return Result{}, nil // still waiting on a reply
			} else if !isActive {
				balancingSet[id] = s.RefPoint
			}
		}
		agg, err := s.Aggregator.Aggregate(values(balancingSet))
		if err != nil {
			return Result{}, err
		}
		s.RefPoint = agg.Copy()
		return Result{Nodes: active, Aggregated: agg, Flags: Flags{SetReference: true}}, nil
	}
	return Result{Nodes: registered}, nil
}

func (s *DynamicSync) CheckLocal(current, reference params.Parameters, stepsSinceLastCheck, syncPeriod int) (bool, float64) {
	return dynamicCheckLocal(current, reference, stepsSinceLastCheck, syncPeriod, s.Delta)
}

func dynamicCheckLocal(current, reference params.Parameters, stepsSinceLastCheck, syncPeriod int, delta float64) (bool, float64) {
	if stepsSinceLastCheck < syncPeriod {
		return true, 0
	}
	if reference == nil {
		return false, delta + 1
	}
	dist, err := current.Distance(reference)
	if err != nil {
		return false, delta + 1
	}
	return dist <= delta, dist
}

// ---------------------------------------------------------------------
// DynamicHedgeSync
// ---------------------------------------------------------------------

// DynamicHedgeSync performs incremental balancing-set expansion with a
// hedge fallback to full synchronization (spec §4.3): while the local
// balancing still diverges from the reference, twice as many additional
// learners as are already in the balancing set are queried (1 -> 3 -> 9,
// ...), until the projected set would reach half of all registered
// learners, at which point a full sync is triggered instead.
type DynamicHedgeSync struct {
	Aggregator aggregate.Aggregator
	Delta      float64
	RefPoint   params.Parameters
	Rand       *rand.Rand // nil uses a package-default source
}

func (s *DynamicHedgeSync) String() string {
	return fmt.Sprintf("Dynamic hedge synchronization, delta=%v", s.Delta)
}

func (s *DynamicHedgeSync) Evaluate(balancingSet map[nodeid.NodeId]params.Parameters, active, registered []nodeid.NodeId) (Result, error) {
	if s.Aggregator == nil {
		return Result{}, dlerrors.Configuration("DynamicHedgeSync: no aggregator set")
	}
	activeSet := toSet(active)
	for id := range balancingSet {
		if _, isActive := activeSet[id]; isActive && balancingSet[id] == nil {
			return Result{}, nil // still waiting on a reply
		} else if !isActive {
			balancingSet[id] = s.RefPoint
		}
	}

	if setsEqual(keySet(balancingSet), toSet(registered)) {
		agg, err := s.Aggregator.Aggregate(values(balancingSet))
		if err != nil {
			return Result{}, err
		}
		s.RefPoint = agg.Copy()
		return Result{Nodes: active, Aggregated: agg, Flags: Flags{SetReference: true}}, nil
	}

	provisional, err := s.Aggregator.Aggregate(values(balancingSet))
	if err != nil {
		return Result{}, err
	}
	var dist float64
	if s.RefPoint == nil {
		dist = s.Delta + 1.0
	} else {
		dist, err = provisional.Distance(s.RefPoint)
		if err != nil {
			return Result{}, err
		}
	}
	if dist <= s.Delta {
		updateNodes := intersect(keys(balancingSet), activeSet)
		return Result{Nodes: updateNodes, Aggregated: provisional}, nil
	}

	requestSet := s.augmentBalancingSet(keys(balancingSet), registered)
	union := toSet(keys(balancingSet))
	for _, id := range requestSet {
		union[id] = struct{}{}
	}
	if len(union) >= len(registered)/2 {
		return Result{Nodes: registered}, nil
	}
	return Result{Nodes: requestSet}, nil
}

// augmentBalancingSet samples 2*|nodes| additional node ids uniformly at
// random from registeredNodes\nodes, or all of them if fewer remain
// (spec §4.3).
func (s *DynamicHedgeSync) augmentBalancingSet(nodes []nodeid.NodeId, registered []nodeid.NodeId) []nodeid.NodeId {
	nodeSet := toSet(nodes)
	var potential []nodeid.NodeId
	for _, id := range registered {
		if _, ok := nodeSet[id]; !ok {
			potential = append(potential, id)
		}
	}
	required := 2 * len(nodes)
	if len(potential) <= required {
		return potential
	}
	shuffle := rand.Shuffle
	if s.Rand != nil {
		shuffle = s.Rand.Shuffle
	}
	shuffled := append([]nodeid.NodeId(nil), potential...)
	shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:required]
}

func (s *DynamicHedgeSync) CheckLocal(current, reference params.Parameters, stepsSinceLastCheck, syncPeriod int) (bool, float64) {
	return dynamicCheckLocal(current, reference, stepsSinceLastCheck, syncPeriod, s.Delta)
}

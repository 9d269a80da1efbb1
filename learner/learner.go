// Package learner defines the opaque Learner contract the core trains
// against (spec §1, §6). Concrete model implementations (gradient
// computation, tensor ops) are explicitly out of scope -- this package
// ships the interface workstate drives plus one small reference
// implementation, Linear (see linear.go), which cmd/worker uses.
package learner

import "github.com/fraunhofer-iais/dlsync/params"

// Example is one labeled training example. Its shape is intentionally
// generic: concrete data sources and learners agree on how to interpret
// Features/Label between themselves; the core never inspects either.
type Example struct {
	Features []float64
	Label    float64
}

// Batch is an ordered group of examples handed to a learner in one call.
type Batch []Example

// Learner is the subset of the contract every learner exposes regardless
// of training mode.
type Learner interface {
	// SetParameters installs new parameters; shape must match whatever
	// the learner was constructed with. A shape mismatch is a
	// TypeContractError, fatal at the call site (spec §7).
	SetParameters(p params.Parameters) error
	// GetParameters returns a fresh copy, safe for the caller to mutate
	// or hand to the transport layer without aliasing the learner's
	// live state.
	GetParameters() params.Parameters
}

// Incremental is the contract for online/incremental learners: update is
// called once per mini-batch as data streams in (spec §4.4's
// "Incremental-learner cycle").
type Incremental interface {
	Learner
	Update(batch Batch) (loss float64, predictions []float64, err error)
}

// Batched is the contract for batch-only learners: train is called once,
// on the whole accumulated buffer, when the stopping criterion fires
// (spec §4.4's "Batch-learner cycle").
type Batched interface {
	Learner
	Train(batch Batch) (loss float64, predictions []float64, err error)
}

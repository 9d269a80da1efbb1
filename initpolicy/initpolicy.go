// Package initpolicy implements the three initialization-handler variants
// of spec §4.6: the policy the coordinator applies to a newly registering
// node's reported parameters, producing both the parameters that node is
// sent back and the reference point the coordinator adopts for it.
package initpolicy

import (
	"math/rand"

	"github.com/fraunhofer-iais/dlsync/params"
)

// Handler decides what parameters a newly-joined worker receives, and what
// reference point the coordinator should associate with it. Apply is
// called once per registration (spec §4.2 dispatch rule for
// `registration`).
type Handler interface {
	Apply(p params.Parameters) (newParams, refParams params.Parameters)
}

// Identity leaves every learner's own reported parameters untouched, but
// fixes the reference point to the first value it ever saw so every
// worker's local-divergence check measures against the same origin (spec
// §4.6: "return (p, p) the first time, (p, savedRef) thereafter").
type Identity struct {
	saved params.Parameters
}

func (h *Identity) Apply(p params.Parameters) (newParams, refParams params.Parameters) {
	if h.saved == nil {
		h.saved = p.Copy()
		return p, p
	}
	return p, h.saved
}

// UseFirst caches the first parameters it ever receives and hands that
// exact cached value back to every subsequently registering node, so all
// learners start from one shared point.
type UseFirst struct {
	cached params.Parameters
}

func (h *UseFirst) Apply(p params.Parameters) (newParams, refParams params.Parameters) {
	if h.cached == nil {
		h.cached = p.Copy()
	}
	return h.cached.Copy(), h.cached
}

// NoiseSpec configures the perturbation Noisy adds around the cached
// initial parameters.
type NoiseSpec struct {
	// Type selects the noise distribution; currently only "uniform" is
	// recognized, mirroring the original's single observed branch.
	Type string
	// Range bounds the uniform noise added component-wise: each entry of
	// the flat vector view is perturbed by a value drawn uniformly from
	// [-Range, +Range].
	Range float64
}

// Noisy behaves like UseFirst but perturbs the parameters returned to each
// new registrant, so every learner starts near (not at) a shared point.
// Only uniform noise is implemented: with any other NoiseSpec (including
// the zero value) Noisy returns the cached parameters unperturbed, exactly
// like UseFirst.
type Noisy struct {
	Spec   NoiseSpec
	Rand   *rand.Rand
	cached params.Parameters
}

func (h *Noisy) Apply(p params.Parameters) (newParams, refParams params.Parameters) {
	if h.cached == nil {
		h.cached = p.Copy()
	}
	noisy := h.cached.Copy()
	noise := h.sample(len(noisy.ToVector()))
	if noise != nil {
		vec := noisy.ToVector()
		for i := range vec {
			vec[i] += noise[i]
		}
		_ = noisy.FromVector(vec)
	}
	return noisy, h.cached
}

// sample returns nil when NoiseSpec is the zero value, matching the
// original's stub behavior; otherwise draws n independent uniform samples
// from [-Range, +Range].
func (h *Noisy) sample(n int) []float64 {
	if h.Spec.Type != "uniform" || h.Spec.Range == 0 {
		return nil
	}
	draw := rand.Float64
	if h.Rand != nil {
		draw = h.Rand.Float64
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = (draw()*2 - 1) * h.Spec.Range
	}
	return out
}

package datasource

import "github.com/fraunhofer-iais/dlsync/learner"

// InMemory is the reference DataSource the module map promises: it
// replays a fixed, pre-loaded slice of examples once, then reports
// exhaustion. Prepare is a no-op since there is nothing to open.
type InMemory struct {
	examples []learner.Example
	pos      int
}

// NewInMemory wraps examples for sequential replay.
func NewInMemory(examples []learner.Example) *InMemory {
	return &InMemory{examples: examples}
}

func (d *InMemory) Prepare() error { return nil }

func (d *InMemory) GetNext() (learner.Example, bool, error) {
	if d.pos >= len(d.examples) {
		return learner.Example{}, false, nil
	}
	ex := d.examples[d.pos]
	d.pos++
	return ex, true, nil
}

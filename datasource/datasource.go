// Package datasource defines the opaque DataSource contract the worker's
// data-producer goroutine drains (spec §1, §6). Concrete data sources
// (file readers, streaming inputs) are explicitly out of scope.
package datasource

import "github.com/fraunhofer-iais/dlsync/learner"

// DataSource yields a worker's labeled training stream. Prepare opens any
// backing files or connections; GetNext may block (the data-producer
// goroutine that calls it is isolated precisely so that blocking never
// stalls the main worker loop -- spec §6).
type DataSource interface {
	Prepare() error
	// GetNext returns the next example, or ok=false once the source is
	// exhausted. A non-nil err is fatal to the data-producer goroutine.
	GetNext() (ex learner.Example, ok bool, err error)
}

// Package nodeid defines the NodeId type shared by every package that
// reasons about worker identity (spec §3: "opaque string, unique per
// worker for the lifetime of a run").
package nodeid

// NodeId is an opaque, per-run-unique worker identifier.
type NodeId string

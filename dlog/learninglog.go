package dlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/fraunhofer-iais/dlsync/nodeid"
)

// EventKind enumerates the LearningLogger sink's event kinds (spec §6).
type EventKind string

const (
	EventLoss               EventKind = "loss"
	EventPrediction         EventKind = "prediction"
	EventViolationCheck     EventKind = "violationCheck"
	EventBalancingDecision  EventKind = "balancingDecision"
	EventRegistration       EventKind = "registration"
	EventDeregistration     EventKind = "deregistration"
	EventSendModel          EventKind = "sendModel"
	EventAggregatedSnapshot EventKind = "aggregatedSnapshot"
	EventModelSnapshot      EventKind = "modelSnapshot"
)

// LearningLogger is the spec's §6 external interface: "The core emits
// structured events via a LearningLogger sink... the sink decides
// format." This implementation mirrors the original learningLogger.py
// layout -- one append-only file per event kind, under a per-node
// directory -- with each line a timestamp followed by a jsoniter-encoded
// field map.
type LearningLogger struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewLearningLogger roots the sink at baseDir; directories and files are
// created lazily on first write.
func NewLearningLogger(baseDir string) *LearningLogger {
	return &LearningLogger{baseDir: baseDir, files: make(map[string]*os.File)}
}

// Log appends one line of the form "<timestamp> <json fields>" to the
// file for (node, kind), creating the node's directory and the file on
// first use. timestampSeconds matches spec §6's "timestamp in seconds".
func (l *LearningLogger) Log(kind EventKind, node nodeid.NodeId, timestampSeconds float64, fields map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(node) + "/" + string(kind)
	f, ok := l.files[key]
	if !ok {
		dir := filepath.Join(l.baseDir, string(node))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dir, string(kind)+".txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.files[key] = f
	}
	encoded, err := jsoniter.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%f %s\n", timestampSeconds, encoded)
	return err
}

// Close releases every open file handle. Idempotent.
func (l *LearningLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = make(map[string]*os.File)
	return first
}

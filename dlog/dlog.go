// Package dlog is the control plane's structured, level-gated logger. Its
// API and the FastV verbosity gate are modeled directly on the teacher's
// own nlog/cmn.Rom.FastV convention (see ais/prxs3.go, xact/xs/tcb.go):
// callers check verbosity cheaply before formatting, and plain Infoln/
// Errorln calls carry no gate at all.
package dlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Module names used with FastV, mirroring the teacher's cos.Smodule* enum.
const (
	SmoduleTransport = "transport"
	SmoduleCoord     = "coordinator"
	SmoduleWorker    = "worker"
	SmoduleSync      = "sync"
)

var verbosity int32 // global verbosity; 0 disables FastV-gated logging entirely

var std = log.New(os.Stdout, "", log.Ldate|log.Lmicroseconds)

// SetLevel sets the global verbosity threshold used by FastV.
func SetLevel(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// FastV reports whether logging at the given level is enabled for module.
// module is accepted for call-site symmetry with the teacher's API and for
// future per-module overrides; today verbosity is global.
func FastV(level int, module string) bool {
	_ = module
	return int(atomic.LoadInt32(&verbosity)) >= level
}

func Infoln(v ...interface{})                 { std.Output(2, "INFO  "+fmt.Sprintln(v...)) }
func Infof(format string, v ...interface{})   { std.Output(2, "INFO  "+fmt.Sprintf(format, v...)+"\n") }
func Warningln(v ...interface{})               { std.Output(2, "WARN  "+fmt.Sprintln(v...)) }
func Warningf(format string, v ...interface{}) { std.Output(2, "WARN  "+fmt.Sprintf(format, v...)+"\n") }
func Errorln(v ...interface{})                 { std.Output(2, "ERROR "+fmt.Sprintln(v...)) }
func Errorf(format string, v ...interface{})   { std.Output(2, "ERROR "+fmt.Sprintf(format, v...)+"\n") }

// Traceln is gated on verbosity >= 4 implicitly -- convenience for the
// common "trace if verbose" call shape seen throughout the teacher's code.
func Traceln(module string, v ...interface{}) {
	if FastV(4, module) {
		std.Output(2, "TRACE "+fmt.Sprintln(v...))
	}
}

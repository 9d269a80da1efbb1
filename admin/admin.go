// Package admin is the lightweight status/health HTTP surface both the
// coordinator and worker processes expose (SPEC_FULL §0/§11), built on
// the teacher's direct fasthttp dependency. It carries no control-plane
// logic of its own -- it only renders whatever snapshot its owning
// process hands it.
package admin

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/fraunhofer-iais/dlsync/dlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusFunc returns a JSON-serializable snapshot of whatever state the
// owning process wants to expose under /status. Called fresh on every
// request -- there is no caching here, matching the teacher's own
// on-demand proxy status handlers (ais/prxs3.go).
type StatusFunc func() interface{}

// Server is a minimal fasthttp server exposing /healthz and /status.
type Server struct {
	addr   string
	status StatusFunc
	srv    *fasthttp.Server
}

// New builds a Server bound to addr (e.g. ":8091"). status may be nil, in
// which case /status always reports an empty object.
func New(addr string, status StatusFunc) *Server {
	if status == nil {
		status = func() interface{} { return struct{}{} }
	}
	s := &Server{addr: addr, status: status}
	s.srv = &fasthttp.Server{Handler: s.handle}
	return s
}

// ListenAndServe blocks serving requests until the process shuts it down
// or the listener errors; callers typically run this in its own
// goroutine under an errgroup alongside the transport/state-machine loop.
func (s *Server) ListenAndServe() error {
	dlog.Infof("admin: listening on %s", s.addr)
	return s.srv.ListenAndServe(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/status":
		body, err := json.Marshal(s.status())
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString(err.Error())
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

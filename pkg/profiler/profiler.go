package profiler

import (
	"net/http"
	"net/http/pprof"
)

// Register mounts the standard pprof handlers onto mux, so a profiler
// can be reached under the same Admin listener as /metrics instead of
// opening a second port.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

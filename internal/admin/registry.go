package admin

import (
	"net/http"
	"sort"

	"github.com/olla-mesh/streamrouter/internal/logger"
)

// routeInfo is one registered Admin HTTP route, kept in registration
// order so the startup log prints routes the way they were wired.
type routeInfo struct {
	Handler     http.HandlerFunc
	Description string
	Method      string
	Order       int
}

// routeRegistry accumulates Admin's HTTP routes and wires them onto a
// mux as a batch, logging the final table once instead of one line per
// handler registration.
type routeRegistry struct {
	routes   map[string]routeInfo
	log      *logger.StyledLogger
	orderSeq int
}

func newRouteRegistry(log *logger.StyledLogger) *routeRegistry {
	return &routeRegistry{routes: make(map[string]routeInfo), log: log}
}

func (r *routeRegistry) register(route, method, description string, handler http.HandlerFunc) {
	r.routes[route] = routeInfo{Handler: handler, Description: description, Method: method, Order: r.orderSeq}
	r.orderSeq++
}

// wireUp mounts every registered route on mux and logs the table in
// registration order.
func (r *routeRegistry) wireUp(mux *http.ServeMux) {
	type row struct {
		route string
		info  routeInfo
	}
	rows := make([]row, 0, len(r.routes))
	for route, info := range r.routes {
		rows = append(rows, row{route, info})
		mux.HandleFunc(route, info.Handler)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].info.Order < rows[j].info.Order })

	for _, rw := range rows {
		r.log.Info("admin route", "method", rw.info.Method, "route", rw.route, "description", rw.info.Description)
	}
}

package router

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/server"
)

// MatchedRouteInfo is a route together with the handler built for it.
type MatchedRouteInfo struct {
	Handler server.Handler
	Route   config.Route
}

// Router holds the routing table and dispatches streams to handlers.
// Handlers are built once, when the router is created.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]*MatchedRouteInfo
	// prefixRoutes is sorted longest pattern first, so the most specific
	// prefix wins.
	prefixRoutes []*MatchedRouteInfo

	log *logger.Logger
}

var _ server.RouterInterface = (*Router)(nil)

// NewRouter builds a handler for every route. Routes are assumed to have
// passed config validation; a handler that cannot be built is an error.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]*MatchedRouteInfo),
		log:         lg,
	}
	for i, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig,
			lg.With(logger.LogFields{"route": route.PathPattern, "handler": route.HandlerType}))
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("routing.routes[%d] (%s): %w", i, route.PathPattern, err),
				r.Close())
		}
		info := &MatchedRouteInfo{Handler: h, Route: route}
		switch route.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[route.PathPattern] = info
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, info)
		default:
			return nil, multierr.Append(
				fmt.Errorf("routing.routes[%d]: unknown match_type '%s'", i, route.MatchType),
				r.Close())
		}
	}
	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].Route.PathPattern) > len(r.prefixRoutes[j].Route.PathPattern)
	})
	return r, nil
}

// FindRoute matches path against the table. An Exact match takes
// precedence over any Prefix match; among Prefix matches the longest
// pattern wins. It returns nil when nothing matches.
func (r *Router) FindRoute(path string) *MatchedRouteInfo {
	if info, ok := r.exactRoutes[path]; ok {
		return info
	}
	for _, info := range r.prefixRoutes {
		if strings.HasPrefix(path, info.Route.PathPattern) {
			return info
		}
	}
	return nil
}

// ServeHTTP runs the handler routed for req, or answers 404.
func (r *Router) ServeHTTP(st *http2.Stream, req *http.Request) {
	info := r.FindRoute(req.URL.Path)
	if info == nil {
		r.log.Info("no route matched", logger.LogFields{"path": req.URL.Path, "stream": st.ID()})
		if err := server.WriteErrorResponse(st, http.StatusNotFound, req, "", nil, r.log); err != nil {
			r.log.Debug("failed to send 404", logger.LogFields{"stream": st.ID(), "error": err.Error()})
		}
		return
	}
	info.Handler.ServeHTTP2(st, req)
}

// Close releases handlers that hold resources, such as a relay's upstream
// sessions.
func (r *Router) Close() error {
	var err error
	seen := make(map[io.Closer]bool)
	closeHandler := func(h server.Handler) {
		c, ok := h.(io.Closer)
		if !ok || seen[c] {
			return
		}
		seen[c] = true
		err = multierr.Append(err, c.Close())
	}
	for _, info := range r.exactRoutes {
		closeHandler(info.Handler)
	}
	for _, info := range r.prefixRoutes {
		closeHandler(info.Handler)
	}
	return err
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

// Handler processes the streams routed to it. A handler is built once per
// route and serves every stream matched by that route, concurrently.
//
// req carries the decoded request header block; its Body reads the stream
// and its Context ends when the stream is cancelled. The handler writes its
// response on st and returns when it is done with the stream. Anything it
// leaves unfinished is closed by the server.
type Handler interface {
	ServeHTTP2(st *http2.Stream, req *http.Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(st *http2.Stream, req *http.Request)

func (f HandlerFunc) ServeHTTP2(st *http2.Stream, req *http.Request) { f(st, req) }

// HandlerFactory builds a handler from a route's opaque handler_config.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler_type names from the configuration to the
// factories that build them. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: make(map[string]HandlerFactory)}
}

// Register associates handlerType with factory. Registering a type twice
// is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for handler type '%s'", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory returns the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler builds a handler of handlerType from its raw config.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, lg)
}

// Types lists the registered handler types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RouterInterface finds the handler for a request and runs it. Requests
// that match no route get an error response from the router itself.
type RouterInterface interface {
	ServeHTTP(st *http2.Stream, req *http.Request)
}

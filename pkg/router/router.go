package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pestras/micro/pkg/logging"
)

// Handler receives the raw data of a dispatched envelope
type Handler func(ctx context.Context, data json.RawMessage)

// Binding names the unit and method a message is routed to
type Binding struct {
	Owner  string
	Method string
}

// Router maps message names to handler bindings. Bindings and receivers are
// written by the orchestrator goroutine; Dispatch may run concurrently.
type Router struct {
	bindings  map[string]Binding
	receivers map[string]map[string]Handler
	main      string
	logger    logging.Logger
	mutex     sync.RWMutex
}

func New(logger logging.Logger) *Router {
	return &Router{
		bindings:  make(map[string]Binding),
		receivers: make(map[string]map[string]Handler),
		logger:    logger,
	}
}

// Register binds a message name to owner.method. Re-registering a name
// replaces the earlier binding.
func (r *Router) Register(name, owner, method string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if previous, exists := r.bindings[name]; exists {
		r.logger.Debugf("Message binding replaced, message: %s, previous: %s.%s, new: %s.%s",
			name, previous.Owner, previous.Method, owner, method)
	}
	r.bindings[name] = Binding{Owner: owner, Method: method}
}

// AddReceiver records a running unit and its method table. The table is
// copied once here and never consulted on the unit again.
func (r *Router) AddReceiver(name string, methods map[string]Handler, isMain bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	table := make(map[string]Handler, len(methods))
	for method, handler := range methods {
		if handler != nil {
			table[method] = handler
		}
	}
	r.receivers[name] = table
	if isMain {
		r.main = name
	}
}

// RemoveReceiver forgets a unit; later dispatches to it fall back to the main service
func (r *Router) RemoveReceiver(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.receivers, name)
	if r.main == name {
		r.main = ""
	}
}

// Dispatch invokes the handler bound to env.Message and reports whether one ran.
// "publish" is always ignored. Unknown names and missing methods are dropped.
func (r *Router) Dispatch(ctx context.Context, env Envelope) bool {
	if env.Message == MessagePublish {
		return false
	}

	handler, ok := r.resolve(env.Message)
	if !ok {
		return false
	}

	handler(ctx, env.Data)
	return true
}

func (r *Router) resolve(name string) (Handler, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	binding, exists := r.bindings[name]
	if !exists {
		return nil, false
	}

	methods, running := r.receivers[binding.Owner]
	if !running {
		methods, running = r.receivers[r.main]
		if !running {
			return nil, false
		}
	}

	handler, exists := methods[binding.Method]
	if !exists {
		r.logger.Debugf("Message dropped, method not found, message: %s, method: %s", name, binding.Method)
		return nil, false
	}
	return handler, true
}

// Len returns the number of registered bindings
func (r *Router) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.bindings)
}

// Bindings returns a copy of the binding table
func (r *Router) Bindings() map[string]Binding {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	bindings := make(map[string]Binding, len(r.bindings))
	for name, binding := range r.bindings {
		bindings[name] = binding
	}
	return bindings
}

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pestras/micro/pkg/router"
	"github.com/pestras/micro/pkg/shared"
)

// Plugin is an add-on unit initialized before the main service
type Plugin interface {
	Init(ctx context.Context) error
}

// Initializer is implemented by services and subservices with an init phase
type Initializer interface {
	OnInit(ctx context.Context) error
}

type ReadyHook interface {
	OnReady(ctx context.Context)
}

// ExitHook is called once during shutdown with the exit code and the
// triggering signal, nil for an explicit exit.
type ExitHook interface {
	OnExit(code int, sig os.Signal)
}

type StdinHandler interface {
	OnStdin(chunk string)
}

type StdinEndHandler interface {
	OnStdinEnd()
}

// LogHandler receives every line the orchestrator logs. Only the main
// service's handler is used.
type LogHandler interface {
	OnLog(level string, msg string, meta map[string]interface{})
}

// UnhandledHandler replaces the default exit policy for failures escaping
// message and stdin handlers. Only the main service's handler is used.
type UnhandledHandler interface {
	OnUnhandled(err error)
}

// MessageReceiver exposes message handlers keyed by method name. Each
// method is bound to the message of the same name.
type MessageReceiver interface {
	MessageHandlers() map[string]router.Handler
}

// SharedProvider exposes methods to sibling units through the shared store
type SharedProvider interface {
	SharedMethods() map[string]shared.Func
}

// HostAware units receive the host before initialization
type HostAware interface {
	SetHost(host Host)
}

// Named units choose their own name; others are named after their type
type Named interface {
	Name() string
}

type unitKind string

const (
	kindPlugin     unitKind = "plugin"
	kindMain       unitKind = "service"
	kindSubservice unitKind = "subservice"
)

// unit holds the capabilities of a registered value, resolved once
type unit struct {
	name  string
	kind  unitKind
	value interface{}

	init     func(ctx context.Context) error
	ready    func(ctx context.Context)
	exit     func(code int, sig os.Signal)
	stdin    func(chunk string)
	stdinEnd func()
	handlers map[string]router.Handler
	shared   map[string]shared.Func
}

func newUnit(value interface{}, kind unitKind) *unit {
	u := &unit{
		name:  unitName(value),
		kind:  kind,
		value: value,
	}

	switch kind {
	case kindPlugin:
		if p, ok := value.(Plugin); ok {
			u.init = p.Init
		}
	default:
		if i, ok := value.(Initializer); ok {
			u.init = i.OnInit
		}
	}
	if h, ok := value.(ReadyHook); ok {
		u.ready = h.OnReady
	}
	if h, ok := value.(ExitHook); ok {
		u.exit = h.OnExit
	}
	if h, ok := value.(StdinHandler); ok {
		u.stdin = h.OnStdin
	}
	if h, ok := value.(StdinEndHandler); ok {
		u.stdinEnd = h.OnStdinEnd
	}
	if r, ok := value.(MessageReceiver); ok {
		u.handlers = r.MessageHandlers()
	}
	if p, ok := value.(SharedProvider); ok {
		u.shared = p.SharedMethods()
	}
	return u
}

func unitName(value interface{}) string {
	if n, ok := value.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", value), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

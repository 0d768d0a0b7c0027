package lifecycle

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/router"
)

// Options configure one orchestrator
type Options struct {
	// WorkerID is the 1-based worker slot, 0 outside a cluster
	WorkerID int

	// Stdin enables forwarding of standard input lines to units
	Stdin bool

	// HealthCheck enables the health aggregator
	HealthCheck bool

	// HealthDir overrides the health-state file directory
	HealthDir string

	// TransferLog logs every envelope sent and received
	TransferLog bool

	// ExitOnUnhandled exits with code 1 on handler failures when the main
	// service has no UnhandledHandler
	ExitOnUnhandled bool
}

// DefaultOptions returns options with health checks and exit-on-unhandled enabled
func DefaultOptions() Options {
	return Options{
		HealthCheck:     true,
		ExitOnUnhandled: true,
	}
}

// Link is the channel to the supervising process
type Link interface {
	Send(ctx context.Context, env router.Envelope) error
	Inbound() <-chan router.Envelope
}

type Option func(*Orchestrator)

// WithPlugins registers plugins in initialization order
func WithPlugins(plugins ...Plugin) Option {
	return func(o *Orchestrator) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, newUnit(p, kindPlugin))
			}
		}
	}
}

// WithSubservices registers subservices in initialization order
func WithSubservices(subservices ...interface{}) Option {
	return func(o *Orchestrator) {
		for _, s := range subservices {
			if s != nil {
				o.subservices = append(o.subservices, newUnit(s, kindSubservice))
			}
		}
	}
}

// WithLink connects the orchestrator to a supervisor
func WithLink(link Link) Option {
	return func(o *Orchestrator) {
		o.link = link
	}
}

// WithBinding routes message to owner.method, overriding the default
// binding derived from MessageReceiver method names
func WithBinding(message, owner, method string) Option {
	return func(o *Orchestrator) {
		o.bindings = append(o.bindings, binding{message: message, owner: owner, method: method})
	}
}

// WithStdin replaces os.Stdin as the stdin source
func WithStdin(reader io.Reader) Option {
	return func(o *Orchestrator) {
		o.stdinReader = reader
	}
}

// WithSignals replaces OS signal notification
func WithSignals(signals <-chan os.Signal) Option {
	return func(o *Orchestrator) {
		o.signals = signals
	}
}

// WithHealthStore replaces the health-state file store
func WithHealthStore(store health.Sink) Option {
	return func(o *Orchestrator) {
		o.healthStore = store
	}
}

// WithHealthMirror adds a sink updated alongside the health store
func WithHealthMirror(sink health.Sink) Option {
	return func(o *Orchestrator) {
		o.healthOptions = append(o.healthOptions, health.WithMirror(sink))
	}
}

// WithHealthIntervals overrides the aggregator recheck delays
func WithHealthIntervals(healthy, degraded time.Duration) Option {
	return func(o *Orchestrator) {
		o.healthOptions = append(o.healthOptions, health.WithIntervals(healthy, degraded))
	}
}

type binding struct {
	message string
	owner   string
	method  string
}

package health

import (
	"context"
	"sync"
	"time"

	"github.com/pestras/micro/pkg/logging"
)

const (
	// DefaultHealthyInterval is the recheck delay after a fully passing snapshot
	DefaultHealthyInterval = 10 * time.Second

	// DefaultDegradedInterval is the recheck delay after any failing field
	DefaultDegradedInterval = 1 * time.Second
)

// Sink receives snapshots whenever the aggregate changes
type Sink interface {
	Write(ctx context.Context, snapshot Snapshot) error
}

// UnitSource returns the units whose flags make up the aggregate
type UnitSource func() []interface{}

// AggregatorOption customizes an Aggregator
type AggregatorOption func(*Aggregator)

// WithMirror adds a secondary sink updated alongside the primary store.
// Mirror failures are logged and never affect the persisted baseline.
func WithMirror(sink Sink) AggregatorOption {
	return func(a *Aggregator) {
		if sink != nil {
			a.mirrors = append(a.mirrors, sink)
		}
	}
}

// WithIntervals overrides the healthy and degraded recheck delays
func WithIntervals(healthy, degraded time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if healthy > 0 {
			a.healthyInterval = healthy
		}
		if degraded > 0 {
			a.degradedInterval = degraded
		}
	}
}

// Aggregator polls unit health flags and persists the aggregate on change.
// Each tick schedules the next one only after its own write settled, so
// at most one write is in flight.
type Aggregator struct {
	units   UnitSource
	store   Sink
	mirrors []Sink
	logger  logging.Logger

	healthyInterval  time.Duration
	degradedInterval time.Duration

	persisted *Snapshot // last snapshot the store accepted, nil before the first write
	current   Snapshot
	mutex     sync.Mutex
}

// NewAggregator creates an aggregator writing to store
func NewAggregator(units UnitSource, store Sink, logger logging.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		units:            units,
		store:            store,
		logger:           logger,
		healthyInterval:  DefaultHealthyInterval,
		degradedInterval: DefaultDegradedInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tick evaluates the units once, persists the snapshot if it differs from
// the last persisted one, and returns the snapshot with the delay before the
// next tick.
func (a *Aggregator) Tick(ctx context.Context) (Snapshot, time.Duration) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	snapshot := Evaluate(a.units())
	a.current = snapshot

	if a.persisted == nil || *a.persisted != snapshot {
		a.logger.Debugf("Health state changed, healthy: %t, ready: %t, live: %t",
			snapshot.Healthy, snapshot.Ready, snapshot.Live)

		for _, mirror := range a.mirrors {
			if err := mirror.Write(ctx, snapshot); err != nil {
				a.logger.Warnf("Failed to mirror health state: %v", err)
			}
		}

		if err := a.store.Write(ctx, snapshot); err != nil {
			a.logger.Errorf("Failed to persist health state: %v", err)
		} else {
			persisted := snapshot
			a.persisted = &persisted
		}
	}

	return snapshot, a.nextInterval(snapshot)
}

func (a *Aggregator) nextInterval(snapshot Snapshot) time.Duration {
	if snapshot.OK() {
		return a.healthyInterval
	}
	return a.degradedInterval
}

// Run ticks until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	a.logger.Infof("Health aggregator started")
	defer a.logger.Infof("Health aggregator stopped")

	for {
		_, next := a.Tick(ctx)

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Current returns the snapshot computed by the latest tick
func (a *Aggregator) Current() Snapshot {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.current
}

// Persisted returns the last snapshot accepted by the store
func (a *Aggregator) Persisted() (Snapshot, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.persisted == nil {
		return Snapshot{}, false
	}
	return *a.persisted, true
}

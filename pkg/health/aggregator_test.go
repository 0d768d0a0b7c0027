package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestras/micro/pkg/logging"
)

type flagUnit struct {
	mutex   sync.Mutex
	healthy bool
	ready   bool
	live    bool
}

func newFlagUnit(healthy, ready, live bool) *flagUnit {
	return &flagUnit{healthy: healthy, ready: ready, live: live}
}

func (u *flagUnit) Healthy() bool { u.mutex.Lock(); defer u.mutex.Unlock(); return u.healthy }
func (u *flagUnit) Ready() bool   { u.mutex.Lock(); defer u.mutex.Unlock(); return u.ready }
func (u *flagUnit) Live() bool    { u.mutex.Lock(); defer u.mutex.Unlock(); return u.live }

func (u *flagUnit) setHealthy(v bool) { u.mutex.Lock(); defer u.mutex.Unlock(); u.healthy = v }

type healthyOnlyUnit struct{ healthy bool }

func (u healthyOnlyUnit) Healthy() bool { return u.healthy }

type bareUnit struct{}

type recordingSink struct {
	mutex  sync.Mutex
	writes []Snapshot
	err    error
}

func (r *recordingSink) Write(ctx context.Context, snapshot Snapshot) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return r.err
	}
	r.writes = append(r.writes, snapshot)
	return nil
}

func (r *recordingSink) setErr(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.err = err
}

func (r *recordingSink) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.writes)
}

func unitsOf(units ...interface{}) UnitSource {
	return func() []interface{} { return units }
}

func TestEvaluate_UnsetFlagsPass(t *testing.T) {
	assert.Equal(t, Passing, Evaluate(nil))
	assert.Equal(t, Passing, Evaluate([]interface{}{bareUnit{}, bareUnit{}}))
	assert.Equal(t, Snapshot{Healthy: false, Ready: true, Live: true},
		Evaluate([]interface{}{bareUnit{}, healthyOnlyUnit{healthy: false}}))
}

func TestEvaluate_AndAcrossUnits(t *testing.T) {
	tests := []struct {
		name     string
		units    []interface{}
		expected Snapshot
	}{
		{
			name:     "all passing",
			units:    []interface{}{newFlagUnit(true, true, true), newFlagUnit(true, true, true)},
			expected: Passing,
		},
		{
			name:     "one unit not ready",
			units:    []interface{}{newFlagUnit(true, true, true), newFlagUnit(true, false, true)},
			expected: Snapshot{Healthy: true, Ready: false, Live: true},
		},
		{
			name:     "failures spread across units",
			units:    []interface{}{newFlagUnit(false, true, true), bareUnit{}, newFlagUnit(true, true, false)},
			expected: Snapshot{Healthy: false, Ready: true, Live: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Evaluate(tt.units))
		})
	}
}

func TestAggregator_PluginsHealthyServiceUnhealthy(t *testing.T) {
	sink := &recordingSink{}
	plugin1 := healthyOnlyUnit{healthy: true}
	plugin2 := healthyOnlyUnit{healthy: true}
	service := healthyOnlyUnit{healthy: false}

	aggregator := NewAggregator(unitsOf(plugin1, plugin2, service), sink, logging.NewNopLogger())

	snapshot, _ := aggregator.Tick(context.Background())
	assert.False(t, snapshot.Healthy)

	aggregator.Tick(context.Background())
	aggregator.Tick(context.Background())

	require.Equal(t, 1, sink.count())
	assert.False(t, sink.writes[0].Healthy)
}

func TestAggregator_WritesOnlyOnChange(t *testing.T) {
	sink := &recordingSink{}
	unit := newFlagUnit(true, true, true)
	aggregator := NewAggregator(unitsOf(unit), sink, logging.NewNopLogger())
	ctx := context.Background()

	aggregator.Tick(ctx)
	aggregator.Tick(ctx)
	assert.Equal(t, 1, sink.count(), "first snapshot is always persisted, repeats are not")

	unit.setHealthy(false)
	aggregator.Tick(ctx)
	aggregator.Tick(ctx)
	assert.Equal(t, 2, sink.count())

	unit.setHealthy(true)
	aggregator.Tick(ctx)
	assert.Equal(t, 3, sink.count())
	assert.Equal(t, []Snapshot{Passing, {Healthy: false, Ready: true, Live: true}, Passing}, sink.writes)

	persisted, ok := aggregator.Persisted()
	assert.True(t, ok)
	assert.Equal(t, Passing, persisted)
}

func TestAggregator_NextInterval(t *testing.T) {
	unit := newFlagUnit(true, true, true)
	aggregator := NewAggregator(unitsOf(unit), &recordingSink{}, logging.NewNopLogger())

	_, next := aggregator.Tick(context.Background())
	assert.Equal(t, 10000*time.Millisecond, next)

	unit.setHealthy(false)
	_, next = aggregator.Tick(context.Background())
	assert.Equal(t, 1000*time.Millisecond, next)
}

func TestAggregator_WriteFailureKeepsBaseline(t *testing.T) {
	sink := &recordingSink{}
	sink.setErr(errors.New("read-only file system"))
	aggregator := NewAggregator(unitsOf(newFlagUnit(true, false, true)), sink, logging.NewNopLogger())

	snapshot, next := aggregator.Tick(context.Background())
	assert.False(t, snapshot.Ready)
	assert.Equal(t, DefaultDegradedInterval, next, "a failed write still schedules the next tick")

	_, ok := aggregator.Persisted()
	assert.False(t, ok)

	sink.setErr(nil)
	aggregator.Tick(context.Background())
	assert.Equal(t, 1, sink.count(), "the unchanged snapshot is retried after a failed write")
}

func TestAggregator_MirrorFailureDoesNotBlockStore(t *testing.T) {
	store := &recordingSink{}
	mirror := &recordingSink{}
	mirror.setErr(errors.New("unavailable"))

	aggregator := NewAggregator(unitsOf(bareUnit{}), store, logging.NewNopLogger(), WithMirror(mirror), WithMirror(nil))
	aggregator.Tick(context.Background())

	assert.Equal(t, 1, store.count())
	assert.Len(t, aggregator.mirrors, 1)
}

func TestAggregator_RunReschedulesUntilCancelled(t *testing.T) {
	sink := &recordingSink{}
	unit := newFlagUnit(true, true, true)
	aggregator := NewAggregator(unitsOf(unit), sink, logging.NewNopLogger(),
		WithIntervals(5*time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		aggregator.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	unit.setHealthy(false)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)
	assert.False(t, aggregator.Current().Healthy)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop after cancellation")
	}
}

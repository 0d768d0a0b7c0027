package health

import (
	"strings"

	"github.com/pestras/micro/pkg/errors"
)

// Snapshot is the tri-state health aggregate persisted for external probes
type Snapshot struct {
	Healthy bool `json:"healthy"`
	Ready   bool `json:"ready"`
	Live    bool `json:"live"`
}

// Passing is the fully healthy snapshot
var Passing = Snapshot{Healthy: true, Ready: true, Live: true}

// OK reports whether every field passes
func (s Snapshot) OK() bool {
	return s.Healthy && s.Ready && s.Live
}

// Field names understood by Snapshot.Field and the health-check CLI
const (
	FieldHealthy = "healthy"
	FieldReady   = "ready"
	FieldLive    = "live"
)

// Field returns the value of a named field, case-insensitive
func (s Snapshot) Field(name string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FieldHealthy:
		return s.Healthy, nil
	case FieldReady:
		return s.Ready, nil
	case FieldLive:
		return s.Live, nil
	default:
		return false, errors.NewValidationError("unknown health field", nil).WithContext("field", name)
	}
}

// HealthyReporter is implemented by units exposing a healthy flag.
// Reporters are read from the aggregator goroutine and must be safe for concurrent use.
type HealthyReporter interface {
	Healthy() bool
}

// ReadyReporter is implemented by units exposing a ready flag
type ReadyReporter interface {
	Ready() bool
}

// LiveReporter is implemented by units exposing a live flag
type LiveReporter interface {
	Live() bool
}

// Evaluate computes the AND of each flag across units. A unit that does not
// implement a reporter counts as passing for that field.
func Evaluate(units []interface{}) Snapshot {
	snapshot := Passing
	for _, unit := range units {
		if r, ok := unit.(HealthyReporter); ok && !r.Healthy() {
			snapshot.Healthy = false
		}
		if r, ok := unit.(ReadyReporter); ok && !r.Ready() {
			snapshot.Ready = false
		}
		if r, ok := unit.(LiveReporter); ok && !r.Live() {
			snapshot.Live = false
		}
	}
	return snapshot
}

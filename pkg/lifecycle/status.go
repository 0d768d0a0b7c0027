package lifecycle

import "sync"

// Status is the lifecycle state of a worker process
type Status string

const (
	StatusInit Status = "INIT" // Units are being initialized
	StatusLive Status = "LIVE" // Startup finished, events are processed
	StatusExit Status = "EXIT" // Shutdown started, terminal
)

func (s Status) rank() int {
	switch s {
	case StatusInit:
		return 0
	case StatusLive:
		return 1
	case StatusExit:
		return 2
	default:
		return -1
	}
}

// statusHolder guards a Status that only moves forward
type statusHolder struct {
	status Status
	mutex  sync.RWMutex
}

func newStatusHolder() *statusHolder {
	return &statusHolder{status: StatusInit}
}

func (h *statusHolder) get() Status {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.status
}

// advance moves to next and reports whether it did. Moving backwards or
// staying in place is refused.
func (h *statusHolder) advance(next Status) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if next.rank() <= h.status.rank() {
		return false
	}
	h.status = next
	return true
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/router"
	"github.com/pestras/micro/pkg/shared"
)

// clockPlugin shares the process start time with the other units
type clockPlugin struct {
	started time.Time
}

func (c *clockPlugin) Init(ctx context.Context) error {
	c.started = time.Now()
	return nil
}

func (c *clockPlugin) SharedMethods() map[string]shared.Func {
	return map[string]shared.Func{
		"uptime": func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return time.Since(c.started).String(), nil
		},
	}
}

type countedEvent struct {
	Worker int   `json:"worker"`
	Total  int64 `json:"total"`
}

// counterService counts "inc" lines read from stdin and announces every
// increment to the cluster
type counterService struct {
	host  lifecycle.Host
	total atomic.Int64
	ready atomic.Bool
}

func newCounterService() *counterService {
	return &counterService{}
}

func (s *counterService) Name() string { return "counter" }

func (s *counterService) SetHost(host lifecycle.Host) { s.host = host }

func (s *counterService) OnInit(ctx context.Context) error {
	s.host.Logger().Infof("Counter initialized, worker: %d", s.host.WorkerID())
	return nil
}

func (s *counterService) OnReady(ctx context.Context) {
	s.ready.Store(true)
}

func (s *counterService) OnExit(code int, sig os.Signal) {
	s.ready.Store(false)
	s.host.Logger().Infof("Counter stopped, total: %d, code: %d, signal: %v", s.total.Load(), code, sig)
}

func (s *counterService) Ready() bool { return s.ready.Load() }

func (s *counterService) OnStdin(chunk string) {
	switch strings.ToLower(strings.TrimSpace(chunk)) {
	case "inc":
		total := s.total.Add(1)
		event := countedEvent{Worker: s.host.WorkerID(), Total: total}
		if err := s.host.Message(context.Background(), "counted", event, router.TargetAll); err != nil {
			s.host.Logger().Errorf("Failed to announce count: %v", err)
		}
	case "uptime":
		uptime, err := s.host.Shared().Call(context.Background(), "uptime")
		if err != nil {
			s.host.Logger().Errorf("Uptime unavailable: %v", err)
			return
		}
		s.host.Logger().Infof("Uptime: %v", uptime)
	case "reset":
		_ = s.host.Message(context.Background(), "reset", nil, router.TargetAll)
	case "restart":
		_ = s.host.Message(context.Background(), router.MessageRestart, nil, router.TargetAll)
	}
}

func (s *counterService) OnStdinEnd() {
	s.host.Logger().Infof("Stdin closed, total: %d", s.total.Load())
}

func (s *counterService) SharedMethods() map[string]shared.Func {
	return map[string]shared.Func{
		"total": func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return s.total.Load(), nil
		},
	}
}

func (s *counterService) MessageHandlers() map[string]router.Handler {
	return map[string]router.Handler{
		"counted": func(ctx context.Context, data json.RawMessage) {
			var event countedEvent
			if err := json.Unmarshal(data, &event); err != nil {
				s.host.Logger().Warnf("Dropping malformed counted event: %v", err)
				return
			}
			s.host.Logger().Infof("Worker %d counted to %d", event.Worker, event.Total)
			if _, err := s.host.Shared().Call(ctx, "record", event); err != nil {
				s.host.Logger().Warnf("Failed to record event: %v", err)
			}
		},
	}
}

// auditSubservice keeps the most recent events announced by any worker
type auditSubservice struct {
	mutex  sync.Mutex
	events []countedEvent
}

const auditCapacity = 100

func newAuditSubservice() *auditSubservice {
	return &auditSubservice{}
}

func (a *auditSubservice) Name() string { return "audit" }

func (a *auditSubservice) SharedMethods() map[string]shared.Func {
	return map[string]shared.Func{
		"record": func(ctx context.Context, args ...interface{}) (interface{}, error) {
			a.mutex.Lock()
			defer a.mutex.Unlock()
			for _, arg := range args {
				event, ok := arg.(countedEvent)
				if !ok {
					return nil, errors.NewValidationError("record expects counted events", nil)
				}
				a.events = append(a.events, event)
			}
			if len(a.events) > auditCapacity {
				a.events = a.events[len(a.events)-auditCapacity:]
			}
			return len(a.events), nil
		},
	}
}

// reset clears the audit log on every worker
func (a *auditSubservice) MessageHandlers() map[string]router.Handler {
	return map[string]router.Handler{
		"reset": func(ctx context.Context, data json.RawMessage) {
			a.mutex.Lock()
			defer a.mutex.Unlock()
			a.events = nil
		},
	}
}

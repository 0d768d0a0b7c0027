package cluster

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
)

const DefaultShutdownTimeout = 10 * time.Second

const (
	// outboxSize bounds the envelopes queued for one worker; more are dropped
	outboxSize = 256

	// exitDrainTimeout bounds the wait for a dead worker's last envelopes
	exitDrainTimeout = 5 * time.Second
)

type SupervisorOptions struct {
	Respawn         RespawnConfig
	ShutdownTimeout time.Duration
}

func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		Respawn:         DefaultRespawnConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// SupervisorState represents the current state of the supervisor
type SupervisorState string

const (
	SupervisorStateNotStarted SupervisorState = "not_started"
	SupervisorStateRunning    SupervisorState = "running"
	SupervisorStateStopping   SupervisorState = "stopping"
	SupervisorStateStopped    SupervisorState = "stopped"
)

// WorkerState is the lifecycle state of one worker slot
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateAlive    WorkerState = "alive"
	WorkerStateExited   WorkerState = "exited"
)

// Worker is one slot in the pool. A slot keeps its ID across respawns.
type Worker struct {
	ID        int
	handle    Handle
	state     WorkerState
	startTime time.Time
	restarts  int
	breaker   *respawnBreaker
	outbox    chan router.Envelope

	// cycling is set while a requested restart replaces the process
	cycling  bool
	spawning bool
}

// WorkerInfo is a diagnostics snapshot of a worker slot
type WorkerInfo struct {
	ID        int          `json:"id"`
	PID       int          `json:"pid"`
	State     WorkerState  `json:"state"`
	StartTime time.Time    `json:"start_time"`
	Restarts  int          `json:"restarts"`
	Breaker   BreakerState `json:"breaker"`
}

// Supervisor owns a pool of sibling worker processes and relays envelopes
// between them. A crashed worker never stops the supervisor; it is respawned
// through a per-slot breaker.
type Supervisor struct {
	options SupervisorOptions
	spawn   SpawnFunc
	logger  logging.Logger

	ctx     context.Context
	workers map[int]*Worker
	state   SupervisorState
	mutex   sync.Mutex

	restartAllMutex sync.Mutex
	watchers        sync.WaitGroup
}

func NewSupervisor(options SupervisorOptions, spawn SpawnFunc, logger logging.Logger) (*Supervisor, error) {
	if spawn == nil {
		return nil, errors.NewValidationError("spawn function cannot be nil", nil)
	}
	if err := ValidateRespawnConfig(options.Respawn); err != nil {
		return nil, errors.NewValidationError("invalid respawn configuration", err)
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Supervisor{
		options: options,
		spawn:   spawn,
		logger:  logger,
		workers: make(map[int]*Worker),
		state:   SupervisorStateNotStarted,
	}, nil
}

// ResolveWorkerCount maps a configured count to the number of workers:
// negative means one per CPU
func ResolveWorkerCount(count int) int {
	if count < 0 {
		return runtime.NumCPU()
	}
	return count
}

// Start spawns workerCount workers. A zero count leaves the supervisor inert.
// Workers failing to start are handed to the respawn policy.
func (s *Supervisor) Start(ctx context.Context, workerCount int) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	count := ResolveWorkerCount(workerCount)

	s.mutex.Lock()
	if s.state != SupervisorStateNotStarted {
		state := s.state
		s.mutex.Unlock()
		return errors.NewConflictError("supervisor already started", nil).WithContext("state", string(state))
	}
	s.ctx = ctx
	s.state = SupervisorStateRunning
	for id := 1; id <= count; id++ {
		workerLogger := logging.NewLogger(fmt.Sprintf("worker: %d, ", id), logging.FuncsOf(s.logger))
		s.workers[id] = &Worker{
			ID:      id,
			state:   WorkerStateStarting,
			breaker: newRespawnBreaker(s.options.Respawn, id, workerLogger),
		}
	}
	s.mutex.Unlock()

	s.logger.Infof("Supervisor starting, workers: %d", count)

	for id := 1; id <= count; id++ {
		s.startWorker(id, false)
	}
	return nil
}

// startWorker spawns the process of a slot, scheduling a respawn on failure.
// A replacement is counted in the slot's restarts only once it is running.
func (s *Supervisor) startWorker(id int, replacement bool) {
	s.mutex.Lock()
	worker, exists := s.workers[id]
	if !exists || s.state != SupervisorStateRunning || worker.spawning || worker.state == WorkerStateAlive {
		s.mutex.Unlock()
		return
	}
	worker.state = WorkerStateStarting
	worker.spawning = true
	ctx := s.ctx
	s.mutex.Unlock()

	handle, err := s.spawn(ctx, id)

	s.mutex.Lock()
	worker.spawning = false
	if err != nil {
		worker.state = WorkerStateExited
		s.mutex.Unlock()
		s.logger.Errorf("Failed to start worker %d: %v", id, err)
		s.scheduleRespawn(worker, 0)
		return
	}
	if s.state != SupervisorStateRunning {
		s.mutex.Unlock()
		s.logger.Infof("Supervisor stopping, terminating late worker %d", id)
		_ = handle.Kill()
		return
	}
	outbox := make(chan router.Envelope, outboxSize)
	worker.handle = handle
	worker.outbox = outbox
	worker.state = WorkerStateAlive
	worker.startTime = time.Now()
	if replacement {
		worker.restarts++
	}
	s.watchers.Add(2)
	s.mutex.Unlock()

	go s.watch(worker, handle)
	go s.deliver(id, handle, outbox)
}

// watch relays envelopes sent by one worker process until it exits.
// Envelopes still buffered when the process exits are relayed before the
// exit is handled.
func (s *Supervisor) watch(worker *Worker, handle Handle) {
	defer s.watchers.Done()

	inbound := handle.Inbound()
	for inbound != nil {
		select {
		case env, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.route(worker.ID, env)
		case <-handle.Done():
			s.drain(worker.ID, inbound)
			inbound = nil
		}
	}

	<-handle.Done()
	s.onWorkerExit(worker, handle)
}

// drain relays what is left on the inbound of an exited worker. Inbound is
// closed once the process pipe is, so the timeout only guards broken handles.
func (s *Supervisor) drain(id int, inbound <-chan router.Envelope) {
	timer := time.NewTimer(exitDrainTimeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				return
			}
			s.route(id, env)
		case <-timer.C:
			s.logger.Warnf("Inbound of exited worker %d was not closed, giving up", id)
			return
		}
	}
}

// deliver writes queued envelopes to one worker process until it exits
func (s *Supervisor) deliver(id int, handle Handle, outbox <-chan router.Envelope) {
	defer s.watchers.Done()

	for {
		select {
		case env := <-outbox:
			if err := handle.Send(s.context(), env); err != nil {
				s.logger.Warnf("Failed to deliver message, message: %s, worker: %d, error: %v", env.Message, id, err)
			}
		case <-handle.Done():
			return
		}
	}
}

func (s *Supervisor) route(from int, env router.Envelope) {
	env.From = from

	switch env.Message {
	case router.MessageRestart:
		go func() {
			if err := s.Restart(s.context(), from); err != nil {
				s.logger.Errorf("Failed to restart worker %d: %v", from, err)
			}
		}()
	case router.MessageRestartAll:
		go s.RestartAll(s.context())
	default:
		s.Broadcast(env)
	}
}

func (s *Supervisor) context() context.Context {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Broadcast queues env for every alive worker, or for every alive worker
// except env.From when the target is "others". It never blocks: a worker
// whose queue is full because it is not reading loses the envelope.
func (s *Supervisor) Broadcast(env router.Envelope) {
	type recipient struct {
		id     int
		outbox chan<- router.Envelope
	}

	s.mutex.Lock()
	recipients := make([]recipient, 0, len(s.workers))
	for id, worker := range s.workers {
		if worker.state != WorkerStateAlive || worker.outbox == nil {
			continue
		}
		if env.Target == router.TargetOthers && id == env.From {
			continue
		}
		recipients = append(recipients, recipient{id: id, outbox: worker.outbox})
	}
	s.mutex.Unlock()

	sort.Slice(recipients, func(i, j int) bool { return recipients[i].id < recipients[j].id })

	for _, r := range recipients {
		select {
		case r.outbox <- env:
		default:
			s.logger.Warnf("Worker %d is not reading, message dropped: %s", r.id, env.Message)
		}
	}
}

func (s *Supervisor) onWorkerExit(worker *Worker, handle Handle) {
	s.mutex.Lock()
	if worker.handle != handle {
		s.mutex.Unlock()
		return
	}
	worker.state = WorkerStateExited
	uptime := time.Since(worker.startTime)
	if worker.cycling || s.state != SupervisorStateRunning {
		s.mutex.Unlock()
		s.logger.Infof("Worker %d exited, uptime: %v", worker.ID, uptime)
		return
	}
	s.mutex.Unlock()

	crash := errors.NewWorkerCrashError("worker exited unexpectedly", handle.Err()).
		WithContext("worker", worker.ID).
		WithContext("pid", handle.Pid())
	s.logger.Errorf("Worker crashed after %v: %v", uptime, crash)

	s.scheduleRespawn(worker, uptime)
}

func (s *Supervisor) scheduleRespawn(worker *Worker, uptime time.Duration) {
	delay, err := worker.breaker.Next(uptime)
	if err != nil {
		s.logger.Errorf("Worker %d will not be respawned, supervisor degraded: %v", worker.ID, err)
		return
	}

	time.AfterFunc(delay, func() {
		s.startWorker(worker.ID, true)
	})
}

// Restart terminates worker id and starts a replacement without counting
// it against the respawn breaker
func (s *Supervisor) Restart(ctx context.Context, id int) error {
	s.mutex.Lock()
	worker, exists := s.workers[id]
	if !exists {
		s.mutex.Unlock()
		return errors.NewNotFoundError("worker not found", nil).WithContext("worker", id)
	}
	if s.state != SupervisorStateRunning {
		state := s.state
		s.mutex.Unlock()
		return errors.NewValidationError("supervisor is not running", nil).WithContext("state", string(state))
	}
	if worker.cycling {
		s.mutex.Unlock()
		return errors.NewConflictError("worker restart already in progress", nil).WithContext("worker", id)
	}
	worker.cycling = true
	handle := worker.handle
	alive := worker.state == WorkerStateAlive
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		worker.cycling = false
		s.mutex.Unlock()
	}()

	s.logger.Infof("Restarting worker %d", id)

	if handle != nil && alive {
		if err := s.terminate(ctx, id, handle); err != nil {
			return err
		}
	}

	worker.breaker.Reset()
	s.mutex.Lock()
	worker.state = WorkerStateExited
	s.mutex.Unlock()

	s.startWorker(id, true)
	return nil
}

// RestartAll restarts every worker one after another
func (s *Supervisor) RestartAll(ctx context.Context) {
	s.restartAllMutex.Lock()
	defer s.restartAllMutex.Unlock()

	s.logger.Infof("Restarting all workers")
	for _, id := range s.ids() {
		if err := s.Restart(ctx, id); err != nil {
			s.logger.Errorf("Failed to restart worker %d: %v", id, err)
		}
	}
}

// terminate stops one process gracefully, killing it after the shutdown timeout
func (s *Supervisor) terminate(ctx context.Context, id int, handle Handle) error {
	if err := handle.Terminate(); err != nil {
		s.logger.Warnf("Failed to signal worker %d, killing: %v", id, err)
		if killErr := handle.Kill(); killErr != nil {
			return errors.NewProcessError("failed to kill worker", killErr).WithContext("worker", id)
		}
	}

	timer := time.NewTimer(s.options.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-handle.Done():
		return nil
	case <-timer.C:
		s.logger.Warnf("Worker %d did not exit within %v, killing", id, s.options.ShutdownTimeout)
	case <-ctx.Done():
		s.logger.Warnf("Shutdown of worker %d cancelled, killing", id)
	}

	if err := handle.Kill(); err != nil {
		return errors.NewProcessError("failed to kill worker", err).WithContext("worker", id)
	}
	<-handle.Done()
	return nil
}

// Stop terminates every worker without respawning them
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != SupervisorStateRunning {
		s.state = SupervisorStateStopped
		s.mutex.Unlock()
		return nil
	}
	s.state = SupervisorStateStopping

	handles := make(map[int]Handle)
	for id, worker := range s.workers {
		if worker.handle != nil && worker.state == WorkerStateAlive {
			handles[id] = worker.handle
		}
	}
	s.mutex.Unlock()

	s.logger.Infof("Stopping supervisor, workers alive: %d", len(handles))

	collection := errors.NewErrorCollection()
	var wg sync.WaitGroup
	var collectionMutex sync.Mutex
	for id, handle := range handles {
		wg.Add(1)
		go func(id int, handle Handle) {
			defer wg.Done()
			if err := s.terminate(ctx, id, handle); err != nil {
				collectionMutex.Lock()
				collection.Add(err)
				collectionMutex.Unlock()
			}
		}(id, handle)
	}
	wg.Wait()
	s.watchers.Wait()

	s.mutex.Lock()
	s.state = SupervisorStateStopped
	s.mutex.Unlock()

	s.logger.Infof("Supervisor stopped")
	return collection.ToError()
}

// Degraded reports whether any slot has exhausted its respawn budget and
// was not restarted since
func (s *Supervisor) Degraded() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, worker := range s.workers {
		if worker.breaker.State().IsOpen {
			return true
		}
	}
	return false
}

func (s *Supervisor) State() SupervisorState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Workers returns a snapshot of every slot ordered by ID
func (s *Supervisor) Workers() []WorkerInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	infos := make([]WorkerInfo, 0, len(s.workers))
	for _, worker := range s.workers {
		info := WorkerInfo{
			ID:        worker.ID,
			State:     worker.state,
			StartTime: worker.startTime,
			Restarts:  worker.restarts,
			Breaker:   worker.breaker.State(),
		}
		if worker.handle != nil {
			info.PID = worker.handle.Pid()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (s *Supervisor) ids() []int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

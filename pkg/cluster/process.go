package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
)

// WorkerIDEnv marks a process as a cluster worker and carries its slot number
const WorkerIDEnv = "MICRO_WORKER_ID"

// Pipe descriptors inherited by workers
const (
	workerInFD  = 3 // supervisor -> worker
	workerOutFD = 4 // worker -> supervisor
)

// Handle is a running worker process as seen by the supervisor
type Handle interface {
	Pid() int
	Send(ctx context.Context, env router.Envelope) error

	// Inbound yields envelopes sent by the worker. It is closed once the
	// process has exited and its pipe is drained; a nil channel is allowed.
	Inbound() <-chan router.Envelope

	// Terminate asks the worker to shut down gracefully
	Terminate() error
	Kill() error

	// Done is closed once the process has exited
	Done() <-chan struct{}
	Err() error
}

// SpawnFunc starts worker id
type SpawnFunc func(ctx context.Context, id int) (Handle, error)

// ExecConfig describes how workers are executed
type ExecConfig struct {
	ExecutablePath string
	Args           []string
	Environment    []string
}

// SelfExecConfig re-executes the current binary with the current arguments
func SelfExecConfig() (ExecConfig, error) {
	executable, err := os.Executable()
	if err != nil {
		return ExecConfig{}, errors.NewIOError("failed to resolve executable", err)
	}
	return ExecConfig{ExecutablePath: executable, Args: os.Args[1:]}, nil
}

// NewExecSpawner returns a SpawnFunc that starts workers as child processes
// connected through a pipe pair on descriptors 3 and 4
func NewExecSpawner(execution ExecConfig, logger logging.Logger) SpawnFunc {
	return func(ctx context.Context, id int) (Handle, error) {
		if execution.ExecutablePath == "" {
			return nil, errors.NewValidationError("executable path is required", nil).WithContext("worker", id)
		}

		toWorkerRead, toWorkerWrite, err := os.Pipe()
		if err != nil {
			return nil, errors.NewIOError("failed to create worker input pipe", err).WithContext("worker", id)
		}
		fromWorkerRead, fromWorkerWrite, err := os.Pipe()
		if err != nil {
			toWorkerRead.Close()
			toWorkerWrite.Close()
			return nil, errors.NewIOError("failed to create worker output pipe", err).WithContext("worker", id)
		}

		env := append(os.Environ(), execution.Environment...)
		env = append(env, fmt.Sprintf("%s=%d", WorkerIDEnv, id))

		cmd := exec.Command(execution.ExecutablePath, execution.Args...)
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{toWorkerRead, fromWorkerWrite}
		setupProcessAttributes(cmd)

		logger.Debugf("Executing worker, id: %d, executable: '%s', args: %v", id, execution.ExecutablePath, execution.Args)

		err = cmd.Start()

		// The child holds its own copies of these ends
		toWorkerRead.Close()
		fromWorkerWrite.Close()

		if err != nil {
			toWorkerWrite.Close()
			fromWorkerRead.Close()
			return nil, errors.NewProcessError("failed to start worker", err).
				WithContext("worker", id).
				WithContext("executable_path", execution.ExecutablePath)
		}

		link := NewLink(fromWorkerRead, toWorkerWrite, logger)
		link.Start()

		handle := &processHandle{
			cmd:  cmd,
			link: link,
			done: make(chan struct{}),
		}
		go handle.wait()

		logger.Infof("Worker started, id: %d, PID: %d", id, cmd.Process.Pid)
		return handle, nil
	}
}

type processHandle struct {
	cmd     *exec.Cmd
	link    *Link
	done    chan struct{}
	waitErr error
}

func (h *processHandle) wait() {
	h.waitErr = h.cmd.Wait()
	h.link.Close()
	close(h.done)
}

func (h *processHandle) Pid() int { return h.cmd.Process.Pid }

func (h *processHandle) Send(ctx context.Context, env router.Envelope) error {
	return h.link.Send(ctx, env)
}

func (h *processHandle) Inbound() <-chan router.Envelope { return h.link.Inbound() }

func (h *processHandle) Terminate() error { return terminateProcess(h.cmd.Process) }

func (h *processHandle) Kill() error { return killProcess(h.cmd.Process) }

func (h *processHandle) Done() <-chan struct{} { return h.done }

// Err returns the wait error; valid once Done is closed
func (h *processHandle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// WorkerID returns the slot number of this process when it runs as a worker
func WorkerID() (int, bool) {
	value := os.Getenv(WorkerIDEnv)
	if value == "" {
		return 0, false
	}
	id, err := strconv.Atoi(value)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// OpenParentLink connects a worker to its supervisor through the inherited
// descriptors. The link is started.
func OpenParentLink(logger logging.Logger) (*Link, error) {
	in := os.NewFile(workerInFD, "supervisor-in")
	out := os.NewFile(workerOutFD, "supervisor-out")
	if in == nil || out == nil {
		return nil, errors.NewIOError("supervisor pipes are not available", nil)
	}

	link := NewLink(in, out, logger)
	link.Start()
	return link, nil
}

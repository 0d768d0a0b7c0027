package lifecycle

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
	"github.com/pestras/micro/pkg/shared"
)

// Host is the view of the orchestrator given to HostAware units
type Host interface {
	Message(ctx context.Context, name string, data interface{}, target router.Target) error
	Exit(code int, sig os.Signal)
	Shared() *shared.Store
	Status() Status
	Logger() logging.Logger
	WorkerID() int
}

var _ Host = (*Orchestrator)(nil)

// Message sends an envelope to the supervisor for relay. Without a
// supervisor, an envelope targeting all workers is delivered to this
// process and one targeting others is dropped.
func (o *Orchestrator) Message(ctx context.Context, name string, data interface{}, target router.Target) error {
	env, err := router.NewEnvelope(name, data, target)
	if err != nil {
		return err
	}
	env.From = o.options.WorkerID

	if o.options.TransferLog {
		o.logger.Infof("Message sent, message: %s, target: %s", env.Message, env.Target)
	}

	if o.link != nil {
		if err := o.link.Send(ctx, env); err != nil {
			return errors.NewMessageError("failed to send message", err).WithContext("message", name)
		}
		return nil
	}

	if env.Target != router.TargetAll {
		return nil
	}
	if !o.listening.Load() {
		o.logger.Debugf("Message dropped, no listener installed, message: %s", name)
		return nil
	}
	// The run loop may be the caller; queue without blocking it.
	go o.post(event{kind: eventMessage, env: env})
	return nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, env router.Envelope) {
	if o.options.TransferLog {
		o.logger.Infof("Message received, message: %s, target: %s, from: %d", env.Message, env.Target, env.From)
	}

	if err := guard(func() error { o.router.Dispatch(ctx, env); return nil }); err != nil {
		o.unhandled(errors.NewUnhandledError("message handler failed", err).WithContext("message", env.Message))
	}
}

func isExitCommand(chunk string) bool {
	return strings.EqualFold(strings.TrimSpace(chunk), "exit")
}

func (o *Orchestrator) handleStdin(chunk string) {
	if isExitCommand(chunk) {
		o.logger.Infof("Exit requested from stdin")
		o.Exit(0, nil)
		return
	}

	for _, u := range o.units() {
		if u.stdin == nil {
			continue
		}
		stdin := u.stdin
		if err := guard(func() error { stdin(chunk); return nil }); err != nil {
			o.unhandled(errors.NewUnhandledError("stdin handler failed", err).WithContext("unit", u.name))
		}
	}
}

func (o *Orchestrator) handleStdinEnd() {
	o.logger.Debugf("Stdin closed")
	for _, u := range o.units() {
		if u.stdinEnd == nil {
			continue
		}
		stdinEnd := u.stdinEnd
		if err := guard(func() error { stdinEnd(); return nil }); err != nil {
			o.unhandled(errors.NewUnhandledError("stdin end handler failed", err).WithContext("unit", u.name))
		}
	}
}

// readStdin posts one event per input line, then a final end event
func (o *Orchestrator) readStdin(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if !o.post(event{kind: eventStdin, chunk: scanner.Text()}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		o.logger.Warnf("Failed to read stdin: %v", err)
	}
	o.post(event{kind: eventStdinEnd})
}

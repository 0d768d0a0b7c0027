package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
	"github.com/pestras/micro/pkg/shared"
)

const eventBuffer = 64

// TerminationSignals trigger Exit(0, signal)
var TerminationSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

type eventKind int

const (
	eventMessage eventKind = iota
	eventStdin
	eventStdinEnd
)

type event struct {
	kind  eventKind
	env   router.Envelope
	chunk string
}

type exitRequest struct {
	code   int
	signal os.Signal
}

// Orchestrator runs the lifecycle of one worker process: plugins, the main
// service and subservices are initialized in order, then inbound messages,
// stdin lines, signals and exit requests are handled one at a time on the
// goroutine that called Run.
type Orchestrator struct {
	options Options
	logger  logging.Logger

	main        *unit
	plugins     []*unit
	subservices []*unit
	bindings    []binding

	router *router.Router
	shared *shared.Store
	status *statusHolder
	link   Link

	healthStore   health.Sink
	healthOptions []health.AggregatorOption
	aggregator    *health.Aggregator
	stopHealth    context.CancelFunc
	healthDone    chan struct{}

	stdinReader io.Reader
	signals     <-chan os.Signal

	events     chan event
	exits      chan exitRequest
	done       chan struct{}
	listening  atomic.Bool
	forwarding atomic.Bool
}

// New registers the main service and the units given through opts.
// Capabilities of every unit are resolved here, once.
func New(options Options, service interface{}, logger logging.Logger, opts ...Option) (*Orchestrator, error) {
	if service == nil {
		return nil, errors.NewValidationError("service cannot be nil", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	o := &Orchestrator{
		options: options,
		main:    newUnit(service, kindMain),
		shared:  shared.NewStore(),
		status:  newStatusHolder(),
		events:  make(chan event, eventBuffer),
		exits:   make(chan exitRequest, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	prefix := fmt.Sprintf("%s, ", o.main.name)
	if options.WorkerID > 0 {
		prefix = fmt.Sprintf("%s[%d], ", o.main.name, options.WorkerID)
	}
	o.logger = logging.WithHook(logging.NewLogger(prefix, logging.FuncsOf(logger)), o.logHook())
	o.router = router.New(o.logger)

	for _, u := range o.units() {
		if h, ok := u.value.(HostAware); ok {
			h.SetHost(o)
		}
	}

	o.logger.Debugf("Orchestrator created, plugins: %d, subservices: %d, worker: %d",
		len(o.plugins), len(o.subservices), options.WorkerID)
	return o, nil
}

// units returns plugins, the main service and subservices in lifecycle order
func (o *Orchestrator) units() []*unit {
	units := make([]*unit, 0, len(o.plugins)+1+len(o.subservices))
	units = append(units, o.plugins...)
	units = append(units, o.main)
	units = append(units, o.subservices...)
	return units
}

func (o *Orchestrator) healthUnits() []interface{} {
	units := o.units()
	values := make([]interface{}, len(units))
	for i, u := range units {
		values[i] = u.value
	}
	return values
}

// Run starts the units, then processes events until an exit is requested or
// ctx ends. It returns the exit code; terminating the process is left to the caller.
func (o *Orchestrator) Run(ctx context.Context) int {
	defer close(o.done)

	signals := o.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, TerminationSignals...)
		defer signal.Stop(ch)
		signals = ch
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.link != nil {
		go o.receive(o.link.Inbound())
	}

	o.start(runCtx)

	for {
		// A pending exit takes priority over queued events
		select {
		case req := <-o.exits:
			return o.shutdown(req)
		default:
		}

		select {
		case req := <-o.exits:
			return o.shutdown(req)

		case ev := <-o.events:
			o.handle(runCtx, ev)

		case sig := <-signals:
			o.logger.Infof("Received signal: %v", sig)
			o.Exit(0, sig)

		case <-ctx.Done():
			o.logger.Infof("Context done, exiting")
			o.Exit(0, nil)
			return o.shutdown(<-o.exits)
		}
	}
}

func (o *Orchestrator) start(ctx context.Context) {
	o.logger.Infof("Starting, plugins: %d, subservices: %d", len(o.plugins), len(o.subservices))

	for _, p := range o.plugins {
		o.initUnit(ctx, p)
	}
	o.initUnit(ctx, o.main)
	for _, s := range o.subservices {
		o.initUnit(ctx, s)
	}

	o.bindShared()
	o.installListener()

	for _, u := range o.units() {
		o.readyUnit(ctx, u)
	}

	if o.status.advance(StatusLive) {
		o.logger.Infof("Status: %s", StatusLive)
	}

	if o.options.Stdin {
		reader := o.stdinReader
		if reader == nil {
			reader = os.Stdin
		}
		go o.readStdin(reader)
	}

	if o.options.HealthCheck {
		o.startHealth(ctx)
	}
}

func (o *Orchestrator) initUnit(ctx context.Context, u *unit) {
	if u.init == nil {
		return
	}

	o.logger.Debugf("Initializing %s: %s", u.kind, u.name)
	if err := guard(func() error { return u.init(ctx) }); err != nil {
		initErr := errors.NewInitError("unit initialization failed", err).
			WithContext("unit", u.name).
			WithContext("kind", string(u.kind))
		o.logger.Errorf("Failed to initialize %s %s: %v", u.kind, u.name, initErr)
	}
}

func (o *Orchestrator) readyUnit(ctx context.Context, u *unit) {
	if u.ready == nil {
		return
	}
	if err := guard(func() error { u.ready(ctx); return nil }); err != nil {
		o.logger.Errorf("Ready hook of %s %s failed: %v", u.kind, u.name, err)
	}
}

func (o *Orchestrator) bindShared() {
	for _, u := range o.units() {
		for key, fn := range u.shared {
			if o.shared.Put(key, fn) {
				o.logger.Debugf("Shared method replaced, key: %s, owner: %s", key, u.name)
			}
		}
	}
}

// installListener registers message handlers of the main service and the
// subservices. Envelopes are handled from here on when any binding exists.
func (o *Orchestrator) installListener() {
	receivers := append([]*unit{o.main}, o.subservices...)
	for _, u := range receivers {
		if len(u.handlers) == 0 {
			continue
		}
		o.router.AddReceiver(u.name, u.handlers, u.kind == kindMain)
		for method := range u.handlers {
			o.router.Register(method, u.name, method)
		}
	}
	for _, b := range o.bindings {
		o.router.Register(b.message, b.owner, b.method)
	}

	if o.router.Len() == 0 {
		return
	}

	o.listening.Store(true)
	o.logger.Debugf("Message listener installed, bindings: %d", o.router.Len())
}

// receive consumes the link for the whole run so the supervisor is never
// held up by this process. Envelopes arriving while no listener is
// installed are lost.
func (o *Orchestrator) receive(inbound <-chan router.Envelope) {
	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				return
			}
			if !o.listening.Load() {
				o.logger.Debugf("Message dropped, no listener installed, message: %s", env.Message)
				continue
			}
			if !o.post(event{kind: eventMessage, env: env}) {
				return
			}
		case <-o.done:
			return
		}
	}
}

// post queues an event for the run loop; it fails once the loop has ended
func (o *Orchestrator) post(ev event) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventMessage:
		o.handleMessage(ctx, ev.env)
	case eventStdin:
		o.handleStdin(ev.chunk)
	case eventStdinEnd:
		o.handleStdinEnd()
	}
}

func (o *Orchestrator) startHealth(ctx context.Context) {
	store := o.healthStore
	if store == nil {
		store = health.NewFileStore(o.options.HealthDir)
	}

	logger := logging.NewLogger("health, ", logging.FuncsOf(o.logger))
	o.aggregator = health.NewAggregator(o.healthUnits, store, logger, o.healthOptions...)

	healthCtx, cancel := context.WithCancel(ctx)
	o.stopHealth = cancel
	o.healthDone = make(chan struct{})
	go func() {
		defer close(o.healthDone)
		o.aggregator.Run(healthCtx)
	}()
}

// Exit requests shutdown with code. Only the first request counts; it is
// carried out by the run loop after start has finished.
func (o *Orchestrator) Exit(code int, sig os.Signal) {
	select {
	case o.exits <- exitRequest{code: code, signal: sig}:
	default:
		o.logger.Debugf("Exit already requested, ignoring code: %d", code)
	}
}

func (o *Orchestrator) shutdown(req exitRequest) int {
	o.status.advance(StatusExit)
	o.logger.Infof("Status: %s, code: %d, signal: %v", StatusExit, req.code, req.signal)

	if o.stopHealth != nil {
		o.stopHealth()
		<-o.healthDone
	}

	hookErrors := errors.NewErrorCollection()
	for _, u := range o.units() {
		if u.exit == nil {
			continue
		}
		exit := u.exit
		if err := guard(func() error { exit(req.code, req.signal); return nil }); err != nil {
			hookErrors.Add(errors.NewExitHookError("exit hook failed", err).WithContext("unit", u.name))
		}
	}
	if hookErrors.HasErrors() {
		for _, err := range hookErrors.Errors {
			o.logger.Errorf("Exit hook failure: %v", err)
		}
	}

	return req.code
}

// unhandled applies the failure policy for errors escaping event handlers
func (o *Orchestrator) unhandled(err error) {
	o.logger.Errorf("Unhandled failure: %v", err)

	if h, ok := o.main.value.(UnhandledHandler); ok {
		if herr := guard(func() error { h.OnUnhandled(err); return nil }); herr != nil {
			o.logger.Errorf("Unhandled failure handler failed: %v", herr)
		}
		return
	}

	if o.options.ExitOnUnhandled {
		o.Exit(1, syscall.SIGTERM)
	}
}

// logHook forwards log lines to the main service's LogHandler. Lines logged
// while a line is being forwarded are not forwarded again.
func (o *Orchestrator) logHook() logging.HookFunc {
	handler, ok := o.main.value.(LogHandler)
	if !ok {
		return nil
	}

	meta := map[string]interface{}{"service": o.main.name}
	if o.options.WorkerID > 0 {
		meta["worker"] = o.options.WorkerID
	}

	return func(level int, msg string) {
		if !o.forwarding.CompareAndSwap(false, true) {
			return
		}
		defer o.forwarding.Store(false)
		_ = guard(func() error { handler.OnLog(logging.LevelName(level), msg, meta); return nil })
	}
}

func (o *Orchestrator) Status() Status {
	return o.status.get()
}

func (o *Orchestrator) Shared() *shared.Store {
	return o.shared
}

func (o *Orchestrator) Router() *router.Router {
	return o.router
}

func (o *Orchestrator) Logger() logging.Logger {
	return o.logger
}

func (o *Orchestrator) WorkerID() int {
	return o.options.WorkerID
}

// Health returns the aggregator, nil until health checks have started
func (o *Orchestrator) Health() *health.Aggregator {
	return o.aggregator
}

// guard runs fn and converts a panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic(r)
		}
	}()
	return fn()
}

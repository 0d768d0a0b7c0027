package micro

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pestras/micro/pkg/cluster"
	"github.com/pestras/micro/pkg/config"
	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/logging"
)

// Role is the part a process plays in a deployment
type Role string

const (
	RoleSingle     Role = "single"
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
)

// Service groups the units run by every orchestrator of a deployment
type Service struct {
	Main        interface{}
	Plugins     []lifecycle.Plugin
	Subservices []interface{}

	// Options are passed to the orchestrator after the ones built from config
	Options []lifecycle.Option
}

type runOptions struct {
	logger  logging.Logger
	spawn   cluster.SpawnFunc
	signals <-chan os.Signal
}

type RunOption func(*runOptions)

// WithLogger replaces the zap logger built from config
func WithLogger(logger logging.Logger) RunOption {
	return func(o *runOptions) {
		o.logger = logger
	}
}

// WithSpawner replaces re-execution of the current binary in supervisor mode
func WithSpawner(spawn cluster.SpawnFunc) RunOption {
	return func(o *runOptions) {
		o.spawn = spawn
	}
}

// WithSignals replaces OS signal notification in supervisor mode
func WithSignals(signals <-chan os.Signal) RunOption {
	return func(o *runOptions) {
		o.signals = signals
	}
}

// ResolveRole decides the role of this process from the environment and
// the configured worker count
func ResolveRole(cfg *config.Config) (Role, int) {
	if id, ok := cluster.WorkerID(); ok {
		return RoleWorker, id
	}
	if cfg.Workers != 0 {
		return RoleSupervisor, 0
	}
	return RoleSingle, 0
}

// Run validates cfg and runs this process in its role until it exits.
// It returns the process exit code.
func Run(ctx context.Context, cfg *config.Config, service Service, opts ...RunOption) int {
	options := runOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger
	if logger == nil {
		zapLogger, err := logging.NewZapLogger(cfg.ZapConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			return 1
		}
		defer zapLogger.Sync()
		logger = zapLogger
	}

	if err := config.Validate(cfg); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		return 1
	}

	role, workerID := ResolveRole(cfg)
	logger.Infof("Starting %s, role: %s, worker: %d", cfg.Service, role, workerID)

	switch role {
	case RoleSupervisor:
		return runSupervisor(ctx, cfg, options, logger)
	case RoleWorker:
		return runWorker(ctx, cfg, service, workerID, logger)
	default:
		return runSingle(ctx, cfg, service, logger)
	}
}

// Main runs the process and exits with its code
func Main(cfg *config.Config, service Service, opts ...RunOption) {
	os.Exit(Run(context.Background(), cfg, service, opts...))
}

func runSingle(ctx context.Context, cfg *config.Config, service Service, logger logging.Logger) int {
	var extra []lifecycle.Option
	if cfg.GRPCHealthAddress != "" {
		endpoint, err := startGRPCHealth(cfg.GRPCHealthAddress, logger)
		if err != nil {
			logger.Errorf("Failed to start gRPC health endpoint: %v", err)
			return 1
		}
		defer endpoint.Stop()
		extra = append(extra, lifecycle.WithHealthMirror(endpoint.sink))
	}
	return runOrchestrator(ctx, cfg.LifecycleOptions(0), service, logger, extra...)
}

func runWorker(ctx context.Context, cfg *config.Config, service Service, workerID int, logger logging.Logger) int {
	link, err := cluster.OpenParentLink(logging.NewLogger("link, ", logging.FuncsOf(logger)))
	if err != nil {
		logger.Errorf("Failed to connect to supervisor: %v", err)
		return 1
	}
	defer link.Close()

	return runOrchestrator(ctx, cfg.LifecycleOptions(workerID), service, logger, lifecycle.WithLink(link))
}

func runOrchestrator(ctx context.Context, options lifecycle.Options, service Service, logger logging.Logger, extra ...lifecycle.Option) int {
	opts := []lifecycle.Option{
		lifecycle.WithPlugins(service.Plugins...),
		lifecycle.WithSubservices(service.Subservices...),
	}
	opts = append(opts, extra...)
	opts = append(opts, service.Options...)

	orchestrator, err := lifecycle.New(options, service.Main, logger, opts...)
	if err != nil {
		logger.Errorf("Failed to create orchestrator: %v", err)
		return 1
	}
	return orchestrator.Run(ctx)
}

func runSupervisor(ctx context.Context, cfg *config.Config, options runOptions, logger logging.Logger) int {
	supervisorLogger := logging.NewLogger("supervisor, ", logging.FuncsOf(logger))

	spawn := options.spawn
	if spawn == nil {
		execution, err := cluster.SelfExecConfig()
		if err != nil {
			logger.Errorf("Failed to resolve worker executable: %v", err)
			return 1
		}
		spawn = cluster.NewExecSpawner(execution, supervisorLogger)
	}

	supervisor, err := cluster.NewSupervisor(cfg.SupervisorOptions(), spawn, supervisorLogger)
	if err != nil {
		logger.Errorf("Failed to create supervisor: %v", err)
		return 1
	}

	signals := options.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, lifecycle.TerminationSignals...)
		defer signal.Stop(ch)
		signals = ch
	}

	if err := supervisor.Start(ctx, cluster.ResolveWorkerCount(cfg.Workers)); err != nil {
		logger.Errorf("Failed to start supervisor: %v", err)
		return 1
	}

	select {
	case sig := <-signals:
		logger.Infof("Received signal: %v", sig)
	case <-ctx.Done():
		logger.Infof("Context done, stopping workers")
	}

	if err := supervisor.Stop(context.Background()); err != nil {
		logger.Errorf("Supervisor stopped with errors: %v", err)
		return 1
	}
	if supervisor.Degraded() {
		logger.Warnf("Supervisor stopped while degraded: %v",
			errors.NewRespawnExhaustedError("one or more worker slots were not respawned", nil))
	}
	return 0
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/logging"
)

type flagOptions struct {
	Dir     string        `long:"dir" env:"HEALTH_CHECK_DIR" description:"directory holding the health-state file"`
	Wait    time.Duration `long:"wait" description:"wait up to this long for the field to pass"`
	Verbose bool          `short:"v" long:"verbose" description:"report why the check failed"`

	Args struct {
		Field string `positional-arg-name:"field" description:"healthy, ready or live"`
	} `positional-args:"yes"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	probe := health.NewProbe(opts.Dir)

	if opts.Wait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), opts.Wait)
		err = probe.Wait(ctx, opts.Args.Field)
		cancel()
	} else {
		err = probe.Check(opts.Args.Field)
	}

	if err != nil && opts.Verbose {
		config := logging.DefaultZapConfig()
		config.Format = "console"
		config.Output = "stderr"
		if logger, lerr := logging.NewZapLogger(config); lerr == nil {
			logger.Errorf("Health check failed, path: %s, error: %v", probe.Path(), err)
			_ = logger.Sync()
		}
	}

	os.Exit(health.ExitCode(err))
}

package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/pestras/micro/pkg/config"
	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/micro"
)

type flagOptions struct {
	Config  string `long:"config" description:"path to the YAML configuration file"`
	EnvFile string `long:"env-file" description:"path to a .env file loaded before configuration"`
	Workers *int   `long:"workers" description:"number of worker processes, -1 for one per CPU"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	counter := newCounterService()
	micro.Main(cfg, micro.Service{
		Main:        counter,
		Plugins:     []lifecycle.Plugin{&clockPlugin{}},
		Subservices: []interface{}{newAuditSubservice()},
	})
}

// loadConfig layers the env file, the YAML file, the environment and then
// command line flags, the last one winning
func loadConfig(opts flagOptions) (*config.Config, error) {
	if opts.EnvFile != "" {
		if err := config.LoadEnvFile(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	if opts.Workers != nil {
		cfg.Workers = *opts.Workers
	}
	return cfg, nil
}

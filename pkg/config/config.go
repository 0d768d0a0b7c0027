package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pestras/micro/pkg/cluster"
	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/logging"
)

// Environment overrides applied by ApplyEnv
const (
	EnvWorkers  = "MICRO_WORKERS"
	EnvLogLevel = "MICRO_LOG_LEVEL"
)

// Config represents the service configuration file structure
type Config struct {
	Service string `yaml:"service"`

	// Workers is the cluster size: 0 runs a single process, <0 one per CPU
	Workers int  `yaml:"workers"`
	Stdin   bool `yaml:"stdin"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"` // "json", "console"

	HealthCheck       bool   `yaml:"health_check"`
	HealthCheckDir    string `yaml:"health_check_dir,omitempty"`
	GRPCHealthAddress string `yaml:"grpc_health_address,omitempty"`

	TransferLog     bool `yaml:"transfer_log"`
	ExitOnUnhandled bool `yaml:"exit_on_unhandled"`

	Respawn         cluster.RespawnConfig `yaml:"respawn"`
	ShutdownTimeout time.Duration         `yaml:"shutdown_timeout,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Service:         "micro",
		LogLevel:        "info",
		LogFormat:       "json",
		HealthCheck:     true,
		ExitOnUnhandled: true,
		Respawn:         cluster.DefaultRespawnConfig(),
		ShutdownTimeout: cluster.DefaultShutdownTimeout,
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setDefaults(config)
	return config, nil
}

// LoadEnvFile loads variables from a .env file without overriding ones
// already present in the environment
func LoadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return errors.NewIOError("failed to load env file", err).WithContext("filename", filename)
	}
	return nil
}

// ApplyEnv overlays environment variables onto config
func (c *Config) ApplyEnv() error {
	if dir := os.Getenv(health.DirEnv); dir != "" {
		c.HealthCheckDir = dir
	}

	if value := os.Getenv(EnvWorkers); value != "" {
		workers, err := strconv.Atoi(value)
		if err != nil {
			return errors.NewValidationError("invalid worker count in environment", err).
				WithContext("variable", EnvWorkers).
				WithContext("value", value)
		}
		c.Workers = workers
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
	return nil
}

// Validate validates the entire configuration structure
func Validate(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Service == "" {
		return errors.NewValidationError("service name is required", nil)
	}

	if config.LogLevel != "" {
		if _, err := logging.ParseLevel(config.LogLevel); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid log level: %s", config.LogLevel),
				nil,
			).WithContext("valid_levels", "debug, info, warn, error")
		}
	}

	switch config.LogFormat {
	case "", "json", "console":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.LogFormat),
			nil,
		).WithContext("valid_formats", "json, console")
	}

	if config.ShutdownTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("shutdown timeout cannot be negative: %v", config.ShutdownTimeout),
			nil,
		)
	}

	if err := cluster.ValidateRespawnConfig(config.Respawn); err != nil {
		return errors.NewValidationError("invalid respawn configuration", err)
	}

	return nil
}

// LifecycleOptions maps the configuration onto orchestrator options
func (c *Config) LifecycleOptions(workerID int) lifecycle.Options {
	return lifecycle.Options{
		WorkerID:        workerID,
		Stdin:           c.Stdin,
		HealthCheck:     c.HealthCheck,
		HealthDir:       c.HealthCheckDir,
		TransferLog:     c.TransferLog,
		ExitOnUnhandled: c.ExitOnUnhandled,
	}
}

// SupervisorOptions maps the configuration onto cluster supervisor options
func (c *Config) SupervisorOptions() cluster.SupervisorOptions {
	return cluster.SupervisorOptions{
		Respawn:         c.Respawn,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// ZapConfig maps the logging fields onto a zap backend configuration
func (c *Config) ZapConfig() logging.ZapConfig {
	zapConfig := logging.DefaultZapConfig()
	if c.LogLevel != "" {
		zapConfig.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		zapConfig.Format = c.LogFormat
	}
	return zapConfig
}

func setDefaults(config *Config) {
	if config.Service == "" {
		config.Service = "micro"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = cluster.DefaultShutdownTimeout
	}
}

package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
)

// RespawnConfig bounds how crashed workers are replaced
type RespawnConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"` // Exponential backoff multiplier

	// StableAfter is the uptime after which a worker's crash counter resets
	StableAfter time.Duration `yaml:"stable_after"`
}

func DefaultRespawnConfig() RespawnConfig {
	return RespawnConfig{
		MaxRetries:  5,
		RetryDelay:  time.Second,
		BackoffRate: 2.0,
		StableAfter: 30 * time.Second,
	}
}

// ValidateRespawnConfig validates respawn configuration values
func ValidateRespawnConfig(config RespawnConfig) error {
	if config.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", config.MaxRetries)
	}
	if config.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative: %v", config.RetryDelay)
	}
	if config.BackoffRate <= 0 {
		return fmt.Errorf("backoff_rate must be positive: %f", config.BackoffRate)
	}
	if config.StableAfter < 0 {
		return fmt.Errorf("stable_after cannot be negative: %v", config.StableAfter)
	}
	return nil
}

// BreakerState provides insight into a worker slot's respawn breaker
type BreakerState struct {
	IsOpen      bool      `json:"is_open"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// respawnBreaker counts consecutive crashes of one worker slot and opens
// once MaxRetries respawns did not produce a stable worker. MaxRetries 0
// means unbounded.
type respawnBreaker struct {
	config RespawnConfig
	id     int
	logger logging.Logger

	attempts    int
	lastAttempt time.Time
	open        bool
	mutex       sync.Mutex
}

func newRespawnBreaker(config RespawnConfig, id int, logger logging.Logger) *respawnBreaker {
	return &respawnBreaker{
		config: config,
		id:     id,
		logger: logger,
	}
}

// Next records a crash after uptime and returns the delay before the next
// respawn. It fails once the breaker is open.
func (b *respawnBreaker) Next(uptime time.Duration) (time.Duration, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.open {
		return 0, errors.NewRespawnExhaustedError("respawn breaker is open", nil).WithContext("worker", b.id)
	}

	if b.config.StableAfter > 0 && uptime >= b.config.StableAfter && b.attempts > 0 {
		b.logger.Infof("Worker was stable for %v, resetting respawn attempts, worker: %d, previous attempts: %d",
			uptime, b.id, b.attempts)
		b.attempts = 0
	}

	if b.config.MaxRetries > 0 && b.attempts >= b.config.MaxRetries {
		b.logger.Errorf("Max respawn retries exceeded, opening breaker, worker: %d, attempts: %d",
			b.id, b.attempts)
		b.open = true
		return 0, errors.NewRespawnExhaustedError("max respawn retries exceeded", nil).
			WithContext("worker", b.id).
			WithContext("attempts", b.attempts)
	}

	delay := b.config.RetryDelay
	for i := 0; i < b.attempts; i++ {
		delay = time.Duration(float64(delay) * b.config.BackoffRate)
	}

	b.attempts++
	b.lastAttempt = time.Now()

	b.logger.Warnf("Scheduling respawn, worker: %d, attempt: %d/%d, delay: %v",
		b.id, b.attempts, b.config.MaxRetries, delay)
	return delay, nil
}

func (b *respawnBreaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.attempts > 0 || b.open {
		b.logger.Infof("Resetting respawn breaker, worker: %d, previous attempts: %d", b.id, b.attempts)
		b.attempts = 0
		b.open = false
		b.lastAttempt = time.Time{}
	}
}

func (b *respawnBreaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return BreakerState{
		IsOpen:      b.open,
		Attempts:    b.attempts,
		LastAttempt: b.lastAttempt,
	}
}

package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/openjobspec/captcha-relay/internal/relay"
	"github.com/openjobspec/captcha-relay/internal/scheduler"
	"github.com/openjobspec/captcha-relay/internal/solver"
	"github.com/openjobspec/captcha-relay/internal/worker"
)

// Config holds relay configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string
	NatsURL  string

	PollInterval time.Duration
	ClaimBatch   int
	QueueSize    int
	Workers      int

	SolveAttempts     int
	MaxFaults         int
	PollInitialDelay  time.Duration
	PollRetryInterval time.Duration
	MaxPollDuration   time.Duration
	RetryDelay        time.Duration

	Retention  time.Duration
	GCInterval time.Duration
	GCSchedule string

	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration
	BackendRPS     float64

	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
// A .env file in the working directory is loaded first when present.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Config{
		Port:     getEnv("RELAY_PORT", "8080"),
		GRPCPort: getEnv("RELAY_GRPC_PORT", "9090"),
		NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),

		PollInterval: getEnvDuration("RELAY_POLL_INTERVAL", 3*time.Second),
		ClaimBatch:   getEnvInt("RELAY_CLAIM_BATCH", 50),
		QueueSize:    getEnvInt("RELAY_QUEUE_SIZE", 100),
		Workers:      getEnvInt("RELAY_WORKERS", 3),

		SolveAttempts:     getEnvInt("RELAY_SOLVE_ATTEMPTS", 3),
		MaxFaults:         getEnvInt("RELAY_MAX_FAULTS", 5),
		PollInitialDelay:  getEnvDuration("RELAY_POLL_INITIAL_DELAY", 5*time.Second),
		PollRetryInterval: getEnvDuration("RELAY_POLL_RETRY_INTERVAL", 5*time.Second),
		MaxPollDuration:   getEnvDuration("RELAY_MAX_POLL_DURATION", 5*time.Minute),
		RetryDelay:        getEnvDuration("RELAY_RETRY_DELAY", 10*time.Second),

		Retention:  getEnvDuration("RELAY_RETENTION", 60*time.Minute),
		GCInterval: getEnvDuration("RELAY_GC_INTERVAL", 10*time.Minute),
		GCSchedule: getEnv("RELAY_GC_SCHEDULE", ""),

		BackendURL:     getEnv("RELAY_BACKEND_URL", "http://2captcha.com"),
		BackendAPIKey:  getEnv("RELAY_BACKEND_API_KEY", ""),
		BackendTimeout: getEnvDuration("RELAY_BACKEND_TIMEOUT", 180*time.Second),
		BackendRPS:     getEnvFloat("RELAY_BACKEND_RPS", 0),

		DrainTimeout:    getEnvDuration("RELAY_DRAIN_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	positive := map[string]int{
		"RELAY_CLAIM_BATCH":    c.ClaimBatch,
		"RELAY_QUEUE_SIZE":     c.QueueSize,
		"RELAY_WORKERS":        c.Workers,
		"RELAY_SOLVE_ATTEMPTS": c.SolveAttempts,
		"RELAY_MAX_FAULTS":     c.MaxFaults,
	}
	for _, key := range []string{"RELAY_CLAIM_BATCH", "RELAY_QUEUE_SIZE", "RELAY_WORKERS", "RELAY_SOLVE_ATTEMPTS", "RELAY_MAX_FAULTS"} {
		if positive[key] < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", key, positive[key]))
		}
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.Retention <= c.PollInterval {
		errs = append(errs, fmt.Errorf("RELAY_RETENTION (%s) must exceed RELAY_POLL_INTERVAL (%s)", c.Retention, c.PollInterval))
	}
	if c.GCInterval < 0 || c.MaxPollDuration < 0 || c.RetryDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.BackendRPS < 0 {
		errs = append(errs, fmt.Errorf("RELAY_BACKEND_RPS must not be negative, got %g", c.BackendRPS))
	}
	return errors.Join(errs...)
}

// RelayConfig derives the relay wiring from c.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		Dispatcher:   c.DispatcherConfig(),
		Worker:       c.WorkerConfig(),
		QueueSize:    c.QueueSize,
		Workers:      c.Workers,
		Retention:    c.Retention,
		GCSchedule:   c.GCSchedule,
		DrainTimeout: c.DrainTimeout,
	}
}

// DispatcherConfig converts the GC interval into a cycle count. A zero
// interval disables cycle-driven sweeps.
func (c Config) DispatcherConfig() scheduler.DispatcherConfig {
	gcEvery := 0
	if c.GCInterval > 0 {
		gcEvery = max(1, int(c.GCInterval/c.PollInterval))
	}
	return scheduler.DispatcherConfig{
		PollInterval: c.PollInterval,
		BatchSize:    c.ClaimBatch,
		GCEvery:      gcEvery,
	}
}

func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		MaxAttempts:       c.SolveAttempts,
		MaxFaults:         c.MaxFaults,
		InitialPollDelay:  c.PollInitialDelay,
		PollRetryInterval: c.PollRetryInterval,
		MaxPollDuration:   c.MaxPollDuration,
		RetryDelay:        c.RetryDelay,
	}
}

func (c Config) SolverConfig() solver.Config {
	return solver.Config{
		BaseURL: c.BackendURL,
		APIKey:  c.BackendAPIKey,
		Timeout: c.BackendTimeout,
		RPS:     c.BackendRPS,
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings and bare integers as seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

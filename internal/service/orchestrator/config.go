package orchestrator

import (
	"errors"
	"time"

	"github.com/animus-labs/scenario-engine/internal/platform/env"
)

// Config is passed to New. Nothing in the orchestrator reads ambient state.
type Config struct {
	// MaxAttempts applies to steps that do not set their own limit.
	MaxAttempts int
	// StepTimeout bounds one executor call. The advance lease outlives it by
	// LeaseGrace.
	StepTimeout time.Duration
	LeaseGrace  time.Duration

	BackoffKind    string
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	FailRunOnRejection bool
	ApprovalsEnabled   bool
	SimulationEnabled  bool
	// JournalStepStarts adds a step_started entry before every attempt.
	JournalStepStarts bool

	// RunToCompletion sleeps through not-before deadlines up to this long.
	MaxInlineWait   time.Duration
	DefaultMaxSteps int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		StepTimeout:        2 * time.Minute,
		LeaseGrace:         30 * time.Second,
		BackoffKind:        "exponential",
		BackoffInitial:     2 * time.Second,
		BackoffMax:         time.Minute,
		FailRunOnRejection: true,
		ApprovalsEnabled:   true,
		SimulationEnabled:  true,
		JournalStepStarts:  false,
		MaxInlineWait:      5 * time.Second,
		DefaultMaxSteps:    100,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.MaxAttempts, err = env.Int("ORCHESTRATOR_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.StepTimeout, err = env.Duration("ORCHESTRATOR_STEP_TIMEOUT", cfg.StepTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LeaseGrace, err = env.Duration("ORCHESTRATOR_LEASE_GRACE", cfg.LeaseGrace); err != nil {
		return Config{}, err
	}
	cfg.BackoffKind = env.String("ORCHESTRATOR_BACKOFF", cfg.BackoffKind)
	if cfg.BackoffInitial, err = env.Duration("ORCHESTRATOR_BACKOFF_INITIAL", cfg.BackoffInitial); err != nil {
		return Config{}, err
	}
	if cfg.BackoffMax, err = env.Duration("ORCHESTRATOR_BACKOFF_MAX", cfg.BackoffMax); err != nil {
		return Config{}, err
	}
	if cfg.FailRunOnRejection, err = env.Bool("ORCHESTRATOR_FAIL_RUN_ON_REJECTION", cfg.FailRunOnRejection); err != nil {
		return Config{}, err
	}
	if cfg.ApprovalsEnabled, err = env.Bool("ORCHESTRATOR_APPROVALS_ENABLED", cfg.ApprovalsEnabled); err != nil {
		return Config{}, err
	}
	if cfg.SimulationEnabled, err = env.Bool("ORCHESTRATOR_SIMULATION_ENABLED", cfg.SimulationEnabled); err != nil {
		return Config{}, err
	}
	if cfg.JournalStepStarts, err = env.Bool("ORCHESTRATOR_JOURNAL_STEP_STARTS", cfg.JournalStepStarts); err != nil {
		return Config{}, err
	}
	if cfg.MaxInlineWait, err = env.Duration("ORCHESTRATOR_MAX_INLINE_WAIT", cfg.MaxInlineWait); err != nil {
		return Config{}, err
	}
	if cfg.DefaultMaxSteps, err = env.Int("ORCHESTRATOR_DEFAULT_MAX_STEPS", cfg.DefaultMaxSteps); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if c.StepTimeout <= 0 {
		return errors.New("step timeout must be positive")
	}
	if c.LeaseGrace < 0 {
		return errors.New("lease grace must be >= 0")
	}
	if c.BackoffInitial < 0 || c.BackoffMax < 0 {
		return errors.New("backoff durations must be >= 0")
	}
	if c.MaxInlineWait < 0 {
		return errors.New("max inline wait must be >= 0")
	}
	if c.DefaultMaxSteps < 1 {
		return errors.New("default max steps must be >= 1")
	}
	return nil
}

func (c Config) leaseDuration() time.Duration {
	return c.StepTimeout + c.LeaseGrace
}

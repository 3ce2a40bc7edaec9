// Package backoff computes how long a failed fragment waits before it may
// be claimed again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Strategy names accepted by New.
const (
	NameConstant    = "constant"
	NameLinear      = "linear"
	NameExponential = "exponential"
	NameJitter      = "jitter"
)

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows by Initial per attempt: min(Initial*attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential multiplies the delay each attempt:
// min(Initial * Multiplier^(attempt-1), Max). A Multiplier below 1 means 2.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewExponential creates an exponential strategy that doubles each attempt.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Multiplier: 2}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exponential(e.Initial, e.Max, e.Multiplier, attempt)
}

// ExponentialWithJitter draws a delay uniformly from [0, exponential delay].
// It spreads out retries of fragments that failed together.
type ExponentialWithJitter struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewExponentialWithJitter creates a full-jitter exponential strategy.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay, Multiplier: 2}
}

// Delay returns a random duration in [0, min(Initial * Multiplier^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponential(e.Initial, e.Max, e.Multiplier, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

func exponential(initial, maxDelay time.Duration, mult float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if mult < 1 {
		mult = 2
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d >= math.MaxInt64 {
		return capped(time.Duration(math.MaxInt64), maxDelay)
	}
	return capped(time.Duration(d), maxDelay)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Config selects and parameterizes a strategy.
type Config struct {
	// Strategy is one of constant, linear, exponential, jitter.
	Strategy   string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultConfig returns the default retry policy: jittered exponential
// from 1s up to 1m.
func DefaultConfig() Config {
	return Config{
		Strategy:   NameJitter,
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// New builds the strategy cfg names. An empty name selects the default.
func New(cfg Config) (Strategy, error) {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}

	switch strings.ToLower(cfg.Strategy) {
	case NameConstant:
		return NewConstant(cfg.Initial), nil
	case NameLinear:
		return NewLinear(cfg.Initial, cfg.Max), nil
	case NameExponential:
		return &Exponential{Initial: cfg.Initial, Max: cfg.Max, Multiplier: cfg.Multiplier}, nil
	case NameJitter, "":
		return &ExponentialWithJitter{Initial: cfg.Initial, Max: cfg.Max, Multiplier: cfg.Multiplier}, nil
	default:
		return nil, fmt.Errorf("backoff: unknown strategy %q", cfg.Strategy)
	}
}

// DefaultStrategy returns the strategy built from DefaultConfig.
func DefaultStrategy() Strategy {
	s, _ := New(DefaultConfig())
	return s
}

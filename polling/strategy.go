package polling

import (
	"fmt"
	"math"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// Strategy selects how the next poll interval is computed.
type Strategy string

const (
	// StrategyFixed always polls at BaseInterval.
	StrategyFixed Strategy = "fixed"
	// StrategyAdaptive picks the interval from the per-status table.
	StrategyAdaptive Strategy = "adaptive"
	// StrategySmart scales the adaptive interval by activity age and,
	// optionally, by observed poll metrics.
	StrategySmart Strategy = "smart"
	// StrategyHybrid takes the maximum of adaptive and smart, never
	// polling more aggressively than either.
	StrategyHybrid Strategy = "hybrid"
)

// Config tunes the polling engine.
type Config struct {
	Strategy     Strategy
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration

	// BackoffFactor drives the error backoff curve.
	BackoffFactor float64

	// ActivityWindow bounds how long a RecordActivity hint stays
	// relevant for age-factor computation.
	ActivityWindow time.Duration

	// MaxConsecutiveErrors stops a session once this many probe
	// failures occur in a row.
	MaxConsecutiveErrors int

	// BatteryOptimization doubles the adaptive interval once the last
	// observed activity is terminal.
	BatteryOptimization bool

	// AdaptiveThrottling lets the smart strategy react to poll metrics.
	AdaptiveThrottling bool

	// StatusIntervals maps execution statuses to adaptive intervals.
	// Statuses absent from the map use DefaultStatusInterval.
	StatusIntervals       map[core.ExecutionStatus]time.Duration
	DefaultStatusInterval time.Duration
}

// DefaultConfig provides sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Strategy:             StrategySmart,
		BaseInterval:         5 * time.Second,
		MinInterval:          time.Second,
		MaxInterval:          60 * time.Second,
		BackoffFactor:        1.5,
		ActivityWindow:       5 * time.Minute,
		MaxConsecutiveErrors: 5,
		BatteryOptimization:  false,
		AdaptiveThrottling:   true,
		StatusIntervals: map[core.ExecutionStatus]time.Duration{
			core.StatusRunning: 2 * time.Second,
			core.StatusWaiting: 10 * time.Second,
			core.StatusNew:     3 * time.Second,
		},
		DefaultStatusInterval: 30 * time.Second,
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyFixed, StrategyAdaptive, StrategySmart, StrategyHybrid:
	default:
		return fmt.Errorf("unknown polling strategy %q", c.Strategy)
	}
	if c.MinInterval <= 0 || c.MaxInterval < c.MinInterval {
		return fmt.Errorf("invalid interval bounds [%v, %v]", c.MinInterval, c.MaxInterval)
	}
	if c.BaseInterval <= 0 {
		return fmt.Errorf("base interval must be positive, got %v", c.BaseInterval)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %v", c.BackoffFactor)
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max consecutive errors must be >= 1, got %d", c.MaxConsecutiveErrors)
	}
	return nil
}

func (c *Config) clamp(d time.Duration) time.Duration {
	if d < c.MinInterval {
		return c.MinInterval
	}
	if d > c.MaxInterval {
		return c.MaxInterval
	}
	return d
}

// adaptiveInterval picks the per-status interval, clamped to the
// configured bounds. Battery optimization doubles it once the last
// activity is terminal.
func (c *Config) adaptiveInterval(status core.ExecutionStatus) time.Duration {
	d, ok := c.StatusIntervals[status]
	if !ok {
		d = c.DefaultStatusInterval
	}
	d = c.clamp(d)
	if c.BatteryOptimization && status.IsTerminal() {
		d = c.clamp(d * 2)
	}
	return d
}

// ageFactor scales the interval by how stale the last activity is.
func ageFactor(age time.Duration) float64 {
	switch {
	case age < 5*time.Minute:
		return 1.0
	case age < 15*time.Minute:
		return 1.5
	case age < 30*time.Minute:
		return 2.0
	case age < 60*time.Minute:
		return 3.0
	default:
		return 4.0
	}
}

// smartInterval starts from adaptive, scales by activity age, and then
// applies metrics-based throttling when enabled.
func (c *Config) smartInterval(status core.ExecutionStatus, age time.Duration, successRate, errorRate float64, polls int64) time.Duration {
	d := float64(c.adaptiveInterval(status)) * ageFactor(age)
	if c.AdaptiveThrottling {
		if successRate > 0.8 && polls > 10 {
			d *= 0.8
		}
		if errorRate > 0.3 && polls > 5 {
			d *= 1.5
		}
	}
	return c.clamp(time.Duration(d))
}

// nextInterval computes the interval before the next probe.
func (c *Config) nextInterval(status core.ExecutionStatus, age time.Duration, successRate, errorRate float64, polls int64) time.Duration {
	switch c.Strategy {
	case StrategyFixed:
		return c.BaseInterval
	case StrategyAdaptive:
		return c.adaptiveInterval(status)
	case StrategySmart:
		return c.smartInterval(status, age, successRate, errorRate, polls)
	case StrategyHybrid:
		adaptive := c.adaptiveInterval(status)
		smart := c.smartInterval(status, age, successRate, errorRate, polls)
		if adaptive > smart {
			return adaptive
		}
		return smart
	default:
		return c.BaseInterval
	}
}

// errorBackoff computes the interval after c consecutive failures.
func (c *Config) errorBackoff(consecutive int) time.Duration {
	d := float64(c.BaseInterval) * math.Pow(c.BackoffFactor, float64(consecutive))
	return c.clamp(time.Duration(d))
}

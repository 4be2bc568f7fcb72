package holepunch

import (
	"fmt"
	"math"
	"time"
)

// Backoff selects how the wait between probes grows.
type Backoff int

const (
	// BackoffConstant waits RetryInterval between every probe.
	BackoffConstant Backoff = iota
	// BackoffExponential doubles the wait after each probe, up to MaxInterval.
	BackoffExponential
)

func (b Backoff) String() string {
	switch b {
	case BackoffConstant:
		return "constant"
	case BackoffExponential:
		return "exponential"
	default:
		return fmt.Sprintf("Backoff(%d)", int(b))
	}
}

// ParseBackoff accepts "constant" or "exponential". Empty means constant.
func ParseBackoff(s string) (Backoff, error) {
	switch s {
	case "", "constant":
		return BackoffConstant, nil
	case "exponential":
		return BackoffExponential, nil
	default:
		return 0, fmt.Errorf("unknown backoff %q", s)
	}
}

// Config controls the probe schedule of a punch session.
type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int
	Backoff       Backoff
	MaxInterval   time.Duration

	// InboxSize is how many data datagrams may wait for Recv before new
	// ones are dropped.
	InboxSize int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 500 * time.Millisecond,
		MaxAttempts:   10,
		Backoff:       BackoffConstant,
		MaxInterval:   4 * time.Second,
		InboxSize:     64,
	}
}

// Validate rejects schedules that could never terminate or never send.
func (c Config) Validate() error {
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %v", c.RetryInterval)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Backoff != BackoffConstant && c.Backoff != BackoffExponential {
		return fmt.Errorf("unknown backoff %v", c.Backoff)
	}
	if c.Backoff == BackoffExponential && c.MaxInterval < c.RetryInterval {
		return fmt.Errorf("exponential backoff needs a max interval of at least %v, got %v", c.RetryInterval, c.MaxInterval)
	}
	return nil
}

// interval is the wait after the n-th probe (1-based).
func (c Config) interval(n int) time.Duration {
	if c.Backoff != BackoffExponential || n <= 1 {
		return c.RetryInterval
	}

	d := c.RetryInterval
	for i := 1; i < n; i++ {
		if d > math.MaxInt64/2 {
			return d
		}
		d *= 2
		if c.MaxInterval > 0 && d >= c.MaxInterval {
			return c.MaxInterval
		}
	}
	return d
}

// Ceiling is the longest a punch can take before giving up.
func (c Config) Ceiling() time.Duration {
	var total time.Duration
	for n := 1; n <= c.MaxAttempts; n++ {
		total += c.interval(n)
	}
	return total
}

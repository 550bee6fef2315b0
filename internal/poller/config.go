// Package poller periodically compiles the status snapshot and publishes
// what changed since the previous one.
package poller

import (
	"time"

	"github.com/fentz26/lexgate/internal/config"
	"github.com/fentz26/lexgate/internal/snapshot"
)

// Config defines the poller configuration.
type Config struct {
	// Interval is the time between two snapshot cycles.
	Interval time.Duration
	// MaxAttempts bounds the reads of one source within a cycle.
	MaxAttempts int
	// BaseBackoff is the wait after the first failed read; it doubles per retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the wait between reads.
	MaxBackoff time.Duration
	// MaxFailedCycles is how many consecutive cycles a source may stay
	// stale before the poller gives up.
	MaxFailedCycles int
	// Policy holds the snapshot thresholds.
	Policy snapshot.Policy
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		MaxAttempts:     3,
		BaseBackoff:     200 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		MaxFailedCycles: 3,
		Policy:          snapshot.DefaultPolicy(),
	}
}

// FromConfig builds the poller configuration from the daemon config.
func FromConfig(c *config.Config) Config {
	return Config{
		Interval:        c.Poll.Interval.Duration(),
		MaxAttempts:     c.Poll.MaxAttempts,
		BaseBackoff:     c.Poll.BaseBackoff.Duration(),
		MaxBackoff:      c.Poll.MaxBackoff.Duration(),
		MaxFailedCycles: c.Poll.MaxFailedCycles,
		Policy: snapshot.Policy{
			AliveWithin:     c.Policy.AliveWithin.Duration(),
			DegradedWithin:  c.Policy.DegradedWithin.Duration(),
			StaleAfter:      c.Policy.StaleAfter.Duration(),
			StallAfter:      c.Policy.StallAfter.Duration(),
			StuckAfter:      c.Policy.StuckAfter.Duration(),
			ConversionFloor: c.Risk.ConversionFloor,
			OverrideCeiling: c.Risk.OverrideCeiling,
		},
	}
}

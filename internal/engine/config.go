package engine

import (
	"math"
	"math/bits"
	"time"
)

// Time ratio bounds. The ratio is simulated seconds per real second and
// is always a power of two.
const (
	MinTimeRatio uint64 = 1
	MaxTimeRatio uint64 = 8192
)

// Config holds the scheduler settings for one session. Only the time
// ratio may change after construction (via MasterClock.SetTimeRatio).
type Config struct {
	TimeRatio      uint64        // target simulated/real ratio, power of two
	MinPulseWidth  float64       // millisols
	MaxPulseWidth  float64       // millisols
	PulseBudget    time.Duration // wall-clock budget per pulse
	AccuracyBias   float64       // 0 = throughput, 1 = resolution
	StallThreshold time.Duration // real gap treated as a host stall
	Workers        int           // dispatch pool size
	RateWindow     int           // dispatch timestamps kept for pulses/sec
}

// DefaultConfig returns the settings used when no config file overrides
// them.
func DefaultConfig() Config {
	return Config{
		TimeRatio:      256,
		MinPulseWidth:  0.01,
		MaxPulseWidth:  10,
		PulseBudget:    300 * time.Millisecond,
		AccuracyBias:   0.5,
		StallThreshold: 30 * time.Second,
		Workers:        4,
		RateWindow:     20,
	}
}

// Validate checks the configuration. Every failure wraps ErrConfig.
func (c Config) Validate() error {
	if !ValidTimeRatio(c.TimeRatio) {
		return wrapConfigf("time ratio %d must be a power of two in [%d, %d]", c.TimeRatio, MinTimeRatio, MaxTimeRatio)
	}
	if !finite(c.MinPulseWidth) || !finite(c.MaxPulseWidth) {
		return wrapConfig("pulse widths must be finite")
	}
	if c.MinPulseWidth <= 0 {
		return wrapConfigf("min pulse width %v must be positive", c.MinPulseWidth)
	}
	if c.MinPulseWidth > c.MaxPulseWidth {
		return wrapConfigf("min pulse width %v exceeds max pulse width %v", c.MinPulseWidth, c.MaxPulseWidth)
	}
	if c.PulseBudget <= 0 {
		return wrapConfig("pulse budget must be positive")
	}
	if !finite(c.AccuracyBias) || c.AccuracyBias < 0 || c.AccuracyBias > 1 {
		return wrapConfigf("accuracy bias %v must be within [0, 1]", c.AccuracyBias)
	}
	if c.StallThreshold <= c.PulseBudget {
		return wrapConfigf("stall threshold %s must exceed pulse budget %s", c.StallThreshold, c.PulseBudget)
	}
	if c.Workers < 1 {
		return wrapConfigf("workers %d must be at least 1", c.Workers)
	}
	if c.RateWindow < 2 {
		return wrapConfigf("rate window %d must be at least 2", c.RateWindow)
	}
	return nil
}

// ValidTimeRatio reports whether r is an accepted time ratio.
func ValidTimeRatio(r uint64) bool {
	return r >= MinTimeRatio && r <= MaxTimeRatio && bits.OnesCount64(r) == 1
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/talgya/mars-colony/internal/marstime"
)

func sleepMs(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func TestNextSleep(t *testing.T) {
	base := DefaultConfig()

	throughput := base
	throughput.AccuracyBias = 0
	resolution := base
	resolution.AccuracyBias = 1

	tests := []struct {
		name  string
		cfg   Config
		ratio uint64
		exec  time.Duration
		want  float64 // ms
	}{
		// One pulse per budget, minus what the dispatch already used.
		{"throughput floor", throughput, 512, 10 * time.Millisecond, 290},
		// Fast ratios need more than one max-width pulse per budget.
		{"throughput max width", throughput, MaxTimeRatio, 0, base.MaxPulseWidth * marstime.MillisPerMillisol / float64(MaxTimeRatio)},
		// Min-width pulses when the host has time to spare.
		{"resolution idle host", resolution, 512, 0, base.MinPulseWidth * marstime.MillisPerMillisol / 512},
		// A slow host caps the rate at budget/exec.
		{"resolution busy host", resolution, 512, 100 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextSleep(tt.cfg, tt.ratio, tt.exec)
			assert.InDelta(t, tt.want, sleepMs(got), 1e-3)
		})
	}
}

func TestNextSleepBiasInterpolates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccuracyBias = 0
	slow := nextSleep(cfg, 512, 0)
	cfg.AccuracyBias = 0.5
	mid := nextSleep(cfg, 512, 0)
	cfg.AccuracyBias = 1
	fast := nextSleep(cfg, 512, 0)

	assert.Greater(t, slow, mid)
	assert.Greater(t, mid, fast)
}

func TestNextSleepClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccuracyBias = 1
	cfg.StallThreshold = 400 * time.Millisecond
	assert.Equal(t, cfg.StallThreshold-cfg.PulseBudget, nextSleep(cfg, 1, 0))

	cfg = DefaultConfig()
	assert.Zero(t, nextSleep(cfg, 512, time.Second), "overrun never sleeps")
}

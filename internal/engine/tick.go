package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/pulse"
)

// tick runs one scheduler iteration and returns the pulse it dispatched,
// or nil if none was produced (paused, stalled, no time elapsed, or
// stopping). The only error is a non-finite pulse width, which means the
// configuration is unusable.
func (mc *MasterClock) tick(ctx context.Context) (*pulse.ClockPulse, error) {
	mc.mu.Lock()
	if mc.paused.Load() {
		mc.mu.Unlock()
		return nil, nil
	}
	now := mc.clock.Now()
	realElapsed := now.Sub(mc.lastTick)
	if realElapsed <= 0 {
		mc.mu.Unlock()
		return nil, nil
	}
	mc.lastTick = now
	mc.mu.Unlock()

	// A gap this large means the host was suspended, not that the
	// colony lived through it.
	if realElapsed > mc.cfg.StallThreshold {
		mc.rate.Reset()
		mc.sleep = nextSleep(mc.cfg, mc.ratio.Load(), 0)
		mc.publish(func(d *Diagnostics) { d.StallsAbsorbed++ })
		mc.logger.Warn("clock stall detected, discarding interval",
			"real_elapsed", realElapsed,
			"threshold", mc.cfg.StallThreshold,
		)
		return nil, nil
	}

	ratio := mc.ratio.Load()
	realMs := float64(realElapsed) / float64(time.Millisecond)
	raw := realMs * float64(ratio) / marstime.MillisPerMillisol
	if !finite(raw) {
		return nil, wrapConfigf("pulse width %v from %s at ratio %d", raw, realElapsed, ratio)
	}
	if raw <= 0 {
		return nil, nil
	}

	width := raw
	var dropped float64
	clipped := false
	switch {
	case raw > mc.cfg.MaxPulseWidth:
		width = mc.cfg.MaxPulseWidth
		dropped = raw - width
		clipped = true
		mc.logger.Debug("pulse width clipped to max", "raw", raw, "max", width, "real_elapsed", realElapsed)
	case raw < mc.cfg.MinPulseWidth:
		width = mc.cfg.MinPulseWidth
		clipped = true
		mc.logger.Debug("pulse width raised to min", "raw", raw, "min", width, "real_elapsed", realElapsed)
	}

	if !mc.keepRunning.Load() {
		return nil, nil
	}

	prevMars := mc.marsTime
	mc.marsTime = mc.marsTime.Add(width)
	mc.earthTime = mc.earthTime.Add(marstime.EarthDuration(width))
	actual := width * marstime.MillisPerMillisol / realMs

	p, err := pulse.New(mc.lastID+1, width, mc.marsTime, mc.earthTime, !prevMars.SameSol(mc.marsTime))
	if err != nil {
		return nil, fmt.Errorf("build pulse: %w", err)
	}
	mc.lastID = p.ID()

	start := mc.clock.Now()
	result := mc.dispatcher.Dispatch(p)
	exec := mc.clock.Now().Sub(start)

	if result.Failed > 0 {
		mc.logger.Warn("pulse delivered with consumer failures",
			"pulse_id", p.ID(),
			"failed", result.Failed,
			"delivered", result.Delivered,
		)
	}
	if p.IsNewSol() {
		mc.logger.Info("new sol", "sol", p.MarsTime().Sol(), "mars_time", p.MarsTime().String(), "pulse_id", p.ID())
	}

	mc.rate.Record(start)
	mc.sleep = nextSleep(mc.cfg, ratio, exec)

	mc.publish(func(d *Diagnostics) {
		d.ActualRatio = actual
		d.ExecutionTime = exec
		d.SleepTime = mc.sleep
		d.LastPulseWidth = width
		d.LastPulseID = p.ID()
		d.MarsTime = mc.marsTime
		d.EarthTime = mc.earthTime
		if clipped {
			d.ClippedPulses++
			d.DroppedMillisols += dropped
		}
	})

	mc.servicePending(ctx)
	return p, nil
}

// nextSleep picks the pause before the next tick from the measured cost
// of the last dispatch. The bias interpolates between the fewest pulses
// the max width allows (throughput) and the most the min width and the
// host's measured speed allow (resolution).
func nextSleep(cfg Config, ratio uint64, exec time.Duration) time.Duration {
	budgetMs := float64(cfg.PulseBudget) / float64(time.Millisecond)
	execMs := float64(exec) / float64(time.Millisecond)

	desired := budgetMs * float64(ratio) / marstime.MillisPerMillisol

	predictedMaxRate := math.Inf(1)
	if execMs > 0 {
		predictedMaxRate = budgetMs / execMs
	}
	mostAccurateRate := desired / cfg.MinPulseWidth
	leastAccurateRate := desired / cfg.MaxPulseWidth

	lowestRate := math.Max(leastAccurateRate, 1)
	highestRate := math.Min(mostAccurateRate, predictedMaxRate)
	chosenRate := lowestRate + (highestRate-lowestRate)*cfg.AccuracyBias

	sleepMs := budgetMs/chosenRate - execMs
	sleep := time.Duration(sleepMs * float64(time.Millisecond))
	if sleep < 0 || math.IsNaN(sleepMs) {
		sleep = 0
	}
	// The next gap is sleep plus the next dispatch, so leave a full budget
	// of headroom below the stall threshold.
	if limit := cfg.StallThreshold - cfg.PulseBudget; sleep > limit {
		sleep = limit
	}
	return sleep
}

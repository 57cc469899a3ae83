package weather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/pulse"
)

func at(t *testing.T, id uint64, sol int64, millisol float64, newSol bool) *pulse.ClockPulse {
	t.Helper()
	mt := marstime.FromTotal(float64(sol-1)*marstime.MillisolsPerSol + millisol)
	p, err := pulse.New(id, 10, mt, time.Unix(0, 0).UTC(), newSol)
	require.NoError(t, err)
	return p
}

func TestDeterministicForSeed(t *testing.T) {
	a := New(Config{Seed: 5, StormThreshold: DefaultStormThreshold}, nil)
	b := New(Config{Seed: 5, StormThreshold: DefaultStormThreshold}, nil)

	id := uint64(0)
	for sol := int64(1); sol <= 20; sol++ {
		for _, ms := range []float64{0, 250, 500, 750} {
			id++
			p := at(t, id, sol, ms, ms == 0 && sol > 1)
			require.True(t, a.Advance(p))
			require.True(t, b.Advance(p))
			require.Equal(t, a.Conditions(), b.Conditions())
		}
	}
}

func TestDiurnalCycle(t *testing.T) {
	w := New(Config{Seed: 1, StormThreshold: 2}, nil)

	require.True(t, w.Advance(at(t, 1, 3, 0, false)))
	midnight := w.Conditions()
	assert.Zero(t, midnight.Irradiance)
	assert.Contains(t, midnight.Description, "night")

	require.True(t, w.Advance(at(t, 2, 3, 500, false)))
	noon := w.Conditions()
	assert.Greater(t, noon.Irradiance, 100.0)
	assert.LessOrEqual(t, noon.Irradiance, peakIrradiance)
	assert.Greater(t, noon.Temperature, midnight.Temperature)
	assert.False(t, noon.DustStorm)
	assert.Equal(t, int64(3), noon.Sol)
}

func TestDustStormDimsTheSun(t *testing.T) {
	clearSky := New(Config{Seed: 9, StormThreshold: 2}, nil)
	storm := New(Config{Seed: 9, StormThreshold: 0}, nil)

	p := at(t, 1, 10, 500, false)
	require.True(t, clearSky.Advance(p))
	require.True(t, storm.Advance(p))

	assert.True(t, storm.DustStorm())
	assert.False(t, clearSky.DustStorm())
	assert.Less(t, storm.SolarIrradiance(), clearSky.SolarIrradiance())

	left := storm.Conditions().StormSolsLeft
	assert.GreaterOrEqual(t, left, 2)
	assert.LessOrEqual(t, left, 7)
	assert.Equal(t, 2.0, storm.Modifiers().WorkPenalty)
}

func TestRejectsStalePulse(t *testing.T) {
	w := New(Config{Seed: 1}, nil)
	require.True(t, w.Advance(at(t, 2, 1, 500, false)))
	before := w.Conditions()
	assert.False(t, w.Advance(at(t, 2, 1, 900, false)))
	assert.False(t, w.Advance(at(t, 1, 1, 100, false)))
	assert.Equal(t, before, w.Conditions())
}

func TestStateRestore(t *testing.T) {
	cfg := Config{Seed: 77, StormThreshold: 0.5}
	w := New(cfg, nil)
	for id := uint64(1); id <= 6; id++ {
		require.True(t, w.Advance(at(t, id, int64(id), 420, id > 1)))
	}

	restored := New(cfg, nil)
	restored.Restore(w.State())
	assert.Equal(t, w.Conditions(), restored.Conditions())
	assert.Equal(t, w.State(), restored.State())
	assert.False(t, restored.Advance(at(t, 6, 6, 500, false)))
}

func TestMapToSim(t *testing.T) {
	sw := MapToSim(Conditions{Temperature: -100, Irradiance: peakIrradiance / 2, Opacity: 0.4})
	assert.Equal(t, -1.0, sw.TempModifier)
	assert.Equal(t, 0.5, sw.SolarFactor)
	assert.Equal(t, 1.2, sw.WorkPenalty)

	sw = MapToSim(Conditions{Temperature: 0, Opacity: 1.5})
	assert.Equal(t, 1.0, sw.TempModifier)
	assert.Equal(t, 1.3, sw.WorkPenalty)
}

func TestSeasons(t *testing.T) {
	assert.Equal(t, SeasonSpring, SeasonForSol(1))
	assert.Equal(t, SeasonSpring, SeasonForSol(167))
	assert.Equal(t, SeasonSummer, SeasonForSol(168))
	assert.Equal(t, SeasonWinter, SeasonOf(24))
	assert.Equal(t, SeasonSpring, SeasonOf(0))
	assert.Equal(t, "Autumn", SeasonOf(13).String())

	assert.False(t, SeasonSummer.DustSeason())
	assert.True(t, SeasonWinter.DustSeason())
	assert.Less(t, seasonalTempMod(SeasonWinter), seasonalTempMod(SeasonSummer))
}

func TestConditionsCarrySeason(t *testing.T) {
	w := New(Config{Seed: 1, StormThreshold: 2}, nil)
	require.True(t, w.Advance(at(t, 1, 1, 500, false)))
	assert.Equal(t, "Spring", w.Conditions().Season)

	require.True(t, w.Advance(at(t, 2, 168, 500, true)))
	assert.Equal(t, "Summer", w.Conditions().Season)
	assert.False(t, w.DustStorm(), "threshold above the noise range never storms")
}

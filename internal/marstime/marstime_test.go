package marstime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrbitLengths(t *testing.T) {
	total := 0
	for m := 1; m <= MonthsPerOrbit; m++ {
		total += SolsInMonth(2, m)
	}
	assert.Equal(t, 668, total)
	assert.Equal(t, 668, SolsInOrbit(2))

	total = 0
	for m := 1; m <= MonthsPerOrbit; m++ {
		total += SolsInMonth(1, m)
	}
	assert.Equal(t, 669, total)

	assert.True(t, IsLeapOrbit(10))
	assert.False(t, IsLeapOrbit(100))
	assert.True(t, IsLeapOrbit(500))
}

func TestAddCrossesSol(t *testing.T) {
	start, err := New(1, 1, 1, 995)
	require.NoError(t, err)

	next := start.Add(10)
	assert.Equal(t, int64(2), next.Sol())
	assert.InDelta(t, 5.0, next.Millisol(), 1e-9)
	assert.False(t, start.SameSol(next))
	assert.InDelta(t, 10.0, next.Sub(start), 1e-9)
}

func TestAddNegative(t *testing.T) {
	start, err := New(1, 1, 2, 3)
	require.NoError(t, err)

	prev := start.Add(-5)
	assert.Equal(t, int64(1), prev.Sol())
	assert.InDelta(t, 998.0, prev.Millisol(), 1e-9)
}

func TestDateRoundTrip(t *testing.T) {
	mt, err := New(3, 7, 14, 250.5)
	require.NoError(t, err)

	d := mt.Date()
	assert.Equal(t, 3, d.Orbit)
	assert.Equal(t, 7, d.Month)
	assert.Equal(t, "Pisces", d.MonthName)
	assert.Equal(t, 14, d.SolOfMonth)
	assert.Equal(t, "03-Pisces-14:0250.500", mt.String())

	again := FromTotal(mt.TotalMillisols())
	assert.Equal(t, mt.Date(), again.Date())
}

func TestNewRejectsOutOfRange(t *testing.T) {
	_, err := New(0, 1, 1, 0)
	assert.Error(t, err)
	_, err = New(1, 25, 1, 0)
	assert.Error(t, err)
	_, err = New(2, 6, 28, 0)
	assert.Error(t, err, "sixth month has 27 sols")
	_, err = New(1, 1, 1, 1000)
	assert.Error(t, err)
}

func TestEarthConversion(t *testing.T) {
	assert.Equal(t, 88775244*time.Microsecond, EarthDuration(1))
	assert.InDelta(t, 1000.0, Millisols(EarthDuration(1000)), 1e-6)
}

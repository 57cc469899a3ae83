// Package pulse defines the unit of simulated-time advancement and the
// contract every time-dependent colony entity implements to receive it.
package pulse

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/talgya/mars-colony/internal/marstime"
)

// ErrInvalidPulse is returned when a pulse would carry a zero id or a
// non-finite or non-positive elapsed width.
var ErrInvalidPulse = errors.New("invalid pulse")

// ClockPulse is one discrete advancement of simulated time. It is
// immutable; consumers read it through its getters.
type ClockPulse struct {
	id          uint64
	elapsed     float64 // millisols
	marsTime    marstime.MarsTime
	earthTime   time.Time
	newSol      bool
	newMillisol bool
}

// New builds a pulse. marsTime and earthTime are the calendars after the
// advance; newSol must be true only when this advance crossed a sol
// boundary.
func New(id uint64, elapsed float64, marsTime marstime.MarsTime, earthTime time.Time, newSol bool) (*ClockPulse, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: id must be positive", ErrInvalidPulse)
	}
	if math.IsNaN(elapsed) || math.IsInf(elapsed, 0) || elapsed <= 0 {
		return nil, fmt.Errorf("%w: elapsed %v", ErrInvalidPulse, elapsed)
	}

	total := marsTime.TotalMillisols()
	newMillisol := newSol || math.Floor(total) != math.Floor(total-elapsed)

	return &ClockPulse{
		id:          id,
		elapsed:     elapsed,
		marsTime:    marsTime,
		earthTime:   earthTime,
		newSol:      newSol,
		newMillisol: newMillisol,
	}, nil
}

// ID is strictly increasing across the pulses of one simulation, from 1.
func (p *ClockPulse) ID() uint64 { return p.id }

// Elapsed is the simulated width of the pulse in millisols.
func (p *ClockPulse) Elapsed() float64 { return p.elapsed }

// MarsTime is the Mars calendar value at dispatch.
func (p *ClockPulse) MarsTime() marstime.MarsTime { return p.marsTime }

// EarthTime is the Earth calendar value at dispatch.
func (p *ClockPulse) EarthTime() time.Time { return p.earthTime }

// IsNewSol is true on the single pulse that crossed into a new sol.
func (p *ClockPulse) IsNewSol() bool { return p.newSol }

// IsNewMillisol is true when the integer millisol changed.
func (p *ClockPulse) IsNewMillisol() bool { return p.newMillisol }

func (p *ClockPulse) String() string {
	return fmt.Sprintf("pulse %d (+%.3f msol) %s", p.id, p.elapsed, p.marsTime)
}

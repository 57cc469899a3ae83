package pulse

import (
	"log/slog"
	"sync/atomic"
)

// Temporal is implemented by every entity whose state evolves with
// simulated time. Advance applies the pulse and reports whether it was
// accepted; a pulse at or below the entity's cursor must be rejected
// without touching domain state.
//
// Implementations are registered by identity and must be pointer types.
type Temporal interface {
	Advance(p *ClockPulse) bool
}

// PauseListener is optionally implemented by a Temporal that wants the
// out-of-band notification when the simulation is paused or resumed.
type PauseListener interface {
	PauseChanged(paused bool)
}

// Cursor records the id of the last pulse an entity applied. Embed it
// and start Advance with:
//
//	if !e.cursor.Accept(p) {
//		return false
//	}
//
// Accept is safe when the same pulse reaches an entity concurrently
// through two forwarding paths: exactly one caller wins.
type Cursor struct {
	last   atomic.Uint64
	logger atomic.Pointer[slog.Logger]
}

// SetLogger routes rejection warnings to l instead of slog.Default().
func (c *Cursor) SetLogger(l *slog.Logger) { c.logger.Store(l) }

func (c *Cursor) log() *slog.Logger {
	if l := c.logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Accept advances the cursor to p's id and returns true if p is newer
// than the last applied pulse. Stale or duplicate pulses return false.
func (c *Cursor) Accept(p *ClockPulse) bool {
	id := p.ID()
	for {
		last := c.last.Load()
		if id <= last {
			c.log().Warn("stale pulse rejected", "pulse_id", id, "last_applied", last)
			return false
		}
		if c.last.CompareAndSwap(last, id) {
			return true
		}
	}
}

// Last returns the id of the last applied pulse, 0 if none.
func (c *Cursor) Last() uint64 { return c.last.Load() }

// Restore sets the cursor when an entity is rebuilt from a save.
func (c *Cursor) Restore(id uint64) { c.last.Store(id) }

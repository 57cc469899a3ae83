package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// RateBuffer keeps the most recent dispatch timestamps and reports the
// achieved pulses per second over that window.
type RateBuffer struct {
	mu  sync.Mutex
	buf *circularbuffer.Queue
}

// NewRateBuffer creates a buffer holding size timestamps (minimum 2).
func NewRateBuffer(size int) *RateBuffer {
	if size < 2 {
		size = 2
	}
	return &RateBuffer{buf: circularbuffer.New(size)}
}

// Record appends a dispatch timestamp, evicting the oldest when full.
func (r *RateBuffer) Record(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Enqueue(t)
}

// Reset drops all timestamps, e.g. after a stall or a resume.
func (r *RateBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Clear()
}

// PulsesPerSecond returns (n-1) / span over the buffered timestamps, or
// 0 with fewer than two samples.
func (r *RateBuffer) PulsesPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := r.buf.Values()
	if len(values) < 2 {
		return 0
	}
	first := values[0].(time.Time)
	last := values[len(values)-1].(time.Time)
	span := last.Sub(first).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(values)-1) / span
}

// UpTimer measures how long the simulation has been running, excluding
// time spent paused.
type UpTimer struct {
	mu      sync.Mutex
	total   time.Duration
	since   time.Time
	running bool
}

// Start begins (or resumes) accumulating uptime at now.
func (u *UpTimer) Start(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}
	u.since = now
	u.running = true
}

// Stop suspends accumulation at now.
func (u *UpTimer) Stop(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return
	}
	u.total += now.Sub(u.since)
	u.running = false
}

// Uptime returns the accumulated running time as of now.
func (u *UpTimer) Uptime(now time.Time) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return u.total + now.Sub(u.since)
	}
	return u.total
}

// FormatUptime renders d as "2d 03:04:05".
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%dd %02d:%02d:%02d", days, h, m, s)
}

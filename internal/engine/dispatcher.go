package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/mars-colony/internal/pulse"
)

// Dispatcher holds the registered pulse consumers and fans each pulse
// out to all of them through a bounded worker pool. Dispatch returns
// only after every consumer has finished with the pulse.
type Dispatcher struct {
	mu    sync.RWMutex
	tasks map[pulse.Temporal]*listenerTask
	order []*listenerTask

	poolMu    sync.Mutex
	pool      *workerPool
	workers   int
	recreated atomic.Uint64
	logger    *slog.Logger
}

// listenerTask is the registration record for one consumer.
type listenerTask struct {
	consumer pulse.Temporal
	name     string

	accepted atomic.Uint64
	rejected atomic.Uint64
	failures atomic.Uint64
	lastCost atomic.Int64 // nanoseconds
}

// DispatchResult summarises one fan-out.
type DispatchResult struct {
	Delivered int
	Accepted  int
	Rejected  int
	Failed    int
}

// ListenerStats is a read-only view of one registration record.
type ListenerStats struct {
	Name     string        `json:"name"`
	Accepted uint64        `json:"accepted"`
	Rejected uint64        `json:"rejected"`
	Failures uint64        `json:"failures"`
	LastCost time.Duration `json:"last_cost"`
}

// NewDispatcher creates a dispatcher with a pool of the given size.
func NewDispatcher(workers int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tasks:   make(map[pulse.Temporal]*listenerTask),
		pool:    newWorkerPool(workers),
		workers: workers,
		logger:  logger,
	}
}

// Register adds a consumer. Registering the same consumer twice is a
// no-op.
func (d *Dispatcher) Register(t pulse.Temporal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tasks[t]; ok {
		return
	}
	task := &listenerTask{consumer: t, name: consumerName(t)}
	d.tasks[t] = task
	d.order = append(d.order, task)
}

// Unregister removes a consumer. A dispatch already delivering to it
// still completes.
func (d *Dispatcher) Unregister(t pulse.Temporal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[t]
	if !ok {
		return
	}
	delete(d.tasks, t)
	for i, o := range d.order {
		if o == task {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered consumers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Dispatch delivers p to every registered consumer and blocks until all
// deliveries have completed or failed. A panicking consumer is logged
// and counted; the others still receive the pulse.
func (d *Dispatcher) Dispatch(p *pulse.ClockPulse) DispatchResult {
	tasks := d.snapshot()

	var accepted, rejected, failed atomic.Int64
	var wg sync.WaitGroup
	pool := d.livePool()

	for _, task := range tasks {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			ok, err := d.deliver(task, p)
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				accepted.Add(1)
			default:
				rejected.Add(1)
			}
		}

		if err := pool.submit(job); err != nil {
			pool = d.replacePool(pool)
			if err := pool.submit(job); err != nil {
				job()
			}
		}
	}
	wg.Wait()

	return DispatchResult{
		Delivered: len(tasks),
		Accepted:  int(accepted.Load()),
		Rejected:  int(rejected.Load()),
		Failed:    int(failed.Load()),
	}
}

// NotifyPause tells every consumer implementing pulse.PauseListener that
// the pause state changed. Runs on the caller's goroutine.
func (d *Dispatcher) NotifyPause(paused bool) {
	for _, task := range d.snapshot() {
		pl, ok := task.consumer.(pulse.PauseListener)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("pause listener panicked", "consumer", task.name, "panic", r)
				}
			}()
			pl.PauseChanged(paused)
		}()
	}
}

// Stats returns per-consumer counters in registration order.
func (d *Dispatcher) Stats() []ListenerStats {
	tasks := d.snapshot()
	stats := make([]ListenerStats, 0, len(tasks))
	for _, t := range tasks {
		stats = append(stats, ListenerStats{
			Name:     t.name,
			Accepted: t.accepted.Load(),
			Rejected: t.rejected.Load(),
			Failures: t.failures.Load(),
			LastCost: time.Duration(t.lastCost.Load()),
		})
	}
	return stats
}

// PoolRecreations returns how many times a dead pool was replaced.
func (d *Dispatcher) PoolRecreations() uint64 { return d.recreated.Load() }

// Shutdown stops the worker pool after queued deliveries finish.
func (d *Dispatcher) Shutdown() {
	d.poolMu.Lock()
	p := d.pool
	d.pool = nil
	d.poolMu.Unlock()

	if p != nil {
		p.shutdown()
	}
}

func (d *Dispatcher) snapshot() []*listenerTask {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tasks := make([]*listenerTask, len(d.order))
	copy(tasks, d.order)
	return tasks
}

// livePool returns the current pool, recreating it if it was torn down.
func (d *Dispatcher) livePool() *workerPool {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()

	if d.pool == nil || d.pool.isClosed() {
		if d.pool != nil {
			d.recreated.Add(1)
			d.logger.Warn("dispatch pool was shut down, recreating", "workers", d.workers)
		}
		d.pool = newWorkerPool(d.workers)
	}
	return d.pool
}

// replacePool swaps out dead unless another goroutine already did.
func (d *Dispatcher) replacePool(dead *workerPool) *workerPool {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()

	if d.pool == dead || d.pool == nil {
		d.recreated.Add(1)
		d.logger.Warn("dispatch pool closed mid-dispatch, recreating", "workers", d.workers)
		d.pool = newWorkerPool(d.workers)
	}
	return d.pool
}

func (d *Dispatcher) deliver(task *listenerTask, p *pulse.ClockPulse) (ok bool, err error) {
	start := time.Now()
	defer func() {
		task.lastCost.Store(int64(time.Since(start)))
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", task.name, r)
			task.failures.Add(1)
			d.logger.Error("pulse consumer failed", "consumer", task.name, "pulse_id", p.ID(), "error", err)
		}
	}()

	ok = task.consumer.Advance(p)
	if ok {
		task.accepted.Add(1)
	} else {
		task.rejected.Add(1)
	}
	return ok, nil
}

// consumerName labels a consumer in logs: its Name() if it has one,
// otherwise its dynamic type.
func consumerName(t pulse.Temporal) string {
	if n, ok := t.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t)
}

package engine

import "sync"

// workerPool runs submitted jobs on a fixed set of goroutines. It is
// private to the Dispatcher.
type workerPool struct {
	mu     sync.RWMutex
	jobs   chan func()
	closed bool
	done   sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	p := &workerPool{jobs: make(chan func(), size*4)}
	p.done.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *workerPool) work() {
	defer p.done.Done()
	for job := range p.jobs {
		job()
	}
}

// submit queues job, blocking while the queue is full. Returns
// ErrPoolClosed once shutdown has begun.
func (p *workerPool) submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobs <- job
	return nil
}

func (p *workerPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// shutdown stops accepting jobs, lets queued jobs finish, and waits for
// the workers to exit. Must not be called from inside a job.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.done.Wait()
}

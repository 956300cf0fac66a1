// Package lanes serialises work per key while letting different keys run in
// parallel on a bounded set of workers.
package lanes

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the pool already holds its capacity of pending tasks.
	ErrQueueFull = errors.New("lanes: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("lanes: pool closed")
)

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context)

// Pool runs tasks with the same key one at a time, in submission order.
type Pool struct {
	mu       sync.Mutex
	queues   map[string][]Task
	ready    chan string
	pending  int
	capacity int
	closed   bool

	tasks   sync.WaitGroup
	workers sync.WaitGroup
}

// NewPool starts workers goroutines. At most capacity tasks may be pending.
func NewPool(ctx context.Context, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		queues:   make(map[string][]Task),
		ready:    make(chan string, capacity),
		capacity: capacity,
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work(ctx)
	}
	return p
}

// Submit enqueues fn on the lane for key. It never blocks.
func (p *Pool) Submit(key string, fn Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.pending >= p.capacity {
		return ErrQueueFull
	}

	queue, active := p.queues[key]
	p.queues[key] = append(queue, fn)
	p.pending++
	p.tasks.Add(1)
	if !active {
		p.ready <- key
	}
	return nil
}

// Pending returns the number of queued or running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Close stops accepting tasks, waits for queued ones to finish, and stops
// the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.tasks.Wait()
	close(p.ready)
	p.workers.Wait()
}

func (p *Pool) work(ctx context.Context) {
	defer p.workers.Done()
	for key := range p.ready {
		p.mu.Lock()
		queue := p.queues[key]
		task := queue[0]
		p.mu.Unlock()

		task(ctx)

		p.mu.Lock()
		queue = p.queues[key][1:]
		if len(queue) == 0 {
			delete(p.queues, key)
		} else {
			p.queues[key] = queue
			p.ready <- key
		}
		p.pending--
		p.mu.Unlock()
		p.tasks.Done()
	}
}

// KeyedMutex hands out one mutex per key and drops it when unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

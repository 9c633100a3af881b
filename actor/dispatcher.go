// Package actor serializes all mutations of one connection's mail state
// onto a single goroutine, replacing per-object locking with sharded
// single-writer dispatch.
package actor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned for work submitted after shutdown.
var ErrStopped = errors.New("actor: dispatcher stopped")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Dispatcher routes work onto shard goroutines by connection id. Every job
// for one connection lands on the same shard, so mutations of one
// connection execute strictly in submission order.
type Dispatcher struct {
	shards []chan job
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	log *logrus.Logger
}

func NewDispatcher(shardCount, queueDepth int, log *logrus.Logger) *Dispatcher {
	if shardCount <= 0 {
		shardCount = 8
	}
	if queueDepth <= 0 {
		queueDepth = 128
	}
	d := &Dispatcher{
		shards: make([]chan job, shardCount),
		quit:   make(chan struct{}),
		log:    log,
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, queueDepth)
	}
	return d
}

func (d *Dispatcher) Start() {
	for i := range d.shards {
		d.wg.Add(1)
		go d.runShard(i)
	}
}

func (d *Dispatcher) runShard(i int) {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.shards[i]:
			d.execute(j)
		case <-d.quit:
			// Drain what was already accepted before shutdown.
			for {
				select {
				case j := <-d.shards[i]:
					d.execute(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(j job) {
	select {
	case <-j.ctx.Done():
		j.done <- j.ctx.Err()
		return
	default:
	}
	j.done <- j.fn(j.ctx)
}

// Do runs fn on the shard owning connectionID and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, connectionID uint, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	// The read lock is held across the enqueue: Stop takes the write lock
	// before draining, so a job that passed the stopped check is always
	// either executed or rejected, never stranded in a drained channel.
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return ErrStopped
	}
	shard := d.shards[int(connectionID)%len(d.shards)]
	select {
	case shard <- j:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.quit)
	d.wg.Wait()
}

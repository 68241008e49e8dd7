package worker

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/metrics"
)

// Item is a claimed job travelling through the queue.
type Item struct {
	Job *core.Job
	// Faults counts in-process failures while handling this job.
	Faults int
}

// Queue is a bounded FIFO of claimed jobs with an outstanding-work counter.
// Every item added with Put or Requeue must be marked with Done once
// handled; Join waits until that count drops to zero.
type Queue struct {
	items chan *Item
	stop  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// NewQueue creates a queue holding at most size waiting items.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		items: make(chan *Item, size),
		stop:  make(chan struct{}),
		idle:  make(chan struct{}),
	}
}

// Put adds an item, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, item *Item) error {
	q.add(1)
	select {
	case q.items <- item:
		metrics.QueueDepth.Set(float64(len(q.items)))
		return nil
	case <-ctx.Done():
		q.add(-1)
		return ctx.Err()
	}
}

// Requeue adds item back after delay without blocking the caller. The item
// counts as outstanding from the moment Requeue returns.
func (q *Queue) Requeue(item *Item, delay time.Duration) {
	q.add(1)
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-q.stop:
			q.add(-1)
			return
		}
		select {
		case q.items <- item:
			metrics.QueueDepth.Set(float64(len(q.items)))
		case <-q.stop:
			q.add(-1)
		}
	}()
}

// Items returns the channel workers receive from.
func (q *Queue) Items() <-chan *Item {
	return q.items
}

// Done marks one item as handled.
func (q *Queue) Done() {
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.add(-1)
}

// Len returns the number of items waiting in the queue.
func (q *Queue) Len() int {
	return len(q.items)
}

// Outstanding returns the number of items put but not yet done.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Join blocks until every item added so far is done or ctx ends.
func (q *Queue) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close abandons pending requeues. Items already in the channel are left
// for whoever still reads it.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) add(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending += delta
	if q.pending < 0 {
		panic("worker: Done called more times than items were added")
	}
	if q.pending == 0 {
		close(q.idle)
		q.idle = make(chan struct{})
	}
}

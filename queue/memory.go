package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/job"
)

var _ Queue = (*Memory)(nil)

// Memory is an in-process Queue. It is the default when no broker is
// configured, and the backend used in tests. Ready jobs are held in a
// priority heap: higher priority first, submission order within a tier.
// The heap is unbounded, so a delayed re-enqueue is never dropped on a
// busy queue. Deliveries are not redelivered on missed acks; durability
// comes from the job store, not the queue.
type Memory struct {
	mu      sync.Mutex
	pending jobHeap
	seq     uint64
	wake    chan struct{}
	quit    chan struct{}
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewMemory creates a memory queue. The buffer size hints the initial
// heap capacity.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	return &Memory{
		pending: make(jobHeap, 0, buffer),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue makes the job available for consumption after the given delay.
func (q *Memory) Enqueue(ctx context.Context, j *job.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ftworker.ErrQueueClosed
	}

	if delay <= 0 {
		q.pushLocked(j)
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if q.closed {
			return
		}
		q.pushLocked(j)
	})
	q.timers[t] = struct{}{}
	return nil
}

func (q *Memory) pushLocked(j *job.Job) {
	q.seq++
	heap.Push(&q.pending, queuedJob{job: j, seq: q.seq})
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Consume returns the delivery channel. Jobs are handed out highest
// priority first; jobs of equal priority in the order they became ready.
func (q *Memory) Consume(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ftworker.ErrQueueClosed
	}
	q.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			q.mu.Lock()
			if q.pending.Len() == 0 {
				q.mu.Unlock()
				select {
				case <-q.wake:
					continue
				case <-ctx.Done():
					return
				case <-q.quit:
					return
				}
			}
			next := heap.Pop(&q.pending).(queuedJob)
			q.mu.Unlock()

			select {
			case out <- Delivery{Job: next.job, Ack: noopAck}:
			case <-ctx.Done():
				return
			case <-q.quit:
				return
			}
		}
	}()
	return out, nil
}

// Close stops delivery. Pending delayed jobs are dropped; consumer
// channels close once their current handoff finishes.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.quit)
	return nil
}

func noopAck(context.Context) error { return nil }

type queuedJob struct {
	job *job.Job
	seq uint64
}

// jobHeap orders by priority descending, then arrival order.
type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if h[i].job.Priority != h[k].job.Priority {
		return h[i].job.Priority > h[k].job.Priority
	}
	return h[i].seq < h[k].seq
}

func (h jobHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Package queue holds admitted, not-yet-claimed transcode jobs and
// hands out exactly one claim per job. It is in-memory only; the
// scheduler rebuilds it from the job record store on restart.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/clipforge/transcodeq/internal/domain"
)

// DefaultPriority is used for ordinary admissions. Higher values are
// dequeued first.
const DefaultPriority = 0

type entry struct {
	jobID      domain.JobID
	priority   int
	admittedAt time.Time
	retryCount int
	seq        uint64
	index      int  // heap index, -1 once popped
	claimed    bool // handed to a worker, not yet released
}

// Queue is a bounded-free admission structure: strict priority bucket
// first, FIFO within a bucket. A job stays admitted from Enqueue until
// Release, so re-admitting an active job is a no-op.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[domain.JobID]*entry
	signal  chan struct{}
	done    chan struct{}
	closed  bool
	seq     uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		entries: make(map[domain.JobID]*entry),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue admits a job. Returns true when the job was newly admitted
// and false when it is already waiting or in flight (idempotent
// admission for at-least-once callers). Returns domain.ErrQueueClosed
// after Close.
func (q *Queue) Enqueue(jobID domain.JobID, priority int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, domain.ErrQueueClosed
	}
	if _, ok := q.entries[jobID]; ok {
		return false, nil
	}

	q.seq++
	e := &entry{
		jobID:      jobID,
		priority:   priority,
		admittedAt: time.Now(),
		seq:        q.seq,
	}
	q.entries[jobID] = e
	heap.Push(&q.heap, e)
	q.wake()
	return true, nil
}

// Dequeue returns the highest-priority, oldest-admitted job, blocking
// while the queue is empty. Returns ok=false when ctx is cancelled or
// the queue is closed. The job stays tracked as in-flight until
// Release or Requeue.
func (q *Queue) Dequeue(ctx context.Context) (domain.JobID, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		if q.heap.Len() > 0 {
			e := heap.Pop(&q.heap).(*entry)
			e.claimed = true
			if q.heap.Len() > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return e.jobID, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.done:
			return "", false
		case <-q.signal:
		}
	}
}

// Remove cancels a not-yet-claimed job. Returns false when the job is
// unknown or already handed to a worker.
func (q *Queue) Remove(jobID domain.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok || e.claimed {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.entries, jobID)
	return true
}

// Release drops a claimed job after it reached a terminal state,
// freeing its admission slot.
func (q *Queue) Release(jobID domain.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, jobID)
}

// Requeue puts a claimed job back in line for another attempt with an
// incremented retry count. Returns the new retry count, or false when
// the job is not in flight.
func (q *Queue) Requeue(jobID domain.JobID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok || !e.claimed {
		return 0, false
	}
	e.claimed = false
	e.retryCount++
	e.admittedAt = time.Now()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.heap, e)
	q.wake()
	return e.retryCount, true
}

// Len reports the number of jobs waiting (excluding in-flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close wakes all blocked Dequeue callers and rejects further
// admissions.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// entryHeap orders by priority desc, admission time asc, then
// admission sequence for a stable tie-break.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].admittedAt.Equal(h[j].admittedAt) {
		return h[i].admittedAt.Before(h[j].admittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

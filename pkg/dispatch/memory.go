package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryQueue is the in-process queue backend. A janitor goroutine requeues
// claims whose deadline passed, which covers workers that die mid-job.
type MemoryQueue struct {
	mu     sync.Mutex
	lanes  map[Lane]*list.List
	claims map[string]*claim
	notify chan struct{}
	closed bool
	done   chan struct{}

	claimTimeout time.Duration
}

type claim struct {
	job      Job
	deadline time.Time
}

// NewMemoryQueue creates a memory queue whose claims expire after
// claimTimeout and are then redelivered.
func NewMemoryQueue(claimTimeout time.Duration) *MemoryQueue {
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Minute
	}
	q := &MemoryQueue{
		lanes:        make(map[Lane]*list.List),
		claims:       make(map[string]*claim),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		claimTimeout: claimTimeout,
	}
	for _, lane := range lanePriority {
		q.lanes[lane] = list.New()
	}
	go q.janitor()
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if _, ok := ParseLane(string(job.Lane)); !ok {
		job.Lane = LaneDefault
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.lanes[job.Lane].PushBack(job)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if job, ok := q.pop(); ok {
			q.claims[job.ID] = &claim{job: job, deadline: time.Now().Add(q.claimTimeout)}
			more := q.queuedLocked() > 0
			q.mu.Unlock()
			if more {
				// Pass the baton so other blocked claimers see remaining jobs.
				q.wake()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.done:
			return Job{}, ErrClosed
		case <-q.notify:
		}
	}
}

// queuedLocked counts unclaimed jobs. Caller holds the lock.
func (q *MemoryQueue) queuedLocked() int {
	n := 0
	for _, lane := range lanePriority {
		n += q.lanes[lane].Len()
	}
	return n
}

// pop removes the next job by lane priority. Caller holds the lock.
func (q *MemoryQueue) pop() (Job, bool) {
	for _, lane := range lanePriority {
		if front := q.lanes[lane].Front(); front != nil {
			q.lanes[lane].Remove(front)
			return front.Value.(Job), true
		}
	}
	return Job{}, false
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.claims[jobID]; !ok {
		return ErrNotClaimed
	}
	delete(q.claims, jobID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	c, ok := q.claims[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrNotClaimed
	}
	delete(q.claims, jobID)
	q.lanes[c.job.Lane].PushFront(c.job)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) Withdraw(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lane := range lanePriority {
		for e := q.lanes[lane].Front(); e != nil; e = e.Next() {
			if e.Value.(Job).ID == jobID {
				q.lanes[lane].Remove(e)
				return nil
			}
		}
	}
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (map[Lane]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Lane]int, len(lanePriority))
	for _, lane := range lanePriority {
		counts[lane] = q.lanes[lane].Len()
	}
	return counts, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// wake nudges one blocked claimer without blocking the caller.
func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// janitor requeues expired claims once a second.
func (q *MemoryQueue) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.reclaimExpired(time.Now())
		}
	}
}

func (q *MemoryQueue) reclaimExpired(now time.Time) {
	q.mu.Lock()
	requeued := false
	for id, c := range q.claims {
		if now.After(c.deadline) {
			delete(q.claims, id)
			q.lanes[c.job.Lane].PushFront(c.job)
			requeued = true
		}
	}
	q.mu.Unlock()

	if requeued {
		q.wake()
	}
}

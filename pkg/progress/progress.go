// Package progress publishes run and document status transitions as an
// append-only, per-run record log. Subscribers can join at any offset and
// receive every record from there in order, then tail live updates; once the
// run reaches a terminal status the stream ends.
package progress

import (
	"context"
	"sync"
	"time"
)

// Record is one status transition. Seq starts at 1 and increases by one per
// record within a run; it never resets or repeats.
type Record struct {
	Seq      uint64    `json:"seq"`
	RunID    string    `json:"run_id"`
	Kind     string    `json:"kind"` // "run" or "document"
	EntityID string    `json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// KindRun and KindDocument are the two record kinds.
const (
	KindRun      = "run"
	KindDocument = "document"
)

type runLog struct {
	mu      sync.RWMutex
	records []Record
	done    bool
	updated chan struct{}
}

// Publisher owns the per-run logs.
type Publisher struct {
	mu   sync.RWMutex
	runs map[string]*runLog
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{runs: make(map[string]*runLog)}
}

func (p *Publisher) log(runID string) *runLog {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.runs[runID]
	if !ok {
		l = &runLog{updated: make(chan struct{})}
		p.runs[runID] = l
	}
	return l
}

// Publish appends a record to the run's log and wakes subscribers. The
// sequence number is assigned here; callers must publish transitions in the
// order they were persisted. Closed reports true once a terminal "run"
// record has been published; records after that are dropped.
func (p *Publisher) Publish(runID string, rec Record) {
	l := p.log(runID)

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}

	rec.RunID = runID
	rec.Seq = uint64(len(l.records)) + 1
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	l.records = append(l.records, rec)

	if rec.Kind == KindRun && isTerminal(rec.To) {
		l.done = true
	}

	// Broadcast by closing the current update channel.
	close(l.updated)
	l.updated = make(chan struct{})
	l.mu.Unlock()
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "partially_failed", "failed":
		return true
	}
	return false
}

// Reopen resumes a closed log so a document retry can continue the stream.
// Sequence numbers keep counting from where they stopped.
func (p *Publisher) Reopen(runID string) {
	p.mu.RLock()
	l, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	l.mu.Lock()
	l.done = false
	l.mu.Unlock()
}

// Closed reports whether the run's stream has ended.
func (p *Publisher) Closed(runID string) bool {
	p.mu.RLock()
	l, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.done
}

// Subscribe streams the run's records starting after fromSeq (pass 0 for the
// full history). The channel is closed when the run reaches a terminal
// status or the context ends. Slow consumers delay only themselves.
func (p *Publisher) Subscribe(ctx context.Context, runID string, fromSeq uint64) <-chan Record {
	l := p.log(runID)
	out := make(chan Record, 16)

	go func() {
		defer close(out)
		next := int(fromSeq) // index of the next record to send

		for {
			l.mu.RLock()
			var pending []Record
			if next < len(l.records) {
				pending = l.records[next:]
			}
			done := l.done
			updated := l.updated
			l.mu.RUnlock()

			for _, rec := range pending {
				select {
				case out <- rec:
					next++
				case <-ctx.Done():
					return
				}
			}

			if done {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-updated:
			}
		}
	}()

	return out
}

// Drop forgets a run's log. Call after the run is terminal and its retention
// window has passed; live subscribers already hold the log and finish
// normally.
func (p *Publisher) Drop(runID string) {
	p.mu.Lock()
	delete(p.runs, runID)
	p.mu.Unlock()
}

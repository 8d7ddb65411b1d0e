// Package dispatch provides the job queue between the run coordinator and
// the document workers: three priority lanes, FIFO within a lane, and
// claim/ack/nack delivery with at-least-once semantics.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Lane is a dispatch priority lane. Claims always drain higher lanes first;
// within a lane, jobs leave in enqueue order.
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// lanePriority is the claim order.
var lanePriority = []Lane{LaneHigh, LaneDefault, LaneLow}

// ParseLane parses a lane name, mapping the empty string to the default lane.
func ParseLane(s string) (Lane, bool) {
	switch Lane(s) {
	case LaneHigh, LaneDefault, LaneLow:
		return Lane(s), true
	case "":
		return LaneDefault, true
	}
	return "", false
}

// Job is one unit of document work. Jobs are identified by ID; RunID and
// DocumentID tell the worker what to load.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	DocumentID string    `json:"document_id"`
	Lane       Lane      `json:"lane"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

var (
	// ErrClosed is returned once the queue has shut down.
	ErrClosed = errors.New("dispatch: queue closed")

	// ErrNotClaimed is returned when acking or nacking a job that is not
	// currently claimed (already acked, reclaimed, or never seen).
	ErrNotClaimed = errors.New("dispatch: job not claimed")
)

// Queue is the dispatch contract. Delivery is at-least-once: a claimed job
// that is neither acked nor nacked before the claim timeout is requeued at
// the front of its lane, so handlers must tolerate duplicate processing.
type Queue interface {
	// Enqueue appends the job to the back of its lane.
	Enqueue(ctx context.Context, job Job) error

	// Claim blocks until a job is available or the context ends. The claim
	// must be settled with Ack or Nack before the claim timeout.
	Claim(ctx context.Context) (Job, error)

	// Ack settles a claim; the job will not be delivered again.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a claimed job to the front of its lane for redelivery.
	Nack(ctx context.Context, jobID string) error

	// Withdraw removes a not-yet-claimed job from its lane. Withdrawing a
	// claimed or unknown job is a no-op.
	Withdraw(ctx context.Context, jobID string) error

	// Len reports queued (unclaimed) jobs per lane.
	Len(ctx context.Context) (map[Lane]int, error)

	Close() error
}

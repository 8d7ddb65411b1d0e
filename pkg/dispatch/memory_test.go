package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testJob(id string, lane Lane) Job {
	return Job{ID: id, RunID: "run-1", DocumentID: "doc-" + id, Lane: lane}
}

func TestParseLane(t *testing.T) {
	tests := []struct {
		in   string
		want Lane
		ok   bool
	}{
		{"high", LaneHigh, true},
		{"default", LaneDefault, true},
		{"low", LaneLow, true},
		{"", LaneDefault, true},
		{"urgent", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseLane(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLane(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMemoryQueueLanePriority(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, testJob("low-1", LaneLow))
	q.Enqueue(ctx, testJob("def-1", LaneDefault))
	q.Enqueue(ctx, testJob("high-1", LaneHigh))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		order = append(order, job.ID)
		q.Ack(ctx, job.ID)
	}

	want := []string{"high-1", "def-1", "low-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

func TestMemoryQueueFIFOWithinLane(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, testJob(id, LaneDefault))
	}
	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if job.ID != want {
			t.Errorf("claimed %q, want %q", job.ID, want)
		}
		q.Ack(ctx, job.ID)
	}
}

func TestMemoryQueueClaimBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	claimed := make(chan Job, 1)
	go func() {
		job, err := q.Claim(ctx)
		if err == nil {
			claimed <- job
		}
	}()

	select {
	case <-claimed:
		t.Fatal("claim should block on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(ctx, testJob("late", LaneDefault))

	select {
	case job := <-claimed:
		if job.ID != "late" {
			t.Errorf("claimed %q, want late", job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, testJob("a", LaneDefault))
	q.Enqueue(ctx, testJob("b", LaneDefault))

	job, _ := q.Claim(ctx)
	if job.ID != "a" {
		t.Fatalf("claimed %q, want a", job.ID)
	}
	if err := q.Nack(ctx, "a"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	// Nacked jobs come back before anything queued behind them.
	job, _ = q.Claim(ctx)
	if job.ID != "a" {
		t.Errorf("after nack claimed %q, want a", job.ID)
	}
}

func TestMemoryQueueAckUnknownJob(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	if err := q.Ack(ctx, "ghost"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Ack(ghost) = %v, want ErrNotClaimed", err)
	}
	if err := q.Nack(ctx, "ghost"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Nack(ghost) = %v, want ErrNotClaimed", err)
	}
}

func TestMemoryQueueExpiredClaimRequeues(t *testing.T) {
	q := NewMemoryQueue(10 * time.Millisecond)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, testJob("a", LaneDefault))
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Drive the reclaim directly instead of waiting for the janitor tick.
	q.reclaimExpired(time.Now().Add(time.Hour))

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim after reclaim: %v", err)
	}
	if job.ID != "a" {
		t.Errorf("reclaimed %q, want a", job.ID)
	}
}

func TestMemoryQueueWithdraw(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, testJob("a", LaneDefault))
	q.Enqueue(ctx, testJob("b", LaneDefault))

	if err := q.Withdraw(ctx, "a"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	job, _ := q.Claim(ctx)
	if job.ID != "b" {
		t.Errorf("claimed %q after withdraw, want b", job.ID)
	}

	// Withdrawing an unknown job is a no-op.
	if err := q.Withdraw(ctx, "ghost"); err != nil {
		t.Errorf("Withdraw(ghost) = %v, want nil", err)
	}
}

func TestMemoryQueueLen(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, testJob("a", LaneHigh))
	q.Enqueue(ctx, testJob("b", LaneDefault))
	q.Enqueue(ctx, testJob("c", LaneDefault))

	counts, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if counts[LaneHigh] != 1 || counts[LaneDefault] != 2 || counts[LaneLow] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Claim after close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not unblock on close")
	}

	if err := q.Enqueue(ctx, testJob("x", LaneDefault)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close = %v, want ErrClosed", err)
	}
}

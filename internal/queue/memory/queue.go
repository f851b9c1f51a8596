// Package memory provides the in-process priority queue of submission job tickets.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// ErrClosed is returned once the queue shuts down.
var ErrClosed = errors.New("queue closed")

// DefaultAgingCap bounds how many minutes of waiting count toward priority.
const DefaultAgingCap = 30

// Ticket is one queued job.
type Ticket struct {
	JobID      string    `json:"job_id"`
	Package    string    `json:"package_tier"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending      int            `json:"pending"`
	Running      map[string]int `json:"running"`
	Next         *Ticket        `json:"next,omitempty"`
	NextPriority int            `json:"next_priority,omitempty"`
}

// Queue orders tickets by package priority plus aging and holds back packages
// that already run their maximum number of concurrent jobs.
type Queue struct {
	packages submission.Packages
	clock    submission.Clock
	agingCap int

	mu      sync.Mutex
	tickets []Ticket
	running map[string]int
	changed chan struct{}
	closed  bool
}

// NewQueue constructs an empty queue. A negative agingCap disables the cap.
func NewQueue(packages submission.Packages, clock submission.Clock, agingCap int) *Queue {
	return &Queue{
		packages: packages,
		clock:    clock,
		agingCap: agingCap,
		running:  make(map[string]int),
		changed:  make(chan struct{}),
	}
}

// Enqueue adds a ticket. Its EnqueuedAt defaults to now.
func (q *Queue) Enqueue(ctx context.Context, t Ticket) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	policy, err := q.packages.Lookup(t.Package)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.JobID, err)
	}
	t.Package = policy.Name
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.clock.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.tickets = append(q.tickets, t)
	q.broadcastLocked()
	return nil
}

// Dequeue blocks until a ticket whose package is below its concurrency ceiling is
// available and returns the one with the highest priority, oldest first on ties.
// The caller must Release the ticket's package when the job finishes.
func (q *Queue) Dequeue(ctx context.Context) (Ticket, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Ticket{}, ErrClosed
		}
		if idx, _ := q.bestLocked(true); idx >= 0 {
			t := q.tickets[idx]
			q.tickets = append(q.tickets[:idx], q.tickets[idx+1:]...)
			q.running[t.Package]++
			q.mu.Unlock()
			return t, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Ticket{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Release frees one running slot for pkg.
func (q *Queue) Release(pkg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if policy, err := q.packages.Lookup(pkg); err == nil {
		pkg = policy.Name
	}
	if q.running[pkg] > 0 {
		q.running[pkg]--
	}
	q.broadcastLocked()
}

// Remove drops a still-queued ticket and reports whether it was found.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tickets {
		if t.JobID == jobID {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			q.broadcastLocked()
			return true
		}
	}
	return false
}

// Stats reports pending and running counts and the ticket that would be chosen
// next ignoring concurrency ceilings.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{Pending: len(q.tickets), Running: make(map[string]int, len(q.running))}
	for k, v := range q.running {
		st.Running[k] = v
	}
	if idx, prio := q.bestLocked(false); idx >= 0 {
		next := q.tickets[idx]
		st.Next = &next
		st.NextPriority = prio
	}
	return st
}

// Close wakes every blocked Dequeue with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// bestLocked scans for the highest priority ticket. Queues hold at most a few
// hundred purchases so a linear scan keeps aging exact without re-heapifying.
func (q *Queue) bestLocked(respectCeilings bool) (int, int) {
	now := q.clock.Now()
	best, bestPrio := -1, 0
	for i, t := range q.tickets {
		policy, err := q.packages.Lookup(t.Package)
		if err != nil {
			continue
		}
		if respectCeilings && policy.ConcurrentJobs > 0 && q.running[policy.Name] >= policy.ConcurrentJobs {
			continue
		}
		prio := policy.Priority(now.Sub(t.EnqueuedAt), q.agingCap)
		if best < 0 || prio > bestPrio || (prio == bestPrio && t.EnqueuedAt.Before(q.tickets[best].EnqueuedAt)) {
			best, bestPrio = i, prio
		}
	}
	return best, bestPrio
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

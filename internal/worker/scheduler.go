package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobScheduler runs one-shot functions at a future time. It backs the
// observation-deadline callbacks: when a pilot finishes, winner selection
// is scheduled at the end of the observation window, and an extension
// reschedules it.
//
// Jobs are in-process only. If the process restarts, pending jobs are
// lost; the SelectionPoller picks up any overdue test on its next tick,
// so a missed timer delays selection by at most one poll interval.
type JobScheduler struct {
	base   context.Context
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewJobScheduler creates an empty scheduler. Fired jobs receive ctx,
// so stopping the owning process cancels in-flight callbacks too.
func NewJobScheduler(ctx context.Context) *JobScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &JobScheduler{base: ctx, timers: make(map[string]*time.Timer)}
}

// Schedule registers fn to run once at runAt and returns the job ID.
// A runAt in the past fires immediately.
func (s *JobScheduler) Schedule(fn func(context.Context), runAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("scheduler is stopped")
	}

	id := uuid.New().String()
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn(s.base)
	})
	return id, nil
}

// Cancel stops a pending job. Cancelling an unknown or already-fired
// job is a no-op.
func (s *JobScheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// Stop cancels all pending jobs and rejects new ones.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of jobs waiting to fire.
func (s *JobScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/pkg/distlock"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// =============================================================================
// SELECTION POLLER
// =============================================================================
// This worker polls for tests in 'observe' status whose observation window
// has elapsed and runs winner selection on them. It is the safety net behind
// the in-process JobScheduler: timers die with the process, overdue tests
// do not.
//
// With auto-drip enabled it also picks up 'winner_picked' tests and sends
// the winning variant to the remaining audience.

const (
	// DefaultSelectionPollInterval is how often to check for overdue tests.
	DefaultSelectionPollInterval = 1 * time.Minute

	// selectionLockTTL bounds how long a single selection pass may hold
	// the per-test lock.
	selectionLockTTL = 5 * time.Minute

	// pollBatchSize is how many tests to examine per tick.
	pollBatchSize = 100
)

// SelectionPoller drives winner selection and winner drip for tests whose
// scheduled callbacks were missed.
type SelectionPoller struct {
	svc          *experiment.Service
	db           *sql.DB
	redisClient  *redis.Client // optional; nil falls back to PG advisory locks
	workerID     string
	pollInterval time.Duration
	autoDrip     bool

	// Stats
	selected int64
	dripped  int64
	errors   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewSelectionPoller creates a poller over the given service.
func NewSelectionPoller(svc *experiment.Service, db *sql.DB) *SelectionPoller {
	hostname, _ := os.Hostname()
	return &SelectionPoller{
		svc:          svc,
		db:           db,
		workerID:     fmt.Sprintf("selector-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval: DefaultSelectionPollInterval,
	}
}

// SetRedisClient sets the Redis client for distributed locking.
// If set, per-test locks go through Redis; otherwise PostgreSQL
// advisory locks are used.
func (sp *SelectionPoller) SetRedisClient(client *redis.Client) {
	sp.redisClient = client
}

// SetPollInterval overrides the default poll interval.
func (sp *SelectionPoller) SetPollInterval(d time.Duration) {
	if d > 0 {
		sp.pollInterval = d
	}
}

// SetAutoDrip enables automatic winner drip after selection.
func (sp *SelectionPoller) SetAutoDrip(enabled bool) {
	sp.autoDrip = enabled
}

// Start begins the polling loop.
func (sp *SelectionPoller) Start() error {
	sp.mu.Lock()
	if sp.running {
		sp.mu.Unlock()
		return fmt.Errorf("selection poller already running")
	}
	sp.running = true
	sp.ctx, sp.cancel = context.WithCancel(context.Background())
	sp.mu.Unlock()

	log.Printf("[SelectionPoller] Starting %s with poll interval: %v", sp.workerID, sp.pollInterval)

	sp.wg.Add(1)
	go sp.pollLoop()

	return nil
}

// Stop gracefully stops the poller.
func (sp *SelectionPoller) Stop() {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return
	}
	sp.running = false
	sp.mu.Unlock()

	log.Printf("[SelectionPoller] Stopping...")
	sp.cancel()
	sp.wg.Wait()
	log.Printf("[SelectionPoller] Stopped. Selected: %d, Dripped: %d, Errors: %d",
		atomic.LoadInt64(&sp.selected), atomic.LoadInt64(&sp.dripped), atomic.LoadInt64(&sp.errors))
}

func (sp *SelectionPoller) pollLoop() {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.ctx.Done():
			return
		case <-ticker.C:
			sp.runObserving()
			if sp.autoDrip {
				sp.runDrips()
			}
		}
	}
}

// runObserving examines every observing test and runs selection on those
// whose window has elapsed. Tests still inside the window are left alone;
// the service itself re-checks the deadline and may extend it instead of
// picking.
func (sp *SelectionPoller) runObserving() {
	ctx, cancel := context.WithTimeout(sp.ctx, selectionLockTTL)
	defer cancel()

	tests, err := sp.svc.ListTests(ctx, domain.TestObserve, pollBatchSize)
	if err != nil {
		atomic.AddInt64(&sp.errors, 1)
		log.Printf("[SelectionPoller] List observing tests failed: %v", err)
		return
	}

	now := time.Now()
	for _, t := range tests {
		if until := t.ObserveUntil(); !until.IsZero() && now.Before(until) {
			continue
		}
		sp.withTestLock(ctx, t.ID.String(), func() {
			res, err := sp.svc.SelectWinner(ctx, t.ID)
			if err != nil {
				atomic.AddInt64(&sp.errors, 1)
				log.Printf("[SelectionPoller] Selection failed for test %s: %v", t.ID, err)
				return
			}
			switch res.Status {
			case experiment.StatusWinnerPicked:
				atomic.AddInt64(&sp.selected, 1)
				log.Printf("[SelectionPoller] Test %s winner: variant %s", t.ID, res.WinnerCode)
			case experiment.StatusExtended:
				log.Printf("[SelectionPoller] Test %s observation extended until %v", t.ID, res.ObserveUntil)
			}
		})
	}
}

// runDrips delivers the winning variant for tests stuck in winner_picked.
func (sp *SelectionPoller) runDrips() {
	ctx, cancel := context.WithTimeout(sp.ctx, selectionLockTTL)
	defer cancel()

	tests, err := sp.svc.ListTests(ctx, domain.TestWinnerPicked, pollBatchSize)
	if err != nil {
		atomic.AddInt64(&sp.errors, 1)
		log.Printf("[SelectionPoller] List winner_picked tests failed: %v", err)
		return
	}

	for _, t := range tests {
		sp.withTestLock(ctx, t.ID.String(), func() {
			res, err := sp.svc.StartWinnerDrip(ctx, t.ID)
			if err != nil {
				atomic.AddInt64(&sp.errors, 1)
				log.Printf("[SelectionPoller] Drip failed for test %s: %v", t.ID, err)
				return
			}
			if res.Status == experiment.StatusCompleted {
				atomic.AddInt64(&sp.dripped, 1)
				log.Printf("[SelectionPoller] Test %s completed, drip queued %d", t.ID, res.Queued)
			}
		})
	}
}

// withTestLock runs fn while holding the per-test distributed lock.
// If the lock is held elsewhere the test is skipped; the next tick or
// the other worker will handle it.
func (sp *SelectionPoller) withTestLock(ctx context.Context, testID string, fn func()) {
	lock := distlock.NewLock(sp.redisClient, sp.db, "abtest:"+testID, selectionLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		atomic.AddInt64(&sp.errors, 1)
		log.Printf("[SelectionPoller] Lock acquire failed for test %s: %v", testID, err)
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)
	fn()
}

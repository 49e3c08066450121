package experiment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/repository/memory"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// fakeAudience returns a fixed member list for any filter.
type fakeAudience struct {
	members []domain.AudienceMember
	err     error
}

func (f *fakeAudience) Resolve(_ context.Context, _ domain.SegmentFilter) ([]domain.AudienceMember, error) {
	return f.members, f.err
}

// fakeTransport records sends and fails on demand.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []int64            // chat IDs in send order
	failFor map[int64]error    // chatID -> error to return
	onSend  func(chatID int64) // called before each send
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[int64]error)}
}

func (f *fakeTransport) Send(_ context.Context, chatID int64, _ experiment.Message) (*experiment.Receipt, error) {
	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(chatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[chatID]; ok {
		return nil, err
	}
	f.sent = append(f.sent, chatID)
	return &experiment.Receipt{MessageID: int64(len(f.sent)), SentAt: time.Now()}, nil
}

func (f *fakeTransport) sentChats() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sent...)
}

// fakeScheduler records scheduled jobs without firing them.
type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []time.Time
	cancelled []string
	nextID    int
}

func (f *fakeScheduler) Schedule(_ func(context.Context), runAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.scheduled = append(f.scheduled, runAt)
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeScheduler) Cancel(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
}

func audienceOf(n int) []domain.AudienceMember {
	members := make([]domain.AudienceMember, n)
	for i := range members {
		members[i] = domain.AudienceMember{
			UserID:    int64(i + 1),
			ChatID:    int64(1000 + i),
			Reachable: true,
		}
	}
	return members
}

type harness struct {
	svc       *experiment.Service
	repo      *memory.ExperimentRepo
	audience  *fakeAudience
	transport *fakeTransport
	scheduler *fakeScheduler
}

func newHarness(audienceSize int) *harness {
	repo := memory.NewExperimentRepo()
	audience := &fakeAudience{members: audienceOf(audienceSize)}
	transport := newFakeTransport()
	scheduler := &fakeScheduler{}
	deliverer := experiment.NewDeliverer(repo, transport, nil, 0)
	return &harness{
		svc:       experiment.NewService(repo, audience, deliverer, scheduler),
		repo:      repo,
		audience:  audience,
		transport: transport,
		scheduler: scheduler,
	}
}

func (h *harness) createTest(t *testing.T, opts ...func(*experiment.CreateInput)) *domain.Test {
	t.Helper()
	input := experiment.CreateInput{
		Name:   "welcome copy test",
		Metric: domain.MetricCTR,
		Variants: []experiment.VariantInput{
			{Title: "Hi", Body: "Short pitch"},
			{Title: "Hello", Body: "Long pitch"},
		},
	}
	for _, opt := range opts {
		opt(&input)
	}
	test, err := h.svc.CreateTest(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	return test
}

// startObserving creates a test, runs the pilot, and backdates its start so
// the observation window has already elapsed.
func (h *harness) startObserving(t *testing.T, test *domain.Test, startedAgo time.Duration) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.StartPilot(ctx, test.ID); err != nil {
		t.Fatalf("StartPilot: %v", err)
	}
	got, err := h.repo.GetTest(ctx, test.ID)
	if err != nil {
		t.Fatalf("GetTest: %v", err)
	}
	if err := h.repo.MarkStarted(ctx, test.ID, time.Now().UTC().Add(-startedAgo), got.AudienceSize, got.PilotSize); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
}

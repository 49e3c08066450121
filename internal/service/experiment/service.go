package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// Guard statuses returned by lifecycle operations instead of errors.
// Callers poll and retry freely; a stale trigger gets a descriptive no-op.
const (
	StatusStarted        = "started"
	StatusAlreadyStarted = "already_started"
	StatusObserving      = "observing"
	StatusExtended       = "extended"
	StatusWinnerPicked   = "winner_picked"
	StatusNotReady       = "not_ready"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
	StatusAlreadyDone    = "already_done"
)

// Defaults for winner selection. The floor and extension mirror the
// evaluator's polling contract: while the observation window is still open
// and fewer than MinSampleSize messages were delivered, the window is
// stretched by ExtensionHours and the decision deferred.
const (
	MinSampleSize           = 200
	ExtensionHours          = 12
	defaultObservationHours = 24
)

// variantCodes is the ordered default code set applied when a creator does
// not name the variants explicitly.
var variantCodes = []string{"A", "B"}

// Service implements the experiment engine business logic. All public
// methods are safe for concurrent use if the underlying repository is
// concurrency-safe; correctness under concurrent triggers relies on the
// status re-checks in the repository, not on in-memory locks.
type Service struct {
	repo      Repository
	audience  AudienceResolver
	deliverer *Deliverer
	scheduler Scheduler
	now       func() time.Time
}

// NewService creates an experiment service backed by the given repository
// and collaborators.
func NewService(repo Repository, audience AudienceResolver, deliverer *Deliverer, scheduler Scheduler) *Service {
	return &Service{
		repo:      repo,
		audience:  audience,
		deliverer: deliverer,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// CreateInput holds the fields for creating a new A/B test.
type CreateInput struct {
	Name             string               `json:"name"`
	Metric           domain.Metric        `json:"metric"`
	SampleRatio      float64              `json:"sample_ratio"`
	ObservationHours int                  `json:"observation_hours"`
	SegmentFilter    domain.SegmentFilter `json:"segment_filter"`
	CreatedBy        int64                `json:"created_by"`
	Variants         []VariantInput       `json:"variants"`
}

// VariantInput is the content of one candidate message.
type VariantInput struct {
	Code    string             `json:"code,omitempty"`
	Title   string             `json:"title"`
	Body    string             `json:"body"`
	Media   []domain.MediaItem `json:"media,omitempty"`
	Buttons []domain.Button    `json:"buttons,omitempty"`
}

// CreateTest validates and persists a new test in draft status together
// with its two variants. Nothing is persisted on validation failure.
func (s *Service) CreateTest(ctx context.Context, input CreateInput) (*domain.Test, error) {
	if input.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(input.Variants) != len(variantCodes) {
		return nil, &ValidationError{
			Field:  "variants",
			Reason: fmt.Sprintf("exactly %d variants required, got %d", len(variantCodes), len(input.Variants)),
		}
	}
	if input.Metric != "" && !input.Metric.Valid() {
		return nil, &ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q", input.Metric)}
	}

	metric := input.Metric
	if metric == "" {
		metric = domain.MetricCTR
	}

	ratio := input.SampleRatio
	switch {
	case ratio <= 0:
		ratio = domain.DefaultSampleRatio
	case ratio > 1:
		ratio = 1
	}

	hours := input.ObservationHours
	if hours <= 0 {
		hours = defaultObservationHours
	}

	t := &domain.Test{
		ID:               uuid.New(),
		Name:             input.Name,
		Metric:           metric,
		SampleRatio:      ratio,
		ObservationHours: hours,
		SegmentFilter:    input.SegmentFilter,
		Status:           domain.TestDraft,
		CreatedBy:        input.CreatedBy,
		CreatedAt:        s.now().UTC(),
	}

	variants := make([]domain.Variant, 0, len(input.Variants))
	seen := make(map[string]bool, len(input.Variants))
	for i, v := range input.Variants {
		code := v.Code
		if code == "" {
			code = variantCodes[i]
		}
		if seen[code] {
			return nil, &ValidationError{Field: "variants", Reason: fmt.Sprintf("duplicate code %q", code)}
		}
		seen[code] = true

		variants = append(variants, domain.Variant{
			ID:         uuid.New(),
			TestID:     t.ID,
			Code:       code,
			Title:      v.Title,
			Body:       v.Body,
			Media:      v.Media,
			Buttons:    v.Buttons,
			OrderIndex: i,
			CreatedAt:  t.CreatedAt,
		})
	}

	if err := s.repo.CreateTest(ctx, t, variants); err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}

	log.Printf("[experiment.Service] Test %s (%s) created with %d variants", t.ID, t.Name, len(variants))
	return t, nil
}

// GetTest returns a single test.
func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error) {
	return s.repo.GetTest(ctx, id)
}

// ListTests returns tests filtered by status.
func (s *Service) ListTests(ctx context.Context, status domain.TestStatus, limit int) ([]domain.Test, error) {
	return s.repo.ListTests(ctx, status, limit)
}

// Variants returns the test's variants in order.
func (s *Service) Variants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error) {
	return s.repo.ListVariants(ctx, testID)
}

// PilotResult is the outcome of StartPilot.
type PilotResult struct {
	Status       string          `json:"status"`
	AudienceSize int             `json:"audience_size,omitempty"`
	PilotSize    int             `json:"pilot_size,omitempty"`
	Delivery     *DeliveryResult `json:"delivery,omitempty"`
}

// StartPilot moves a draft test into its pilot phase: resolves the audience,
// samples a pilot subset, assigns variants by position parity, and delivers
// the pilot batch. When delivery finishes, the test enters the observation
// window and winner selection is scheduled.
//
// If the test is not in draft the call is a non-mutating no-op with status
// "already_started"; a concurrent duplicate trigger loses the conditional
// status update and takes the same path.
func (s *Service) StartPilot(ctx context.Context, testID uuid.UUID) (*PilotResult, error) {
	t, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TestDraft {
		return &PilotResult{Status: StatusAlreadyStarted}, nil
	}

	variants, err := s.repo.ListVariants(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	if len(variants) < 2 {
		return nil, &ValidationError{Field: "variants", Reason: "test has fewer than 2 variants"}
	}

	// Conditional transition: the losing side of a concurrent start sees
	// no row updated and backs off.
	ok, err := s.repo.UpdateTestStatus(ctx, testID, domain.TestDraft, domain.TestRunning)
	if err != nil {
		return nil, fmt.Errorf("transition to running: %w", err)
	}
	if !ok {
		return &PilotResult{Status: StatusAlreadyStarted}, nil
	}

	audience, err := s.audience.Resolve(ctx, t.SegmentFilter)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	startedAt := s.now().UTC()
	pilot := SamplePilot(audience, t.SampleRatio)

	assignments := make([]domain.Assignment, 0, len(pilot))
	for i, member := range pilot {
		if !member.Reachable {
			continue
		}
		a := domain.Assignment{
			ID:             uuid.New(),
			TestID:         testID,
			VariantID:      variants[VariantIndexFor(i)].ID,
			UserID:         member.UserID,
			ChatID:         member.ChatID,
			DeliveryStatus: domain.DeliveryPending,
			AssignedAt:     startedAt,
		}
		if err := s.repo.CreateAssignment(ctx, &a); err != nil {
			if errors.Is(err, ErrDuplicateAssignment) {
				continue
			}
			return nil, fmt.Errorf("create assignment: %w", err)
		}
		assignments = append(assignments, a)
	}

	// pilot_size is the assigned pilot, after unreachable and duplicate
	// skips, so the stored and returned sizes agree.
	if err := s.repo.MarkStarted(ctx, testID, startedAt, len(audience), len(assignments)); err != nil {
		return nil, fmt.Errorf("mark started: %w", err)
	}

	log.Printf("[experiment.Service] Test %s: pilot of %d/%d assigned, delivering", testID, len(assignments), len(audience))

	delivery, err := s.deliverer.Deliver(ctx, t, variants, assignments)
	if err != nil {
		return nil, fmt.Errorf("pilot delivery: %w", err)
	}

	if _, err := s.repo.UpdateTestStatus(ctx, testID, domain.TestRunning, domain.TestObserve); err != nil {
		return nil, fmt.Errorf("transition to observe: %w", err)
	}
	s.scheduleSelection(ctx, testID, startedAt.Add(time.Duration(t.ObservationHours)*time.Hour))

	return &PilotResult{
		Status:       StatusStarted,
		AudienceSize: len(audience),
		PilotSize:    len(assignments),
		Delivery:     delivery,
	}, nil
}

// scheduleSelection registers a winner-selection callback with the external
// scheduler and remembers its job id. Scheduling is best effort: the
// background poller re-triggers selection regardless.
func (s *Service) scheduleSelection(ctx context.Context, testID uuid.UUID, runAt time.Time) {
	if s.scheduler == nil {
		return
	}
	jobID, err := s.scheduler.Schedule(func(cbCtx context.Context) {
		if _, err := s.SelectWinner(cbCtx, testID); err != nil {
			log.Printf("[experiment.Service] scheduled winner selection for %s failed: %v", testID, err)
		}
	}, runAt)
	if err != nil {
		log.Printf("[experiment.Service] schedule selection for %s: %v", testID, err)
		return
	}
	if err := s.repo.SetSelectionJob(ctx, testID, jobID); err != nil {
		log.Printf("[experiment.Service] persist selection job for %s: %v", testID, err)
	}
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Status string `json:"status"`
}

// Cancel moves a non-terminal test to cancelled. Terminal tests are left
// untouched and reported as already done; rows are never deleted, so
// cancelled tests remain available for audit and analytics.
func (s *Service) Cancel(ctx context.Context, testID uuid.UUID) (*CancelResult, error) {
	t, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return &CancelResult{Status: StatusAlreadyDone}, nil
	}

	ok, err := s.repo.UpdateTestStatus(ctx, testID, t.Status, domain.TestCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel test: %w", err)
	}
	if !ok {
		// Lost a race with another transition; re-read and report.
		return s.Cancel(ctx, testID)
	}

	if t.SelectionJobID != "" && s.scheduler != nil {
		s.scheduler.Cancel(t.SelectionJobID)
	}
	log.Printf("[experiment.Service] Test %s cancelled", testID)
	return &CancelResult{Status: StatusCancelled}, nil
}

// RecordEvent records an engagement event for the given user within a test.
// Recording is idempotent per (assignment, event type); the bool reports
// whether a new event row was created.
func (s *Service) RecordEvent(ctx context.Context, testID uuid.UUID, userID int64, et domain.EventType, meta map[string]interface{}) (bool, error) {
	if !et.Valid() {
		return false, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown type %q", et)}
	}
	a, err := s.repo.GetAssignment(ctx, testID, userID)
	if err != nil {
		return false, err
	}
	return s.repo.RecordEvent(ctx, &domain.Event{
		ID:           uuid.New(),
		TestID:       testID,
		VariantID:    a.VariantID,
		AssignmentID: a.ID,
		UserID:       userID,
		Type:         et,
		OccurredAt:   s.now().UTC(),
		Metadata:     meta,
	})
}

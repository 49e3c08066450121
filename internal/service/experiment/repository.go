package experiment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// Repository defines the data access contract for the experiment store.
// Implementations must be safe for concurrent use and must enforce the
// uniqueness invariants: (test_id, code) per variant, (test_id, user_id)
// per assignment, and (assignment_id, event_type) per event.
type Repository interface {
	// CreateTest atomically persists a test and its variants.
	CreateTest(ctx context.Context, t *domain.Test, variants []domain.Variant) error

	// GetTest returns a single test. Returns ErrNotFound if it doesn't exist.
	GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error)

	// ListTests returns tests filtered by status (all statuses when empty),
	// ordered by created_at DESC.
	ListTests(ctx context.Context, status domain.TestStatus, limit int) ([]domain.Test, error)

	// ListVariants returns the test's variants ordered by order_index.
	ListVariants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error)

	// UpdateTestStatus transitions a test's status. The optional expect
	// status makes the transition conditional: when non-empty, the update
	// applies only if the current status matches, and the returned bool
	// reports whether it did. This is the storage-level re-check behind the
	// soft lifecycle guards.
	UpdateTestStatus(ctx context.Context, id uuid.UUID, expect, next domain.TestStatus) (bool, error)

	// MarkStarted stamps started_at together with audience/pilot sizes.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time, audienceSize, pilotSize int) error

	// MarkFinished stamps finished_at.
	MarkFinished(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetObservationHours overwrites the observation window length.
	SetObservationHours(ctx context.Context, id uuid.UUID, hours int) error

	// SetSelectionJob stores the scheduler job id for the pending
	// winner-selection callback (empty clears it).
	SetSelectionJob(ctx context.Context, id uuid.UUID, jobID string) error

	// SetWinner records the winning variant and transitions the test to
	// winner_picked. The variant must belong to the test.
	SetWinner(ctx context.Context, id, variantID uuid.UUID) error

	// CreateAssignment inserts a pending assignment. Returns
	// ErrDuplicateAssignment if the user is already assigned to the test.
	CreateAssignment(ctx context.Context, a *domain.Assignment) error

	// GetAssignment returns the assignment for (testID, userID).
	// Returns ErrNotFound when the user is not part of the test.
	GetAssignment(ctx context.Context, testID uuid.UUID, userID int64) (*domain.Assignment, error)

	// ListAssignments returns the test's assignments in creation order,
	// optionally filtered by delivery status (empty means all).
	ListAssignments(ctx context.Context, testID uuid.UUID, status domain.DeliveryStatus) ([]domain.Assignment, error)

	// AssignedUserIDs returns the set of user ids already assigned to the
	// test. Used by the drip to exclude the pilot group.
	AssignedUserIDs(ctx context.Context, testID uuid.UUID) (map[int64]struct{}, error)

	// MarkAssignmentSent records a successful delivery. first_delivery_at is
	// only stamped the first time.
	MarkAssignmentSent(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkAssignmentFailed records a per-item delivery failure.
	MarkAssignmentFailed(ctx context.Context, id uuid.UUID, at time.Time, deliveryErr string) error

	// RecordEvent inserts an event unless one already exists for
	// (assignment_id, event_type). Returns true if a row was inserted,
	// false if it was deduplicated. Idempotency must survive restarts:
	// it is an insert-or-ignore on the storage key, not an in-memory set.
	RecordEvent(ctx context.Context, e *domain.Event) (bool, error)

	// CountsByVariant aggregates assignment and event rows into raw
	// per-variant counts, ordered by variant order_index.
	CountsByVariant(ctx context.Context, testID uuid.UUID) ([]VariantCounts, error)
}

// VariantCounts carries the raw per-variant counters the analytics engine
// derives rates from. Event counts are distinct-user by construction
// (events are unique per assignment and assignments unique per user).
type VariantCounts struct {
	VariantID    uuid.UUID `json:"variant_id"`
	Code         string    `json:"code"`
	Intended     int       `json:"intended"`
	Delivered    int       `json:"delivered"`
	Clicks       int       `json:"clicks"`
	Conversions  int       `json:"conversions"`
	Responses    int       `json:"responses"`
	Unsubscribed int       `json:"unsubscribed"`
}

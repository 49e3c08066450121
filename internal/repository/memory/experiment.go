// Package memory implements the experiment repository in process memory.
// It backs unit tests and the stub server; semantics (uniqueness
// constraints, conditional updates) match the Postgres implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// ExperimentRepo is an in-memory experiment.Repository. Safe for
// concurrent use.
type ExperimentRepo struct {
	mu          sync.Mutex
	tests       map[uuid.UUID]*domain.Test
	variants    map[uuid.UUID][]domain.Variant            // keyed by test id
	assignments map[uuid.UUID][]*domain.Assignment        // keyed by test id, creation order
	byUser      map[uuid.UUID]map[int64]*domain.Assignment // test id -> user id
	events      map[uuid.UUID]map[domain.EventType]*domain.Event // assignment id -> type
}

// NewExperimentRepo creates an empty in-memory repository.
func NewExperimentRepo() *ExperimentRepo {
	return &ExperimentRepo{
		tests:       make(map[uuid.UUID]*domain.Test),
		variants:    make(map[uuid.UUID][]domain.Variant),
		assignments: make(map[uuid.UUID][]*domain.Assignment),
		byUser:      make(map[uuid.UUID]map[int64]*domain.Assignment),
		events:      make(map[uuid.UUID]map[domain.EventType]*domain.Event),
	}
}

func (r *ExperimentRepo) CreateTest(_ context.Context, t *domain.Test, variants []domain.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tests[t.ID] = &cp
	r.variants[t.ID] = append([]domain.Variant(nil), variants...)
	r.byUser[t.ID] = make(map[int64]*domain.Assignment)
	return nil
}

func (r *ExperimentRepo) GetTest(_ context.Context, id uuid.UUID) (*domain.Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return nil, experiment.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *ExperimentRepo) ListTests(_ context.Context, status domain.TestStatus, limit int) ([]domain.Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Test
	for _, t := range r.tests {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ExperimentRepo) ListVariants(_ context.Context, testID uuid.UUID) ([]domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs := append([]domain.Variant(nil), r.variants[testID]...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].OrderIndex < vs[j].OrderIndex })
	return vs, nil
}

func (r *ExperimentRepo) UpdateTestStatus(_ context.Context, id uuid.UUID, expect, next domain.TestStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return false, experiment.ErrNotFound
	}
	if expect != "" && t.Status != expect {
		return false, nil
	}
	t.Status = next
	return true, nil
}

func (r *ExperimentRepo) MarkStarted(_ context.Context, id uuid.UUID, at time.Time, audienceSize, pilotSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return experiment.ErrNotFound
	}
	t.StartedAt = &at
	t.AudienceSize = audienceSize
	t.PilotSize = pilotSize
	return nil
}

func (r *ExperimentRepo) MarkFinished(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return experiment.ErrNotFound
	}
	t.FinishedAt = &at
	return nil
}

func (r *ExperimentRepo) SetObservationHours(_ context.Context, id uuid.UUID, hours int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return experiment.ErrNotFound
	}
	t.ObservationHours = hours
	return nil
}

func (r *ExperimentRepo) SetSelectionJob(_ context.Context, id uuid.UUID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return experiment.ErrNotFound
	}
	t.SelectionJobID = jobID
	return nil
}

func (r *ExperimentRepo) SetWinner(_ context.Context, id, variantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return experiment.ErrNotFound
	}
	owned := false
	for _, v := range r.variants[id] {
		if v.ID == variantID {
			owned = true
			break
		}
	}
	if !owned {
		return experiment.ErrNotFound
	}
	t.WinnerVariantID = &variantID
	t.Status = domain.TestWinnerPicked
	return nil
}

func (r *ExperimentRepo) CreateAssignment(_ context.Context, a *domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.byUser[a.TestID]
	if !ok {
		return experiment.ErrNotFound
	}
	if _, dup := users[a.UserID]; dup {
		return experiment.ErrDuplicateAssignment
	}
	cp := *a
	users[a.UserID] = &cp
	r.assignments[a.TestID] = append(r.assignments[a.TestID], &cp)
	return nil
}

func (r *ExperimentRepo) GetAssignment(_ context.Context, testID uuid.UUID, userID int64) (*domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byUser[testID][userID]
	if !ok {
		return nil, experiment.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *ExperimentRepo) ListAssignments(_ context.Context, testID uuid.UUID, status domain.DeliveryStatus) ([]domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Assignment
	for _, a := range r.assignments[testID] {
		if status != "" && a.DeliveryStatus != status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *ExperimentRepo) AssignedUserIDs(_ context.Context, testID uuid.UUID) (map[int64]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]struct{}, len(r.byUser[testID]))
	for uid := range r.byUser[testID] {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (r *ExperimentRepo) MarkAssignmentSent(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.findAssignment(id)
	if a == nil {
		return experiment.ErrNotFound
	}
	a.DeliveryStatus = domain.DeliverySent
	a.SentAt = &at
	a.DeliveredAt = &at
	if a.FirstDeliveryAt == nil {
		a.FirstDeliveryAt = &at
	}
	return nil
}

func (r *ExperimentRepo) MarkAssignmentFailed(_ context.Context, id uuid.UUID, at time.Time, deliveryErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.findAssignment(id)
	if a == nil {
		return experiment.ErrNotFound
	}
	a.DeliveryStatus = domain.DeliveryFailed
	a.FailedAt = &at
	a.DeliveryError = deliveryErr
	return nil
}

func (r *ExperimentRepo) RecordEvent(_ context.Context, e *domain.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.events[e.AssignmentID]
	if !ok {
		byType = make(map[domain.EventType]*domain.Event)
		r.events[e.AssignmentID] = byType
	}
	if _, dup := byType[e.Type]; dup {
		return false, nil
	}
	cp := *e
	byType[e.Type] = &cp
	return true, nil
}

func (r *ExperimentRepo) CountsByVariant(_ context.Context, testID uuid.UUID) ([]experiment.VariantCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs := append([]domain.Variant(nil), r.variants[testID]...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].OrderIndex < vs[j].OrderIndex })

	idx := make(map[uuid.UUID]int, len(vs))
	counts := make([]experiment.VariantCounts, len(vs))
	for i, v := range vs {
		idx[v.ID] = i
		counts[i] = experiment.VariantCounts{VariantID: v.ID, Code: v.Code}
	}

	for _, a := range r.assignments[testID] {
		i, ok := idx[a.VariantID]
		if !ok {
			continue
		}
		counts[i].Intended++
		if a.DeliveryStatus == domain.DeliverySent || a.DeliveredAt != nil {
			counts[i].Delivered++
		}
		for _, e := range r.events[a.ID] {
			switch e.Type {
			case domain.EventClicked:
				counts[i].Clicks++
			case domain.EventLeadCreated:
				counts[i].Conversions++
			case domain.EventReplied:
				counts[i].Responses++
			case domain.EventUnsubscribed:
				counts[i].Unsubscribed++
			}
		}
	}
	return counts, nil
}

func (r *ExperimentRepo) findAssignment(id uuid.UUID) *domain.Assignment {
	for _, list := range r.assignments {
		for _, a := range list {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}

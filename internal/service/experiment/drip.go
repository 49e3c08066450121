package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// DripResult is the outcome of StartWinnerDrip.
type DripResult struct {
	Status   string          `json:"status"`
	Queued   int             `json:"queued,omitempty"`
	Delivery *DeliveryResult `json:"delivery,omitempty"`
}

// StartWinnerDrip delivers the winning variant to the remaining audience:
// everyone the segment filter resolves to who was not part of the pilot.
// On completion the test is finalized.
//
// Unless a winner has been picked the call is a no-op with status
// "not_ready", so schedulers can trigger it blindly.
func (s *Service) StartWinnerDrip(ctx context.Context, testID uuid.UUID) (*DripResult, error) {
	t, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TestWinnerPicked || t.WinnerVariantID == nil {
		return &DripResult{Status: StatusNotReady}, nil
	}

	variants, err := s.repo.ListVariants(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	var winner *domain.Variant
	for i := range variants {
		if variants[i].ID == *t.WinnerVariantID {
			winner = &variants[i]
			break
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("winner variant %s does not belong to test %s", t.WinnerVariantID, testID)
	}

	audience, err := s.audience.Resolve(ctx, t.SegmentFilter)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	assigned, err := s.repo.AssignedUserIDs(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load pilot assignments: %w", err)
	}

	now := s.now().UTC()
	assignments := make([]domain.Assignment, 0, len(audience))
	for _, member := range audience {
		if _, inPilot := assigned[member.UserID]; inPilot {
			continue
		}
		if !member.Reachable {
			continue
		}
		a := domain.Assignment{
			ID:             uuid.New(),
			TestID:         testID,
			VariantID:      winner.ID,
			UserID:         member.UserID,
			ChatID:         member.ChatID,
			DeliveryStatus: domain.DeliveryPending,
			AssignedAt:     now,
		}
		if err := s.repo.CreateAssignment(ctx, &a); err != nil {
			if errors.Is(err, ErrDuplicateAssignment) {
				continue
			}
			return nil, fmt.Errorf("create drip assignment: %w", err)
		}
		assignments = append(assignments, a)
	}

	log.Printf("[experiment.Service] Test %s: dripping winner %s to %d remaining recipients",
		testID, winner.Code, len(assignments))

	delivery, err := s.deliverer.Deliver(ctx, t, variants, assignments)
	if err != nil {
		return nil, fmt.Errorf("drip delivery: %w", err)
	}

	if _, err := s.repo.UpdateTestStatus(ctx, testID, domain.TestWinnerPicked, domain.TestCompleted); err != nil {
		return nil, fmt.Errorf("transition to completed: %w", err)
	}
	if err := s.repo.MarkFinished(ctx, testID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("mark finished: %w", err)
	}

	return &DripResult{
		Status:   StatusCompleted,
		Queued:   len(assignments),
		Delivery: delivery,
	}, nil
}

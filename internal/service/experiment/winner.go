package experiment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// WinnerResult is the outcome of SelectWinner.
type WinnerResult struct {
	Status          string     `json:"status"`
	WinnerVariantID *uuid.UUID `json:"winner_variant_id,omitempty"`
	WinnerCode      string     `json:"winner_code,omitempty"`
	ObserveUntil    time.Time  `json:"observe_until,omitempty"`
	TotalDelivered  int        `json:"total_delivered,omitempty"`
}

// SelectWinner evaluates the observation window and picks the winning
// variant by the test's configured metric.
//
// The operation is polling-driven and decides only when both gates pass:
// the window has elapsed AND at least MinSampleSize messages were
// delivered. A thin sample stretches the window by ExtensionHours and
// reschedules — even when the original window has already elapsed — so
// the next trigger finds more data rather than crowning a winner on
// noise. Once both gates pass it ranks variants; an exact tie on the
// primary metric goes to the variant with the lower unsubscribe rate.
//
// Calls outside the observe state are non-mutating no-ops.
func (s *Service) SelectWinner(ctx context.Context, testID uuid.UUID) (*WinnerResult, error) {
	t, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TestObserve {
		return &WinnerResult{Status: StatusNotReady}, nil
	}
	if t.StartedAt == nil {
		return nil, fmt.Errorf("test %s is observing but has no start time", testID)
	}

	report, err := s.Analyze(ctx, testID)
	if err != nil {
		return nil, err
	}

	observeUntil := t.ObserveUntil()
	now := s.now().UTC()

	// Sample-size gate first: a thin sample defers the decision even when
	// the window has already elapsed.
	if report.TotalDelivered < MinSampleSize {
		hours := t.ObservationHours + ExtensionHours
		if err := s.repo.SetObservationHours(ctx, testID, hours); err != nil {
			return nil, fmt.Errorf("extend observation: %w", err)
		}
		newUntil := t.StartedAt.Add(time.Duration(hours) * time.Hour)
		s.scheduleSelection(ctx, testID, newUntil)
		log.Printf("[experiment.Service] Test %s: %d delivered < %d, observation extended to %dh",
			testID, report.TotalDelivered, MinSampleSize, hours)
		return &WinnerResult{
			Status:         StatusExtended,
			ObserveUntil:   newUntil,
			TotalDelivered: report.TotalDelivered,
		}, nil
	}
	if now.Before(observeUntil) {
		// Enough data but the window hasn't elapsed: keep observing.
		return &WinnerResult{
			Status:         StatusObserving,
			ObserveUntil:   observeUntil,
			TotalDelivered: report.TotalDelivered,
		}, nil
	}

	winner := pickWinner(report.Variants, t.Metric)
	if winner == nil {
		return nil, fmt.Errorf("test %s has no variants to rank", testID)
	}

	if err := s.repo.SetWinner(ctx, testID, winner.VariantID); err != nil {
		return nil, fmt.Errorf("set winner: %w", err)
	}
	log.Printf("[experiment.Service] Test %s: winner %s by %s (%.4f)",
		testID, winner.Code, t.Metric, winner.MetricRate(t.Metric))

	return &WinnerResult{
		Status:          StatusWinnerPicked,
		WinnerVariantID: &winner.VariantID,
		WinnerCode:      winner.Code,
		ObserveUntil:    observeUntil,
		TotalDelivered:  report.TotalDelivered,
	}, nil
}

// pickWinner ranks variants by the primary metric; an exact tie prefers the
// lower unsubscribe rate. Order of the input breaks any remaining tie.
func pickWinner(variants []VariantReport, metric domain.Metric) *VariantReport {
	if len(variants) == 0 {
		return nil
	}
	best := &variants[0]
	for i := 1; i < len(variants); i++ {
		v := &variants[i]
		rate, bestRate := v.MetricRate(metric), best.MetricRate(metric)
		if rate > bestRate || (rate == bestRate && v.UnsubRate < best.UnsubRate) {
			best = v
		}
	}
	return best
}

package experiment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// VariantReport is one variant's raw counts plus derived rates. Every rate
// is defined as 0 when its denominator is 0.
type VariantReport struct {
	VariantCounts

	CTR          float64 `json:"ctr"`
	CR           float64 `json:"cr"`
	DeliveryRate float64 `json:"delivery_rate"`
	ResponseRate float64 `json:"response_rate"`
	UnsubRate    float64 `json:"unsub_rate"`
}

// Report is the pull-based aggregation of a test's assignment and event
// rows, computed on demand.
//
// Leaderboard is a descriptive summary ranking (conversions, then ctr,
// then code) used for display only; the authoritative decision is made by
// SelectWinner with the test's configured metric.
type Report struct {
	TestID         uuid.UUID         `json:"test_id"`
	Name           string            `json:"name"`
	Metric         domain.Metric     `json:"metric"`
	Status         domain.TestStatus `json:"status"`
	Variants       []VariantReport   `json:"variants"`
	Leaderboard    string            `json:"leaderboard,omitempty"`
	TotalDelivered int               `json:"total_delivered"`
}

// Analyze aggregates stored rows into per-variant rates for the test.
func (s *Service) Analyze(ctx context.Context, testID uuid.UUID) (*Report, error) {
	t, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountsByVariant(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("aggregate counts: %w", err)
	}

	r := &Report{
		TestID:   t.ID,
		Name:     t.Name,
		Metric:   t.Metric,
		Status:   t.Status,
		Variants: make([]VariantReport, 0, len(counts)),
	}
	for _, c := range counts {
		r.Variants = append(r.Variants, VariantReport{
			VariantCounts: c,
			CTR:           ratio(c.Clicks, c.Delivered),
			CR:            ratio(c.Conversions, c.Delivered),
			DeliveryRate:  ratio(c.Delivered, c.Intended),
			ResponseRate:  ratio(c.Responses, c.Delivered),
			UnsubRate:     ratio(c.Unsubscribed, c.Delivered),
		})
		r.TotalDelivered += c.Delivered
	}
	r.Leaderboard = leaderboard(r.Variants)
	return r, nil
}

// MetricRate returns the variant's value of the given decision metric.
func (v *VariantReport) MetricRate(m domain.Metric) float64 {
	if m == domain.MetricCR {
		return v.CR
	}
	return v.CTR
}

// leaderboard picks the display winner: the variant maximizing
// (conversions, ctr, code). Deliberately distinct from the authoritative
// metric-driven selection.
func leaderboard(variants []VariantReport) string {
	if len(variants) == 0 {
		return ""
	}
	best := 0
	for i := 1; i < len(variants); i++ {
		v, b := &variants[i], &variants[best]
		switch {
		case v.Conversions != b.Conversions:
			if v.Conversions > b.Conversions {
				best = i
			}
		case v.CTR != b.CTR:
			if v.CTR > b.CTR {
				best = i
			}
		case v.Code > b.Code:
			best = i
		}
	}
	return variants[best].Code
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

package experiment_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

func TestSelectWinnerNotObserving(t *testing.T) {
	h := newHarness(10)
	test := h.createTest(t)

	res, err := h.svc.SelectWinner(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusNotReady {
		t.Errorf("status = %s, want not_ready on a draft test", res.Status)
	}
}

func TestSelectWinnerExtendsThinObservation(t *testing.T) {
	h := newHarness(10)
	test := h.createTest(t, func(in *experiment.CreateInput) { in.SampleRatio = 1 })
	ctx := context.Background()

	if _, err := h.svc.StartPilot(ctx, test.ID); err != nil {
		t.Fatalf("StartPilot: %v", err)
	}
	jobsAfterStart := len(h.scheduler.scheduled)

	// Window is still open and only 10 messages went out.
	res, err := h.svc.SelectWinner(ctx, test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusExtended {
		t.Fatalf("status = %s, want extended", res.Status)
	}
	if res.TotalDelivered != 10 {
		t.Errorf("total delivered = %d, want 10", res.TotalDelivered)
	}

	got, _ := h.repo.GetTest(ctx, test.ID)
	if got.ObservationHours != 24+experiment.ExtensionHours {
		t.Errorf("observation hours = %d, want %d", got.ObservationHours, 24+experiment.ExtensionHours)
	}
	if got.Status != domain.TestObserve {
		t.Errorf("status = %s, want still observe", got.Status)
	}
	if len(h.scheduler.scheduled) != jobsAfterStart+1 {
		t.Errorf("no reschedule after extension")
	}
}

func TestSelectWinnerKeepsObservingWithEnoughData(t *testing.T) {
	h := newHarness(1000)
	test := h.createTest(t, func(in *experiment.CreateInput) { in.SampleRatio = 0.2 })
	ctx := context.Background()

	if _, err := h.svc.StartPilot(ctx, test.ID); err != nil {
		t.Fatalf("StartPilot: %v", err)
	}

	res, err := h.svc.SelectWinner(ctx, test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusObserving {
		t.Fatalf("status = %s, want observing with %d delivered", res.Status, res.TotalDelivered)
	}

	got, _ := h.repo.GetTest(ctx, test.ID)
	if got.ObservationHours != 24 {
		t.Errorf("window extended despite sufficient sample")
	}
}

func TestSelectWinnerPicksByCTR(t *testing.T) {
	h := newHarness(200)
	test := h.createTest(t, func(in *experiment.CreateInput) {
		in.SampleRatio = 1
		in.Metric = domain.MetricCTR
	})
	ctx := context.Background()
	h.startObserving(t, test, 25*time.Hour)

	// Odd user IDs hold variant A, even hold B.
	for _, userID := range []int64{1, 3, 5} {
		mustRecord(t, h, test.ID, userID, domain.EventClicked)
	}
	mustRecord(t, h, test.ID, 2, domain.EventClicked)

	res, err := h.svc.SelectWinner(ctx, test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusWinnerPicked {
		t.Fatalf("status = %s, want winner_picked", res.Status)
	}
	if res.WinnerCode != "A" {
		t.Errorf("winner = %s, want A (3/100 vs 1/100 clicks)", res.WinnerCode)
	}

	got, _ := h.repo.GetTest(ctx, test.ID)
	if got.Status != domain.TestWinnerPicked || got.WinnerVariantID == nil {
		t.Errorf("winner not persisted: status=%s winner=%v", got.Status, got.WinnerVariantID)
	}

	// Selection is settled; a repeat trigger must not flip anything.
	res, err = h.svc.SelectWinner(ctx, test.ID)
	if err != nil {
		t.Fatalf("repeat SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusNotReady {
		t.Errorf("repeat status = %s, want not_ready", res.Status)
	}
}

func TestSelectWinnerPicksByConversionMetric(t *testing.T) {
	h := newHarness(200)
	test := h.createTest(t, func(in *experiment.CreateInput) {
		in.SampleRatio = 1
		in.Metric = domain.MetricCR
	})
	h.startObserving(t, test, 25*time.Hour)

	// A gets all the clicks, B gets the lead. The conversion metric must win.
	for _, userID := range []int64{1, 3, 5, 7, 9} {
		mustRecord(t, h, test.ID, userID, domain.EventClicked)
	}
	mustRecord(t, h, test.ID, 2, domain.EventLeadCreated)

	res, err := h.svc.SelectWinner(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.WinnerCode != "B" {
		t.Errorf("winner = %s, want B by conversions", res.WinnerCode)
	}
}

func TestSelectWinnerTieBreaksOnUnsubRate(t *testing.T) {
	h := newHarness(200)
	test := h.createTest(t, func(in *experiment.CreateInput) { in.SampleRatio = 1 })
	h.startObserving(t, test, 25*time.Hour)

	// Equal CTR on both sides, but A annoys one recipient into leaving.
	mustRecord(t, h, test.ID, 1, domain.EventClicked)
	mustRecord(t, h, test.ID, 2, domain.EventClicked)
	mustRecord(t, h, test.ID, 3, domain.EventUnsubscribed)

	res, err := h.svc.SelectWinner(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.WinnerCode != "B" {
		t.Errorf("winner = %s, want B via lower unsubscribe rate", res.WinnerCode)
	}
}

func TestSelectWinnerThinSampleAfterWindowExtends(t *testing.T) {
	// The window elapsed but only 150 of the 200-message floor went out.
	// No winner is crowned on noise: the window stretches to 36 hours and
	// the decision waits for the next trigger.
	h := newHarness(150)
	test := h.createTest(t, func(in *experiment.CreateInput) { in.SampleRatio = 1 })
	ctx := context.Background()
	h.startObserving(t, test, 25*time.Hour)
	jobsBefore := len(h.scheduler.scheduled)

	res, err := h.svc.SelectWinner(ctx, test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusExtended {
		t.Fatalf("status = %s, want extended with %d delivered", res.Status, res.TotalDelivered)
	}
	if res.TotalDelivered != 150 {
		t.Errorf("total delivered = %d, want 150", res.TotalDelivered)
	}

	got, _ := h.repo.GetTest(ctx, test.ID)
	if got.ObservationHours != 36 {
		t.Errorf("observation hours = %d, want 36", got.ObservationHours)
	}
	if got.Status != domain.TestObserve {
		t.Errorf("status = %s, want still observe", got.Status)
	}
	if got.WinnerVariantID != nil {
		t.Errorf("winner set on a thin sample: %v", got.WinnerVariantID)
	}
	if len(h.scheduler.scheduled) != jobsBefore+1 {
		t.Errorf("no reschedule after extension")
	}
}

func TestSelectWinnerDecidesOnceSampleFloorMet(t *testing.T) {
	// Both gates pass: window elapsed and 200 delivered.
	h := newHarness(200)
	test := h.createTest(t, func(in *experiment.CreateInput) { in.SampleRatio = 1 })
	h.startObserving(t, test, 25*time.Hour)

	res, err := h.svc.SelectWinner(context.Background(), test.ID)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if res.Status != experiment.StatusWinnerPicked {
		t.Errorf("status = %s, want winner_picked at the sample floor", res.Status)
	}
}

func mustRecord(t *testing.T, h *harness, testID uuid.UUID, userID int64, et domain.EventType) {
	t.Helper()
	if _, err := h.svc.RecordEvent(context.Background(), testID, userID, et, nil); err != nil {
		t.Fatalf("RecordEvent(%d, %s): %v", userID, et, err)
	}
}

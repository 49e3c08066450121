package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

func seedTest(t *testing.T, repo *ExperimentRepo) (*domain.Test, []domain.Variant) {
	t.Helper()
	now := time.Now().UTC()
	test := &domain.Test{
		ID:               uuid.New(),
		Name:             "seed",
		Metric:           domain.MetricCTR,
		SampleRatio:      0.2,
		ObservationHours: 24,
		Status:           domain.TestDraft,
		CreatedAt:        now,
	}
	variants := []domain.Variant{
		{ID: uuid.New(), TestID: test.ID, Code: "A", OrderIndex: 0},
		{ID: uuid.New(), TestID: test.ID, Code: "B", OrderIndex: 1},
	}
	if err := repo.CreateTest(context.Background(), test, variants); err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	return test, variants
}

func TestDuplicateAssignmentRejected(t *testing.T) {
	repo := NewExperimentRepo()
	test, variants := seedTest(t, repo)
	ctx := context.Background()

	a := domain.Assignment{
		ID: uuid.New(), TestID: test.ID, VariantID: variants[0].ID,
		UserID: 1, ChatID: 10, DeliveryStatus: domain.DeliveryPending,
	}
	if err := repo.CreateAssignment(ctx, &a); err != nil {
		t.Fatalf("first assignment: %v", err)
	}

	dup := domain.Assignment{
		ID: uuid.New(), TestID: test.ID, VariantID: variants[1].ID,
		UserID: 1, ChatID: 10, DeliveryStatus: domain.DeliveryPending,
	}
	if err := repo.CreateAssignment(ctx, &dup); !errors.Is(err, experiment.ErrDuplicateAssignment) {
		t.Fatalf("err = %v, want ErrDuplicateAssignment", err)
	}

	// The user keeps their original variant.
	got, err := repo.GetAssignment(ctx, test.ID, 1)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if got.VariantID != variants[0].ID {
		t.Error("duplicate overwrote the original assignment")
	}
}

func TestGetAssignmentNotFound(t *testing.T) {
	repo := NewExperimentRepo()
	test, _ := seedTest(t, repo)

	_, err := repo.GetAssignment(context.Background(), test.ID, 42)
	if !errors.Is(err, experiment.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetWinnerRequiresOwnedVariant(t *testing.T) {
	repo := NewExperimentRepo()
	test, variants := seedTest(t, repo)
	other, otherVariants := seedTest(t, repo)
	ctx := context.Background()

	if err := repo.SetWinner(ctx, test.ID, otherVariants[0].ID); err == nil {
		t.Fatal("foreign variant accepted as winner")
	}
	if err := repo.SetWinner(ctx, test.ID, variants[1].ID); err != nil {
		t.Fatalf("own variant rejected: %v", err)
	}

	got, _ := repo.GetTest(ctx, test.ID)
	if got.WinnerVariantID == nil || *got.WinnerVariantID != variants[1].ID {
		t.Error("winner not persisted")
	}
	if got.Status != domain.TestWinnerPicked {
		t.Errorf("status = %s, want winner_picked", got.Status)
	}

	otherGot, _ := repo.GetTest(ctx, other.ID)
	if otherGot.WinnerVariantID != nil {
		t.Error("unrelated test mutated")
	}
}

func TestMarkAssignmentSentSetsFirstDeliveryOnce(t *testing.T) {
	repo := NewExperimentRepo()
	test, variants := seedTest(t, repo)
	ctx := context.Background()

	a := domain.Assignment{
		ID: uuid.New(), TestID: test.ID, VariantID: variants[0].ID,
		UserID: 1, ChatID: 10, DeliveryStatus: domain.DeliveryPending,
	}
	if err := repo.CreateAssignment(ctx, &a); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	first := time.Now().UTC().Add(-time.Hour)
	if err := repo.MarkAssignmentSent(ctx, a.ID, first); err != nil {
		t.Fatalf("MarkAssignmentSent: %v", err)
	}
	second := time.Now().UTC()
	if err := repo.MarkAssignmentSent(ctx, a.ID, second); err != nil {
		t.Fatalf("second MarkAssignmentSent: %v", err)
	}

	got, _ := repo.GetAssignment(ctx, test.ID, 1)
	if got.FirstDeliveryAt == nil || !got.FirstDeliveryAt.Equal(first) {
		t.Errorf("first_delivery_at = %v, want the original %v", got.FirstDeliveryAt, first)
	}
	if got.SentAt == nil || !got.SentAt.Equal(second) {
		t.Errorf("sent_at = %v, want the latest %v", got.SentAt, second)
	}
}

func TestListTestsFiltersAndLimits(t *testing.T) {
	repo := NewExperimentRepo()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedTest(t, repo)
	}
	running, _ := seedTest(t, repo)
	if ok, err := repo.UpdateTestStatus(ctx, running.ID, domain.TestDraft, domain.TestRunning); err != nil || !ok {
		t.Fatalf("UpdateTestStatus: ok=%v err=%v", ok, err)
	}

	drafts, err := repo.ListTests(ctx, domain.TestDraft, 10)
	if err != nil {
		t.Fatalf("ListTests: %v", err)
	}
	if len(drafts) != 3 {
		t.Errorf("drafts = %d, want 3", len(drafts))
	}

	limited, err := repo.ListTests(ctx, domain.TestDraft, 2)
	if err != nil {
		t.Fatalf("ListTests limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	all, err := repo.ListTests(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListTests all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("all = %d, want 4", len(all))
	}
}

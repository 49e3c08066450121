package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return db, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestUpdateTestStatusConditional(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE ab_tests SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(string(domain.TestRunning), id, string(domain.TestDraft)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateTestStatus(context.Background(), id, domain.TestDraft, domain.TestRunning)
	if err != nil {
		t.Fatalf("UpdateTestStatus: %v", err)
	}
	if !ok {
		t.Error("expected transition to win")
	}
}

func TestUpdateTestStatusLosesRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)
	id := uuid.New()

	// Another worker already moved the row; zero rows match the guard.
	mock.ExpectExec(`UPDATE ab_tests SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateTestStatus(context.Background(), id, domain.TestDraft, domain.TestRunning)
	if err != nil {
		t.Fatalf("UpdateTestStatus: %v", err)
	}
	if ok {
		t.Error("lost race must report false")
	}
}

func TestCreateAssignmentDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec(`INSERT INTO ab_assignments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_ab_assignment_user"})

	err := repo.CreateAssignment(context.Background(), &domain.Assignment{
		ID:             uuid.New(),
		TestID:         uuid.New(),
		VariantID:      uuid.New(),
		UserID:         7,
		ChatID:         70,
		DeliveryStatus: domain.DeliveryPending,
		AssignedAt:     time.Now(),
	})
	if !errors.Is(err, experiment.ErrDuplicateAssignment) {
		t.Fatalf("err = %v, want ErrDuplicateAssignment", err)
	}
}

func TestCreateAssignmentOtherErrorPassesThrough(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec(`INSERT INTO ab_assignments`).
		WillReturnError(&pq.Error{Code: "23503"})

	err := repo.CreateAssignment(context.Background(), &domain.Assignment{ID: uuid.New()})
	if err == nil || errors.Is(err, experiment.ErrDuplicateAssignment) {
		t.Fatalf("err = %v, want plain failure", err)
	}
}

func TestRecordEventIdempotent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)
	ev := &domain.Event{
		ID:           uuid.New(),
		TestID:       uuid.New(),
		VariantID:    uuid.New(),
		AssignmentID: uuid.New(),
		UserID:       3,
		Type:         domain.EventClicked,
		OccurredAt:   time.Now(),
	}

	mock.ExpectExec(`INSERT INTO ab_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ab_events`).WillReturnResult(sqlmock.NewResult(0, 0))

	recorded, err := repo.RecordEvent(context.Background(), ev)
	if err != nil || !recorded {
		t.Fatalf("first insert: recorded=%v err=%v", recorded, err)
	}
	recorded, err = repo.RecordEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if recorded {
		t.Error("conflict row reported as recorded")
	}
}

func TestSetWinnerRejectsForeignVariant(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	// Ownership subquery filters out variants of other tests.
	mock.ExpectExec(`UPDATE ab_tests`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetWinner(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, experiment.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateTestCommitsTransaction(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	now := time.Now().UTC()
	test := &domain.Test{
		ID:               uuid.New(),
		Name:             "tx",
		Metric:           domain.MetricCTR,
		SampleRatio:      0.2,
		ObservationHours: 24,
		Status:           domain.TestDraft,
		CreatedAt:        now,
	}
	variants := []domain.Variant{
		{ID: uuid.New(), TestID: test.ID, Code: "A", OrderIndex: 0, CreatedAt: now},
		{ID: uuid.New(), TestID: test.ID, Code: "B", OrderIndex: 1, CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ab_tests`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ab_variants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ab_variants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.CreateTest(context.Background(), test, variants); err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
}

func TestCountsByVariant(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)
	testID := uuid.New()
	va, vb := uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "code", "intended", "delivered", "clicks", "conversions", "responses", "unsubscribed",
	}).
		AddRow(va, "A", 10, 9, 4, 1, 2, 0).
		AddRow(vb, "B", 10, 10, 3, 2, 1, 1)
	mock.ExpectQuery(`SELECT v.id, v.code`).WithArgs(testID).WillReturnRows(rows)

	counts, err := repo.CountsByVariant(context.Background(), testID)
	if err != nil {
		t.Fatalf("CountsByVariant: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("counts = %d, want 2", len(counts))
	}
	if counts[0].Code != "A" || counts[0].Delivered != 9 || counts[0].Clicks != 4 {
		t.Errorf("A = %+v", counts[0])
	}
	if counts[1].Conversions != 2 || counts[1].Unsubscribed != 1 {
		t.Errorf("B = %+v", counts[1])
	}
}

func TestAudienceRepoRejectsUnknownFilterKey(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewAudienceRepo(db)

	_, err := repo.Resolve(context.Background(), domain.SegmentFilter{"favorite_color": "red"})
	if err == nil {
		t.Fatal("unknown filter key accepted")
	}
}

func TestAudienceRepoResolve(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewAudienceRepo(db)

	rows := sqlmock.NewRows([]string{"user_id", "chat_id", "reachable"}).
		AddRow(1, 100, true).
		AddRow(2, 200, true)
	mock.ExpectQuery(`SELECT user_id, chat_id`).WithArgs("en").WillReturnRows(rows)

	members, err := repo.Resolve(context.Background(), domain.SegmentFilter{"language": "en"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(members) != 2 || members[0].UserID != 1 || members[1].ChatID != 200 {
		t.Fatalf("members = %+v", members)
	}
}

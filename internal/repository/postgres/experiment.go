package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// ExperimentRepo implements experiment.Repository against PostgreSQL.
type ExperimentRepo struct{ db *sql.DB }

// NewExperimentRepo creates a Postgres-backed experiment repository.
func NewExperimentRepo(db *sql.DB) *ExperimentRepo { return &ExperimentRepo{db: db} }

func (r *ExperimentRepo) CreateTest(ctx context.Context, t *domain.Test, variants []domain.Variant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	filter, err := json.Marshal(t.SegmentFilter)
	if err != nil {
		return fmt.Errorf("marshal segment filter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_tests (
			id, name, metric, sample_ratio, observation_hours,
			segment_filter, status, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Name, t.Metric, t.SampleRatio, t.ObservationHours,
		filter, t.Status, t.CreatedBy, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert test: %w", err)
	}

	for _, v := range variants {
		media, err := json.Marshal(v.Media)
		if err != nil {
			return fmt.Errorf("marshal media: %w", err)
		}
		buttons, err := json.Marshal(v.Buttons)
		if err != nil {
			return fmt.Errorf("marshal buttons: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ab_variants (id, test_id, code, title, body, media, buttons, order_index, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, v.ID, v.TestID, v.Code, v.Title, v.Body, media, buttons, v.OrderIndex, v.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Code, err)
		}
	}

	return tx.Commit()
}

func (r *ExperimentRepo) GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error) {
	t := &domain.Test{}
	var filter []byte
	var winner sql.NullString
	var jobID sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, metric, sample_ratio, observation_hours, segment_filter,
		       status, winner_variant_id, created_by, audience_size, pilot_size,
		       COALESCE(selection_job_id, ''), started_at, finished_at, created_at
		FROM ab_tests
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.Name, &t.Metric, &t.SampleRatio, &t.ObservationHours, &filter,
		&t.Status, &winner, &t.CreatedBy, &t.AudienceSize, &t.PilotSize,
		&jobID, &startedAt, &finishedAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, experiment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}

	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &t.SegmentFilter); err != nil {
			return nil, fmt.Errorf("unmarshal segment filter: %w", err)
		}
	}
	if winner.Valid {
		wid, err := uuid.Parse(winner.String)
		if err != nil {
			return nil, fmt.Errorf("parse winner id: %w", err)
		}
		t.WinnerVariantID = &wid
	}
	t.SelectionJobID = jobID.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return t, nil
}

func (r *ExperimentRepo) ListTests(ctx context.Context, status domain.TestStatus, limit int) ([]domain.Test, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, name, metric, sample_ratio, observation_hours, status,
		       winner_variant_id, created_by, audience_size, pilot_size,
		       started_at, finished_at, created_at
		FROM ab_tests`
	args := []interface{}{}
	if status != "" {
		q += " WHERE status = $1"
		args = append(args, status)
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var out []domain.Test
	for rows.Next() {
		var t domain.Test
		var winner sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Metric, &t.SampleRatio, &t.ObservationHours, &t.Status,
			&winner, &t.CreatedBy, &t.AudienceSize, &t.PilotSize,
			&startedAt, &finishedAt, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		if winner.Valid {
			if wid, err := uuid.Parse(winner.String); err == nil {
				t.WinnerVariantID = &wid
			}
		}
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			t.FinishedAt = &finishedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) ListVariants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_id, code, title, body, media, buttons, order_index, created_at
		FROM ab_variants
		WHERE test_id = $1
		ORDER BY order_index
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []domain.Variant
	for rows.Next() {
		var v domain.Variant
		var media, buttons []byte
		if err := rows.Scan(&v.ID, &v.TestID, &v.Code, &v.Title, &v.Body, &media, &buttons, &v.OrderIndex, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if len(media) > 0 {
			if err := json.Unmarshal(media, &v.Media); err != nil {
				return nil, fmt.Errorf("unmarshal media: %w", err)
			}
		}
		if len(buttons) > 0 {
			if err := json.Unmarshal(buttons, &v.Buttons); err != nil {
				return nil, fmt.Errorf("unmarshal buttons: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) UpdateTestStatus(ctx context.Context, id uuid.UUID, expect, next domain.TestStatus) (bool, error) {
	var res sql.Result
	var err error
	if expect == "" {
		res, err = r.db.ExecContext(ctx,
			`UPDATE ab_tests SET status = $1 WHERE id = $2`, next, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE ab_tests SET status = $1 WHERE id = $2 AND status = $3`, next, id, expect)
	}
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *ExperimentRepo) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time, audienceSize, pilotSize int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests SET started_at = $1, audience_size = $2, pilot_size = $3 WHERE id = $4
	`, at, audienceSize, pilotSize, id)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) MarkFinished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ab_tests SET finished_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) SetObservationHours(ctx context.Context, id uuid.UUID, hours int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ab_tests SET observation_hours = $1 WHERE id = $2`, hours, id)
	if err != nil {
		return fmt.Errorf("set observation hours: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) SetSelectionJob(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ab_tests SET selection_job_id = NULLIF($1, '') WHERE id = $2`, jobID, id)
	if err != nil {
		return fmt.Errorf("set selection job: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) SetWinner(ctx context.Context, id, variantID uuid.UUID) error {
	// The subquery enforces the ownership invariant: a winner must be one
	// of this test's variants.
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests
		SET winner_variant_id = $1, status = $2
		WHERE id = $3
		  AND EXISTS (SELECT 1 FROM ab_variants v WHERE v.id = $1 AND v.test_id = $3)
	`, variantID, domain.TestWinnerPicked, id)
	if err != nil {
		return fmt.Errorf("set winner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return experiment.ErrNotFound
	}
	return nil
}

func (r *ExperimentRepo) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ab_assignments (id, test_id, variant_id, user_id, chat_id, delivery_status, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.TestID, a.VariantID, a.UserID, a.ChatID, a.DeliveryStatus, a.AssignedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return experiment.ErrDuplicateAssignment
		}
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) GetAssignment(ctx context.Context, testID uuid.UUID, userID int64) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	var firstAt, sentAt, deliveredAt, failedAt sql.NullTime
	var deliveryErr sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, test_id, variant_id, user_id, chat_id, delivery_status,
		       first_delivery_at, sent_at, delivered_at, failed_at, delivery_error, assigned_at
		FROM ab_assignments
		WHERE test_id = $1 AND user_id = $2
	`, testID, userID).Scan(
		&a.ID, &a.TestID, &a.VariantID, &a.UserID, &a.ChatID, &a.DeliveryStatus,
		&firstAt, &sentAt, &deliveredAt, &failedAt, &deliveryErr, &a.AssignedAt,
	)
	if err == sql.ErrNoRows {
		return nil, experiment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if firstAt.Valid {
		a.FirstDeliveryAt = &firstAt.Time
	}
	if sentAt.Valid {
		a.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		a.DeliveredAt = &deliveredAt.Time
	}
	if failedAt.Valid {
		a.FailedAt = &failedAt.Time
	}
	a.DeliveryError = deliveryErr.String
	return a, nil
}

func (r *ExperimentRepo) ListAssignments(ctx context.Context, testID uuid.UUID, status domain.DeliveryStatus) ([]domain.Assignment, error) {
	q := `
		SELECT id, test_id, variant_id, user_id, chat_id, delivery_status,
		       first_delivery_at, sent_at, delivered_at, failed_at, delivery_error, assigned_at
		FROM ab_assignments
		WHERE test_id = $1`
	args := []interface{}{testID}
	if status != "" {
		q += " AND delivery_status = $2"
		args = append(args, status)
	}
	q += " ORDER BY assigned_at, id"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var firstAt, sentAt, deliveredAt, failedAt sql.NullTime
		var deliveryErr sql.NullString
		if err := rows.Scan(
			&a.ID, &a.TestID, &a.VariantID, &a.UserID, &a.ChatID, &a.DeliveryStatus,
			&firstAt, &sentAt, &deliveredAt, &failedAt, &deliveryErr, &a.AssignedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if firstAt.Valid {
			a.FirstDeliveryAt = &firstAt.Time
		}
		if sentAt.Valid {
			a.SentAt = &sentAt.Time
		}
		if deliveredAt.Valid {
			a.DeliveredAt = &deliveredAt.Time
		}
		if failedAt.Valid {
			a.FailedAt = &failedAt.Time
		}
		a.DeliveryError = deliveryErr.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) AssignedUserIDs(ctx context.Context, testID uuid.UUID) (map[int64]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM ab_assignments WHERE test_id = $1`, testID)
	if err != nil {
		return nil, fmt.Errorf("assigned users: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out[uid] = struct{}{}
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) MarkAssignmentSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ab_assignments
		SET delivery_status = $1, sent_at = $2, delivered_at = $2,
		    first_delivery_at = COALESCE(first_delivery_at, $2)
		WHERE id = $3
	`, domain.DeliverySent, at, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) MarkAssignmentFailed(ctx context.Context, id uuid.UUID, at time.Time, deliveryErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ab_assignments
		SET delivery_status = $1, failed_at = $2, delivery_error = $3
		WHERE id = $4
	`, domain.DeliveryFailed, at, deliveryErr, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) RecordEvent(ctx context.Context, e *domain.Event) (bool, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	// Insert-or-ignore on (assignment_id, event_type): idempotency lives in
	// the storage constraint, not in process memory.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ab_events (id, test_id, variant_id, assignment_id, user_id, event_type, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (assignment_id, event_type) DO NOTHING
	`, e.ID, e.TestID, e.VariantID, e.AssignmentID, e.UserID, e.Type, e.OccurredAt, meta)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *ExperimentRepo) CountsByVariant(ctx context.Context, testID uuid.UUID) ([]experiment.VariantCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.code,
		       COUNT(DISTINCT a.id) AS intended,
		       COUNT(DISTINCT a.id) FILTER (WHERE a.delivery_status = 'sent' OR a.delivered_at IS NOT NULL) AS delivered,
		       COUNT(DISTINCT e.user_id) FILTER (WHERE e.event_type = 'clicked') AS clicks,
		       COUNT(DISTINCT e.user_id) FILTER (WHERE e.event_type = 'lead_created') AS conversions,
		       COUNT(DISTINCT e.user_id) FILTER (WHERE e.event_type = 'replied') AS responses,
		       COUNT(DISTINCT e.user_id) FILTER (WHERE e.event_type = 'unsubscribed') AS unsubscribed
		FROM ab_variants v
		LEFT JOIN ab_assignments a ON a.variant_id = v.id
		LEFT JOIN ab_events e ON e.assignment_id = a.id
		WHERE v.test_id = $1
		GROUP BY v.id, v.code, v.order_index
		ORDER BY v.order_index
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("counts by variant: %w", err)
	}
	defer rows.Close()

	var out []experiment.VariantCounts
	for rows.Next() {
		var c experiment.VariantCounts
		if err := rows.Scan(&c.VariantID, &c.Code, &c.Intended, &c.Delivered,
			&c.Clicks, &c.Conversions, &c.Responses, &c.Unsubscribed); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

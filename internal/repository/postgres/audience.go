package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/broadcast-lab/internal/domain"
)

// AudienceRepo resolves segment filters against the bot_users table.
// The result order is fixed (signup order) so that repeated resolution
// of the same filter yields the same positional prefix.
type AudienceRepo struct {
	db *sql.DB
}

// NewAudienceRepo creates an audience resolver over the given database.
func NewAudienceRepo(db *sql.DB) *AudienceRepo {
	return &AudienceRepo{db: db}
}

// filterColumns maps supported segment filter keys to bot_users columns.
// Unknown keys are rejected rather than silently ignored, so a typo in a
// filter cannot blast the whole user base.
var filterColumns = map[string]string{
	"language":     "language",
	"source":       "source",
	"funnel_stage": "funnel_stage",
}

// Resolve returns the reachable audience matching the filter, ordered by
// signup time. Users marked blocked are excluded up front; Reachable is
// still reported per member so the delivery loop can skip anyone blocked
// after resolution.
func (r *AudienceRepo) Resolve(ctx context.Context, filter domain.SegmentFilter) ([]domain.AudienceMember, error) {
	var (
		conds = []string{"is_blocked = FALSE", "chat_id IS NOT NULL"}
		args  []interface{}
	)
	for key, val := range filter {
		col, ok := filterColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported segment filter key %q", key)
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	query := fmt.Sprintf(`
		SELECT user_id, chat_id, NOT is_blocked
		FROM bot_users
		WHERE %s
		ORDER BY created_at, user_id`, strings.Join(conds, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	defer rows.Close()

	var members []domain.AudienceMember
	for rows.Next() {
		var m domain.AudienceMember
		if err := rows.Scan(&m.UserID, &m.ChatID, &m.Reachable); err != nil {
			return nil, fmt.Errorf("scan audience member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	err := s.DB.QueryRow(ctx, `
		INSERT INTO audit_log (
			order_id, order_number, action, field, old_value, new_value,
			changed_by, changed_by_role, note, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`,
		e.OrderID, e.OrderNumber, e.Action, e.Field, e.OldValue, e.NewValue,
		e.ChangedBy, e.ChangedByRole, e.Note, e.Metadata, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PGStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, COALESCE(order_number, ''), action,
		       COALESCE(field, ''), COALESCE(old_value, ''), COALESCE(new_value, ''),
		       changed_by, changed_by_role, COALESCE(note, ''), metadata, created_at
		FROM audit_log
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.OrderID, &e.OrderNumber, &e.Action,
			&e.Field, &e.OldValue, &e.NewValue,
			&e.ChangedBy, &e.ChangedByRole, &e.Note, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

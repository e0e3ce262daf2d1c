package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SeenOperation reports whether (clientID, operationID) was already
// applied for this organization. The dedup table is the durable source
// of truth for idempotency: correctness must survive process restarts
// and horizontal scale-out, so no in-memory cache fronts it.
func (s *Store) SeenOperation(ctx context.Context, orgID, clientID, operationID string) (bool, error) {
	var outcome string
	err := s.conn.QueryRowContext(ctx,
		`SELECT outcome FROM sync_dedup WHERE org_id = ? AND client_id = ? AND operation_id = ?`,
		orgID, clientID, operationID,
	).Scan(&outcome)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

// MarkOperation records that an operation was applied, with a TTL after
// which the key may be pruned. Marking an already-marked key is a
// no-op.
func (s *Store) MarkOperation(ctx context.Context, orgID, clientID, operationID, outcome string, now time.Time, ttl time.Duration) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_dedup (org_id, client_id, operation_id, outcome, applied_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		orgID, clientID, operationID, outcome,
		fmtTime(now), fmtTime(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("mark operation: %w", err)
	}
	return nil
}

// PruneDedup deletes dedup keys whose TTL has passed and returns how
// many were removed.
func (s *Store) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_dedup WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return res.RowsAffected()
}

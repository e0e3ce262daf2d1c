package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/internal/models"
)

// InsertCustomer creates a customer row. A replayed create with the
// same id is a no-op; the first write wins and reports false.
func (s *Store) InsertCustomer(ctx context.Context, c *models.Customer) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO customers (id, org_id, name, phone, email, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, c.Name, c.Phone, c.Email, c.Address,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert customer %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CustomersChangedSince returns customers mutated after the watermark.
func (s *Store) CustomersChangedSince(ctx context.Context, orgID string, since time.Time) ([]models.Customer, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, phone, email, address, created_at, updated_at
		FROM customers WHERE org_id = ? AND updated_at > ? ORDER BY updated_at ASC`,
		orgID, fmtTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var out []models.Customer
	for rows.Next() {
		var c models.Customer
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Address, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.OrgID = orgID
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

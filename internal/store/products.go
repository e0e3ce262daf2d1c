package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/internal/models"
)

// InsertProduct creates a catalog entry. Products are maintained from
// the dashboard; sync only reads them during the pull phase.
func (s *Store) InsertProduct(ctx context.Context, p *models.Product) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO products (id, org_id, name, unit_price, tax_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.UnitPrice, p.TaxRate,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.ID, err)
	}
	return nil
}

// ProductsChangedSince returns products mutated after the watermark.
func (s *Store) ProductsChangedSince(ctx context.Context, orgID string, since time.Time) ([]models.Product, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, unit_price, tax_rate, created_at, updated_at
		FROM products WHERE org_id = ? AND updated_at > ? ORDER BY updated_at ASC`,
		orgID, fmtTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.TaxRate, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.OrgID = orgID
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

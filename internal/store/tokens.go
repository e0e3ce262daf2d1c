package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/fieldline/internal/models"
)

const (
	tokenPrefix = "fl_live_"
	tokenLength = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIToken is a stored device token (without the plaintext secret).
type APIToken struct {
	ID          string
	OrgID       string
	UserID      string
	Role        models.Role
	TokenPrefix string
	Name        string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// CreateToken issues a device token bound to (org, user, role).
// Returns the plaintext token, shown once, alongside the stored record.
func (s *Store) CreateToken(ctx context.Context, orgID, userID string, role models.Role, name string) (string, *APIToken, error) {
	secret := make([]byte, tokenLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate token: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := tokenPrefix + string(secret)
	hash := sha256.Sum256([]byte(plaintext))
	now := time.Now().UTC()

	tok := &APIToken{
		ID:          uuid.Must(uuid.NewV7()).String(),
		OrgID:       orgID,
		UserID:      userID,
		Role:        role,
		TokenPrefix: string(secret[:8]),
		Name:        name,
		CreatedAt:   now,
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO api_tokens (id, org_id, user_id, role, token_hash, token_prefix, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, orgID, userID, string(role),
		hex.EncodeToString(hash[:]), tok.TokenPrefix, name, fmtTime(now),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}
	return plaintext, tok, nil
}

// VerifyToken resolves a plaintext bearer token to a membership.
// Returns (nil, nil) for unknown or revoked tokens.
func (s *Store) VerifyToken(ctx context.Context, plaintext string) (*models.Membership, error) {
	hash := sha256.Sum256([]byte(plaintext))
	var m models.Membership
	var role string
	var revokedAt sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT org_id, user_id, role, revoked_at FROM api_tokens WHERE token_hash = ?`,
		hex.EncodeToString(hash[:]),
	).Scan(&m.OrgID, &m.UserID, &role, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if revokedAt.Valid && revokedAt.String != "" {
		return nil, nil
	}
	m.Role = models.Role(role)
	return &m, nil
}

// RevokeToken marks a token unusable. Revocation is permanent.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns the tokens issued for an organization, newest
// first.
func (s *Store) ListTokens(ctx context.Context, orgID string) ([]APIToken, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, org_id, user_id, role, token_prefix, name, created_at, revoked_at
		FROM api_tokens WHERE org_id = ? ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []APIToken
	for rows.Next() {
		var t APIToken
		var role, createdAt string
		var revokedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.OrgID, &t.UserID, &role, &t.TokenPrefix, &t.Name, &createdAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		t.Role = models.Role(role)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

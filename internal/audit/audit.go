// Package audit maintains the append-only, tamper-evident compliance
// trail for the sync engine. Records are created once and never mutated
// or deleted; each carries a hash chained to the previous record for
// its organization so silent edits to the log are detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity grades an audit record.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Record is a single audit entry. The payment amount fields are only
// set for payment-bearing operations.
type Record struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"orgId"`
	UserID        string         `json:"userId"`
	DeviceID      string         `json:"deviceId"`
	OperationID   string         `json:"operationId,omitempty"`
	OperationType string         `json:"operationType"`
	EntityTable   string         `json:"entityTable,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	Severity      Severity       `json:"severity"`
	Details       map[string]any `json:"details,omitempty"`

	ClientClaimedAmount *float64 `json:"clientClaimedAmount,omitempty"`
	ServerActualAmount  *float64 `json:"serverActualAmount,omitempty"`
	PaymentVariance     *float64 `json:"paymentVariance,omitempty"`

	ChainHash  string    `json:"chainHash"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Logger appends audit records. Record is fire-and-forget: a logging
// failure is swallowed so it can never cause a sync failure, but it is
// reported through onError so the operator can count and alert on it.
type Logger struct {
	db      *sql.DB
	onError func(error)

	// serializes chain-hash computation per process; the store's
	// single-connection sqlite setup serializes the writes themselves
	mu sync.Mutex
}

// NewLogger creates the audit log table if needed and returns a Logger.
// onError may be nil.
func NewLogger(db *sql.DB, onError func(error)) (*Logger, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id                    TEXT PRIMARY KEY,
			org_id                TEXT NOT NULL,
			user_id               TEXT NOT NULL DEFAULT '',
			device_id             TEXT NOT NULL DEFAULT '',
			operation_id          TEXT NOT NULL DEFAULT '',
			operation_type        TEXT NOT NULL,
			entity_table          TEXT NOT NULL DEFAULT '',
			entity_id             TEXT NOT NULL DEFAULT '',
			severity              TEXT NOT NULL,
			details               JSON NOT NULL DEFAULT '{}',
			client_claimed_amount REAL,
			server_actual_amount  REAL,
			payment_variance      REAL,
			chain_hash            TEXT NOT NULL,
			recorded_at           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_log(org_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	return &Logger{db: db, onError: onError}, nil
}

// Record appends rec to the trail. It never fails the caller: errors
// are logged and counted via the onError hook.
func (l *Logger) Record(ctx context.Context, rec Record) {
	if err := l.record(ctx, &rec); err != nil {
		slog.Error("audit record failed", "org", rec.OrgID, "op", rec.OperationID, "err", err)
		if l.onError != nil {
			l.onError(err)
		}
	}
}

func (l *Logger) record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var prev string
	err = l.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM audit_log WHERE org_id = ? ORDER BY rowid DESC LIMIT 1`,
		rec.OrgID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read chain tail: %w", err)
	}

	rec.ChainHash = chainHash(prev, rec, string(details))

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, org_id, user_id, device_id, operation_id, operation_type,
			entity_table, entity_id, severity, details,
			client_claimed_amount, server_actual_amount, payment_variance,
			chain_hash, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.UserID, rec.DeviceID, rec.OperationID, rec.OperationType,
		rec.EntityTable, rec.EntityID, string(rec.Severity), string(details),
		rec.ClientClaimedAmount, rec.ServerActualAmount, rec.PaymentVariance,
		rec.ChainHash, rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// chainHash covers every immutable field of the record plus the
// previous record's hash. RecordedAt is included so a record cannot be
// silently re-dated.
func chainHash(prev string, rec *Record, details string) string {
	parts := []string{
		prev,
		rec.ID, rec.OrgID, rec.UserID, rec.DeviceID,
		rec.OperationID, rec.OperationType, rec.EntityTable, rec.EntityID,
		string(rec.Severity), details,
		fmtAmount(rec.ClientClaimedAmount),
		fmtAmount(rec.ServerActualAmount),
		fmtAmount(rec.PaymentVariance),
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func fmtAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Tail returns the newest limit records for an organization in
// chronological order (oldest first).
func (l *Logger) Tail(ctx context.Context, orgID string, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, device_id, operation_id, operation_type,
		       entity_table, entity_id, severity, details,
		       client_claimed_amount, server_actual_amount, payment_variance,
		       chain_hash, recorded_at
		FROM audit_log WHERE org_id = ? ORDER BY rowid DESC LIMIT ?`,
		orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Verify walks the organization's chain from the beginning, recomputing
// every hash. Returns the number of verified records, or an error
// naming the first record whose hash does not match.
func (l *Logger) Verify(ctx context.Context, orgID string) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, device_id, operation_id, operation_type,
		       entity_table, entity_id, severity, details,
		       client_claimed_amount, server_actual_amount, payment_variance,
		       chain_hash, recorded_at
		FROM audit_log WHERE org_id = ? ORDER BY rowid ASC`,
		orgID,
	)
	if err != nil {
		return 0, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	prev := ""
	n := 0
	for rows.Next() {
		rec, details, err := scanRecord(rows)
		if err != nil {
			return n, err
		}
		want := chainHash(prev, rec, details)
		if rec.ChainHash != want {
			return n, fmt.Errorf("chain broken at record %s", rec.ID)
		}
		prev = rec.ChainHash
		n++
	}
	return n, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRecord(rows *sql.Rows) (*Record, string, error) {
	var rec Record
	var details, sev, recordedAt string
	err := rows.Scan(
		&rec.ID, &rec.OrgID, &rec.UserID, &rec.DeviceID,
		&rec.OperationID, &rec.OperationType, &rec.EntityTable, &rec.EntityID,
		&sev, &details,
		&rec.ClientClaimedAmount, &rec.ServerActualAmount, &rec.PaymentVariance,
		&rec.ChainHash, &recordedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("scan audit record: %w", err)
	}
	rec.Severity = Severity(sev)
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, "", fmt.Errorf("decode audit details %s: %w", rec.ID, err)
		}
	}
	rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, "", fmt.Errorf("parse audit timestamp %s: %w", rec.ID, err)
	}
	return &rec, details, nil
}

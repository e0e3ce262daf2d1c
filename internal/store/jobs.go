package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/internal/models"
)

const jobColumns = `id, customer_id, assigned_to, title, status, resolution,
	estimated_total, final_total, deposit_amount,
	payment_amount, payment_method, payment_collected_at, payment_collected_by,
	line_items, completed_at, created_at, updated_at`

// GetJob loads one job scoped to an organization. Returns ErrNotFound
// if the row is absent.
func (s *Store) GetJob(ctx context.Context, orgID, id string) (*models.Job, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE org_id = ? AND id = ?`,
		orgID, id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job.OrgID = orgID
	return job, nil
}

// InsertJob creates a job row. Used by dashboard-facing code and test
// seeding; the sync path never creates jobs.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	items, err := json.Marshal(job.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, org_id, customer_id, assigned_to, title, status, resolution,
			estimated_total, final_total, deposit_amount,
			payment_amount, payment_method, payment_collected_at, payment_collected_by,
			line_items, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, job.CustomerID, job.AssignedTo, job.Title,
		string(job.Status), job.Resolution,
		job.EstimatedTotal, job.FinalTotal, job.DepositAmount,
		job.PaymentAmount, job.PaymentMethod,
		fmtTimePtr(job.PaymentCollectedAt), job.PaymentCollectedBy,
		string(items), fmtTimePtr(job.CompletedAt),
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob writes the job back with a compare-and-set on updated_at.
// expect must be the updated_at value the caller read; if the row has
// moved on since, no write happens and ErrStale is returned.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job, expect time.Time) error {
	items, err := json.Marshal(job.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET
			customer_id = ?, assigned_to = ?, title = ?, status = ?, resolution = ?,
			estimated_total = ?, final_total = ?, deposit_amount = ?,
			payment_amount = ?, payment_method = ?, payment_collected_at = ?, payment_collected_by = ?,
			line_items = ?, completed_at = ?, updated_at = ?
		WHERE org_id = ? AND id = ? AND updated_at = ?`,
		job.CustomerID, job.AssignedTo, job.Title, string(job.Status), job.Resolution,
		job.EstimatedTotal, job.FinalTotal, job.DepositAmount,
		job.PaymentAmount, job.PaymentMethod,
		fmtTimePtr(job.PaymentCollectedAt), job.PaymentCollectedBy,
		string(items), fmtTimePtr(job.CompletedAt), fmtTime(job.UpdatedAt),
		job.OrgID, job.ID, fmtTime(expect),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// JobsChangedSince returns jobs mutated after the watermark, scoped to
// what the caller may see: technicians get their own and unassigned
// jobs, dispatchers and owners the whole organization.
func (s *Store) JobsChangedSince(ctx context.Context, orgID, userID string, role models.Role, since time.Time) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE org_id = ? AND updated_at > ?`
	args := []any{orgID, fmtTime(since)}
	if !role.SeesAllJobs() {
		q += ` AND (assigned_to = ? OR assigned_to = '')`
		args = append(args, userID)
	}
	q += ` ORDER BY updated_at ASC`

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.OrgID = orgID
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var job models.Job
	var status, items, createdAt, updatedAt string
	var collectedAt, completedAt sql.NullString
	err := r.Scan(
		&job.ID, &job.CustomerID, &job.AssignedTo, &job.Title, &status, &job.Resolution,
		&job.EstimatedTotal, &job.FinalTotal, &job.DepositAmount,
		&job.PaymentAmount, &job.PaymentMethod, &collectedAt, &job.PaymentCollectedBy,
		&items, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(items), &job.LineItems); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	if job.PaymentCollectedAt, err = parseTimePtr(collectedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/fieldline/fieldline/internal/models"
)

// InsertPhoto appends a job photo. Photos are immutable facts, so a
// replayed insert with the same id is silently ignored.
func (s *Store) InsertPhoto(ctx context.Context, p *models.JobPhoto) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_photos (id, org_id, job_id, url, caption, taken_by, taken_at, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.JobID, p.URL, p.Caption, p.TakenByID,
		fmtTime(p.TakenAt), fmtTime(p.UploadedAt),
	)
	if err != nil {
		return fmt.Errorf("insert photo %s: %w", p.ID, err)
	}
	return nil
}

// PhotosForJob returns the photos attached to a job, oldest first.
func (s *Store) PhotosForJob(ctx context.Context, orgID, jobID string) ([]models.JobPhoto, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, job_id, url, caption, taken_by, taken_at, uploaded_at
		FROM job_photos WHERE org_id = ? AND job_id = ? ORDER BY uploaded_at ASC`,
		orgID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query photos: %w", err)
	}
	defer rows.Close()

	var out []models.JobPhoto
	for rows.Next() {
		var p models.JobPhoto
		var takenAt, uploadedAt string
		if err := rows.Scan(&p.ID, &p.JobID, &p.URL, &p.Caption, &p.TakenByID, &takenAt, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		p.OrgID = orgID
		if p.TakenAt, err = parseTime(takenAt); err != nil {
			return nil, err
		}
		if p.UploadedAt, err = parseTime(uploadedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package sync

import (
	"time"

	"github.com/fieldline/fieldline/internal/models"
)

// serverNewer reports whether the server record is strictly newer than
// the client's view. Equal timestamps mean the client's write was
// derived from the current server state, so the client proceeds.
func serverNewer(serverUpdatedAt, clientTimestamp time.Time) bool {
	return serverUpdatedAt.After(clientTimestamp)
}

// clientAllowedStatuses is the whitelist of status values a client may
// request on a job update. PENDING and ASSIGNED are dispatcher
// decisions that never originate on a device.
var clientAllowedStatuses = map[models.JobStatus]bool{
	models.JobEnRoute:    true,
	models.JobInProgress: true,
	models.JobCancelled:  true,
	models.JobCompleted:  true,
}

// applyJobFields writes the whitelisted client fields onto the job and
// returns the names of the fields that were applied. Anything outside
// the whitelist was already dropped at payload decoding; this keeps the
// application itself explicit per field so a compromised client cannot
// smuggle arbitrary writes through the sync channel.
func applyJobFields(job *models.Job, p *JobUpdatePayload) []string {
	var applied []string
	if p.Status != nil && clientAllowedStatuses[*p.Status] {
		job.Status = *p.Status
		applied = append(applied, "status")
	}
	if p.Resolution != nil {
		job.Resolution = *p.Resolution
		applied = append(applied, "resolution")
	}
	if p.CompletedAt != nil {
		job.CompletedAt = p.CompletedAt
		applied = append(applied, "completedAt")
	}
	return applied
}

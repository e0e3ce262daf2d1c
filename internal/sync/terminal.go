package sync

import (
	"fmt"

	"github.com/fieldline/fieldline/internal/models"
)

// IsTerminal reports whether a job in the given status may still be
// mutated through the sync path. This gate runs before conflict
// resolution and before payment reconciliation: a terminal job must
// never re-enter the payment pipeline.
func IsTerminal(s models.JobStatus) bool {
	return s.Terminal()
}

// terminalBlockMessage is the user-facing explanation attached to a
// terminal-state rejection. The mobile client shows it verbatim, so it
// distinguishes completed from cancelled.
func terminalBlockMessage(s models.JobStatus) string {
	switch s {
	case models.JobCompleted:
		return "job is already completed and can no longer be changed"
	case models.JobCancelled:
		return "job was cancelled and can no longer be changed"
	default:
		return fmt.Sprintf("job status %s does not accept changes", s)
	}
}

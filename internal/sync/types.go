package sync

import (
	"encoding/json"
	"time"

	"github.com/fieldline/fieldline/internal/models"
)

// Table identifies which entity collection an operation targets.
type Table string

const (
	TableJobs      Table = "jobs"
	TableJobPhotos Table = "job_photos"
	TablePayments  Table = "payments"
	TableCustomers Table = "customers"
)

// Action is the client-requested mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is a single client-authored instruction within a push
// batch. It is transient: consumed once per submission, never
// persisted as an entity. Replays are detected via (ClientID, ID).
type Operation struct {
	ID        string
	Table     Table
	Action    Action
	Data      json.RawMessage
	Timestamp time.Time
	ClientID  string
}

// Resolution is the outcome of conflict handling for one operation.
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
	Merged     Resolution = "merged"
)

// Conflict is returned to the caller for every operation that was not
// applied verbatim. The client must treat it as authoritative and
// re-base or discard its local optimistic state.
type Conflict struct {
	OperationID          string     `json:"operationId"`
	Resolution           Resolution `json:"resolution"`
	ServerData           any        `json:"serverData,omitempty"`
	Reason               string     `json:"reason,omitempty"`
	Warning              string     `json:"warning,omitempty"`
	TerminalStateBlocked bool       `json:"terminalStateBlocked,omitempty"`
	RemainingBalance     *float64   `json:"remainingBalance,omitempty"`
}

// Session identifies the authenticated caller of one sync cycle.
type Session struct {
	OrgID    string
	UserID   string
	DeviceID string
	Role     models.Role
}

// PushResult aggregates per-operation outcomes of one push batch.
type PushResult struct {
	Processed []string
	Conflicts []Conflict
}

// ServerChanges is the pull-phase delta handed back to the client:
// everything the caller may see that changed after its watermark.
type ServerChanges struct {
	Jobs      []models.Job      `json:"jobs"`
	Customers []models.Customer `json:"customers"`
	Products  []models.Product  `json:"products"`
}

// Warning codes surfaced in conflict entries.
const (
	WarningPaymentVariance = "PAYMENT_VARIANCE"
	WarningPartialPayment  = "PARTIAL_PAYMENT"
)

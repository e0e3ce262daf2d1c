package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobAssigned   JobStatus = "ASSIGNED"
	JobEnRoute    JobStatus = "EN_ROUTE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal lifecycle state.
// Once a job is COMPLETED or CANCELLED no field may be mutated through
// the sync path.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobAssigned, JobEnRoute, JobInProgress, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// Role represents a member's role inside an organization
type Role string

const (
	RoleTechnician Role = "technician"
	RoleDispatcher Role = "dispatcher"
	RoleOwner      Role = "owner"
)

// SeesAllJobs reports whether the role may see every job in the
// organization. Technicians only see jobs assigned to them or
// unassigned.
func (r Role) SeesAllJobs() bool {
	return r == RoleDispatcher || r == RoleOwner
}

// LineItem is a single billable line on a job. Tax is carried
// separately so the authoritative balance can be derived server-side.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	Total       float64 `json:"total"`
	TaxAmount   float64 `json:"taxAmount"`
}

// Job is the unit of work being synchronized. UpdatedAt is
// server-assigned and is the sole arbiter of conflict resolution.
type Job struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"-"`
	CustomerID string    `json:"customerId,omitempty"`
	AssignedTo string    `json:"assignedTo,omitempty"` // user id of the technician, empty = unassigned
	Title      string    `json:"title,omitempty"`
	Status     JobStatus `json:"status"`
	Resolution string    `json:"resolution,omitempty"`

	EstimatedTotal     float64    `json:"estimatedTotal"`
	FinalTotal         *float64   `json:"finalTotal,omitempty"` // locked final price once set
	DepositAmount      float64    `json:"depositAmount"`
	PaymentAmount      *float64   `json:"paymentAmount,omitempty"`
	PaymentMethod      string     `json:"paymentMethod,omitempty"`
	PaymentCollectedAt *time.Time `json:"paymentCollectedAt,omitempty"`
	PaymentCollectedBy string     `json:"paymentCollectedById,omitempty"`

	LineItems []LineItem `json:"lineItems,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Customer is an organization-scoped customer record.
type Customer struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"-"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Product is a catalog entry used to build job line items.
type Product struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"-"`
	Name      string    `json:"name"`
	UnitPrice float64   `json:"unitPrice"`
	TaxRate   float64   `json:"taxRate"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPhoto is an immutable photo attached to a job by a technician.
// Photos are append-only facts; they never participate in conflict
// resolution.
type JobPhoto struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"-"`
	JobID      string    `json:"jobId"`
	URL        string    `json:"url"`
	Caption    string    `json:"caption,omitempty"`
	TakenByID  string    `json:"takenById,omitempty"`
	TakenAt    time.Time `json:"takenAt"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Membership ties an authenticated device token to a user and role
// within exactly one organization.
type Membership struct {
	OrgID  string `json:"orgId"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

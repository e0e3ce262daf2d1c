package sync

import (
	"math"

	"github.com/fieldline/fieldline/internal/models"
)

// DefaultRoundingTolerance is the variance, in currency units, below
// which a claimed payment counts as an exact match. Tunable per
// currency through configuration.
const DefaultRoundingTolerance = 0.01

// floatSlack absorbs binary float representation error in tolerance
// comparisons. 0.01 has no exact float64 form, so |121.01 - 121| lands
// a hair above 0.01; the slack is far below any currency unit.
const floatSlack = 1e-9

// PaymentClass classifies a client payment claim against the
// server-computed outstanding balance.
type PaymentClass string

const (
	// ClassNone means no amount was claimed; the operation is a no-op.
	ClassNone PaymentClass = "none"
	// ClassExact means the claim matches the balance within tolerance.
	ClassExact PaymentClass = "exact"
	// ClassPartial means the claim is positive but short of the balance.
	ClassPartial PaymentClass = "partial"
	// ClassOverclaim means the claim exceeds the balance beyond
	// tolerance. Treated as a fraud signal.
	ClassOverclaim PaymentClass = "overclaim"
)

// Reconciliation is the result of verifying a claimed payment against
// the server's state of record. Client-reported money is an input to be
// verified, never an instruction to be trusted: every field here is
// re-derived from line items, the locked final total, and deposits.
type Reconciliation struct {
	GrossTotal       float64
	RemainingBalance float64
	Claimed          float64
	Variance         float64
	Class            PaymentClass
}

// GrossTotal computes the authoritative gross total for a job: the
// locked final price if set, else the line-item sum if positive, else
// the estimate.
func GrossTotal(job *models.Job) float64 {
	if job.FinalTotal != nil {
		return *job.FinalTotal
	}
	var sum float64
	for _, it := range job.LineItems {
		sum += it.Total + it.TaxAmount
	}
	if sum > 0 {
		return sum
	}
	return job.EstimatedTotal
}

// OutstandingBalance is the gross total minus everything already
// collected: the deposit plus any payment recorded so far. After an
// exact-match payment the recomputed balance is within tolerance of
// zero.
func OutstandingBalance(job *models.Job) float64 {
	bal := GrossTotal(job) - job.DepositAmount
	if job.PaymentAmount != nil {
		bal -= *job.PaymentAmount
	}
	return bal
}

// Reconcile classifies a claimed payment amount against the job's
// authoritative outstanding balance. tolerance is the rounding
// tolerance in currency units; pass DefaultRoundingTolerance unless
// the currency demands otherwise.
func Reconcile(job *models.Job, claimed, tolerance float64) Reconciliation {
	gross := GrossTotal(job)
	remaining := OutstandingBalance(job)

	r := Reconciliation{
		GrossTotal:       gross,
		RemainingBalance: remaining,
		Claimed:          claimed,
		Variance:         math.Abs(claimed - remaining),
	}

	switch {
	case claimed == 0:
		r.Class = ClassNone
	case r.Variance <= tolerance+floatSlack:
		r.Class = ClassExact
	case claimed > remaining:
		r.Class = ClassOverclaim
	case claimed > 0:
		r.Class = ClassPartial
	default:
		// Negative claims. Schemas floor amounts at zero, so this only
		// happens for payloads that bypassed boundary validation; a
		// negative amount must never settle a job.
		r.Class = ClassOverclaim
	}
	return r
}

// balanceSettled reports whether the outstanding balance is fully
// satisfied within tolerance. Used to re-validate a client-requested
// COMPLETED transition that did not come through a payment claim.
func balanceSettled(job *models.Job, tolerance float64) bool {
	return OutstandingBalance(job) <= tolerance+floatSlack
}

package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldline/fieldline/internal/audit"
	"github.com/fieldline/fieldline/internal/models"
	"github.com/fieldline/fieldline/internal/store"
)

var (
	t0 = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)     // job's server updatedAt
	t2 = t0.Add(2 * time.Hour) // client operation timestamps
	tN = t0.Add(3 * time.Hour) // the injected "now"
)

type harness struct {
	orch  *Orchestrator
	store *store.Store
	audit *audit.Logger
}

func setup(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	log, err := audit.NewLogger(db, nil)
	if err != nil {
		t.Fatalf("init audit: %v", err)
	}

	orch := NewOrchestrator(st, log, FixedClock{T: tN}, Config{})
	return &harness{orch: orch, store: st, audit: log}
}

func (h *harness) seedJob(t *testing.T, job *models.Job) {
	t.Helper()
	if job.OrgID == "" {
		job.OrgID = "org-1"
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = t0
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = t1
	}
	if err := h.store.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), "org-1", id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func (h *harness) lastAudit(t *testing.T, opType string) audit.Record {
	t.Helper()
	recs, err := h.audit.Tail(context.Background(), "org-1", 100)
	if err != nil {
		t.Fatalf("audit tail: %v", err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].OperationType == opType {
			return recs[i]
		}
	}
	t.Fatalf("no audit record of type %s", opType)
	return audit.Record{}
}

func techSession() Session {
	return Session{OrgID: "org-1", UserID: "tech-1", DeviceID: "dev-1", Role: models.RoleTechnician}
}

func op(id string, table Table, action Action, data string) Operation {
	return Operation{
		ID:        id,
		Table:     table,
		Action:    action,
		Data:      json.RawMessage(data),
		Timestamp: t2,
		ClientID:  "client-1",
	}
}

func standardJob() *models.Job {
	return &models.Job{
		ID:         "job-1",
		Status:     models.JobInProgress,
		AssignedTo: "tech-1",
		LineItems:  []models.LineItem{{Total: 100, TaxAmount: 21}},
	}
}

// Exact claim: payment recorded, server decides the COMPLETED
// transition.
func TestPush_PaymentExactMatch(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":121.00,"method":"card"}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	if len(res.Processed) != 1 || res.Processed[0] != "op-1" {
		t.Fatalf("processed: %v", res.Processed)
	}

	job := h.job(t, "job-1")
	if job.Status != models.JobCompleted {
		t.Fatalf("status: got %s, want COMPLETED", job.Status)
	}
	if job.PaymentAmount == nil || *job.PaymentAmount != 121 {
		t.Fatalf("payment amount: %v", job.PaymentAmount)
	}
	if job.PaymentMethod != "card" || job.PaymentCollectedBy != "tech-1" {
		t.Fatalf("payment attribution: %q %q", job.PaymentMethod, job.PaymentCollectedBy)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(tN) {
		t.Fatalf("completedAt: %v", job.CompletedAt)
	}
	if bal := OutstandingBalance(job); math.Abs(bal) > DefaultRoundingTolerance {
		t.Fatalf("post-write balance: %v", bal)
	}
}

// Partial claim: recorded but insufficient; the job stays open and the
// dispatcher gets a conflict to review.
func TestPush_PartialPayment(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":60.00,"method":"cash"}`),
	})

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Resolution != Merged || c.Warning != WarningPartialPayment {
		t.Fatalf("conflict: %+v", c)
	}
	sd := c.ServerData.(map[string]any)
	if sd["collected"].(float64) != 60 || sd["owed"].(float64) != 121 {
		t.Fatalf("server data: %+v", sd)
	}

	job := h.job(t, "job-1")
	if job.Status != models.JobInProgress {
		t.Fatalf("status changed: %s", job.Status)
	}
	if job.PaymentAmount == nil || *job.PaymentAmount != 60 {
		t.Fatalf("payment amount: %v", job.PaymentAmount)
	}
	if !strings.Contains(job.Resolution, "PARTIAL_PAYMENT: collected 60.00 of 121.00") {
		t.Fatalf("note: %q", job.Resolution)
	}

	rec := h.lastAudit(t, "partial_payment")
	if rec.Severity != audit.SeverityWarn {
		t.Fatalf("severity: %s", rec.Severity)
	}
}

// Overclaim: fraud signal. The server-calculated amount is persisted,
// never the client's, and the discrepancy is flagged.
func TestPush_PaymentOverclaim(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":200.00,"method":"cash"}`),
	})

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Warning != WarningPaymentVariance {
		t.Fatalf("warning: %q", c.Warning)
	}

	job := h.job(t, "job-1")
	if job.PaymentAmount == nil || *job.PaymentAmount != 121 {
		t.Fatalf("persisted amount: %v, want server-computed 121", job.PaymentAmount)
	}
	if job.Status != models.JobCompleted {
		t.Fatalf("status: %s", job.Status)
	}
	if job.PaymentMethod != "" {
		t.Fatalf("client method trusted: %q", job.PaymentMethod)
	}

	rec := h.lastAudit(t, "payment_overclaim")
	if rec.Severity != audit.SeverityCritical {
		t.Fatalf("severity: %s", rec.Severity)
	}
	if rec.ClientClaimedAmount == nil || *rec.ClientClaimedAmount != 200 {
		t.Fatalf("claimed: %v", rec.ClientClaimedAmount)
	}
	if rec.ServerActualAmount == nil || *rec.ServerActualAmount != 121 {
		t.Fatalf("actual: %v", rec.ServerActualAmount)
	}
	if rec.PaymentVariance == nil || *rec.PaymentVariance != 79 {
		t.Fatalf("variance: %v", rec.PaymentVariance)
	}
}

// Terminal immutability: a COMPLETED job rejects every update and no
// stored field changes.
func TestPush_TerminalStateBlocked(t *testing.T) {
	h := setup(t)
	job := standardJob()
	job.Status = models.JobCompleted
	completed := t1
	job.CompletedAt = &completed
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"IN_PROGRESS"}`),
	})

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Resolution != ServerWins || !c.TerminalStateBlocked {
		t.Fatalf("conflict: %+v", c)
	}

	after := h.job(t, "job-1")
	if after.Status != models.JobCompleted || !after.UpdatedAt.Equal(t1) {
		t.Fatalf("job mutated: status=%s updatedAt=%v", after.Status, after.UpdatedAt)
	}

	rec := h.lastAudit(t, "terminal_state_blocked")
	if rec.Severity != audit.SeverityCritical {
		t.Fatalf("severity: %s", rec.Severity)
	}
}

// A terminal job never re-enters the payment pipeline either.
func TestPush_TerminalBlocksPayment(t *testing.T) {
	h := setup(t)
	job := standardJob()
	job.Status = models.JobCancelled
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":121.00}`),
	})

	if len(res.Conflicts) != 1 || !res.Conflicts[0].TerminalStateBlocked {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	if after := h.job(t, "job-1"); after.PaymentAmount != nil {
		t.Fatalf("payment recorded on cancelled job: %v", *after.PaymentAmount)
	}
}

// Monotonic timestamp invariant: a server record newer than the client
// timestamp never takes the client's values.
func TestPush_StaleWriteRejected(t *testing.T) {
	h := setup(t)
	job := standardJob()
	job.UpdatedAt = t2.Add(time.Minute) // server newer than op timestamp t2
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","resolution":"stale note"}`),
	})

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Resolution != ServerWins || c.ServerData == nil {
		t.Fatalf("conflict: %+v", c)
	}

	if after := h.job(t, "job-1"); after.Resolution != "" {
		t.Fatalf("client value persisted: %q", after.Resolution)
	}
}

// Equal timestamps are "server not newer": the client write proceeds.
func TestPush_TimestampTieClientProceeds(t *testing.T) {
	h := setup(t)
	job := standardJob()
	job.UpdatedAt = t2
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE"}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	if after := h.job(t, "job-1"); after.Status != models.JobEnRoute {
		t.Fatalf("status: %s", after.Status)
	}
}

// A client-requested COMPLETED transition is re-validated against the
// balance; an unpaid job cannot be completed.
func TestPush_CompletionRequiresSettledBalance(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"COMPLETED"}`),
	})

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Resolution != ServerWins || c.RemainingBalance == nil || *c.RemainingBalance != 121 {
		t.Fatalf("conflict: %+v", c)
	}
	if after := h.job(t, "job-1"); after.Status != models.JobInProgress {
		t.Fatalf("status: %s", after.Status)
	}
}

func TestPush_CompletionAllowedWhenSettled(t *testing.T) {
	h := setup(t)
	job := standardJob()
	job.DepositAmount = 121
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"COMPLETED"}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	after := h.job(t, "job-1")
	if after.Status != models.JobCompleted || after.CompletedAt == nil {
		t.Fatalf("job: status=%s completedAt=%v", after.Status, after.CompletedAt)
	}
}

// Idempotence: replaying an already-processed operation id changes
// neither balance nor status.
func TestPush_IdempotentReplay(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	claim := op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":60.00,"method":"cash"}`)

	first := h.orch.Push(context.Background(), techSession(), []Operation{claim})
	if len(first.Conflicts) != 1 {
		t.Fatalf("first push conflicts: %+v", first.Conflicts)
	}

	second := h.orch.Push(context.Background(), techSession(), []Operation{claim})
	if len(second.Conflicts) != 0 {
		t.Fatalf("replay produced conflicts: %+v", second.Conflicts)
	}
	if len(second.Processed) != 1 {
		t.Fatalf("replay not acked: %v", second.Processed)
	}

	job := h.job(t, "job-1")
	if job.PaymentAmount == nil || *job.PaymentAmount != 60 {
		t.Fatalf("payment re-applied: %v", *job.PaymentAmount)
	}
	if job.Status != models.JobInProgress {
		t.Fatalf("status: %s", job.Status)
	}
}

// Partial-failure semantics: an invalid operation rejects alone; the
// rest of the batch is processed.
func TestPush_BatchContinuesPastInvalidOperation(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-bad", TableJobs, ActionUpdate, `{"status":"EN_ROUTE"}`), // missing id
		op("op-good", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE"}`),
	})

	if len(res.Processed) != 2 {
		t.Fatalf("processed: %v", res.Processed)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].OperationID != "op-bad" {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	if after := h.job(t, "job-1"); after.Status != models.JobEnRoute {
		t.Fatalf("second op not applied: %s", after.Status)
	}
}

func TestPush_JobNotFound(t *testing.T) {
	h := setup(t)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"ghost","status":"EN_ROUTE"}`),
	})

	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != ServerWins {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
}

func TestPush_PhotoAppend(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobPhotos, ActionCreate, `{"id":"ph-1","jobId":"job-1","url":"https://cdn/x.jpg","caption":"before"}`),
		op("op-2", TableJobPhotos, ActionCreate, `{"id":"ph-1","jobId":"job-1","url":"https://cdn/x.jpg"}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}

	photos, err := h.store.PhotosForJob(context.Background(), "org-1", "job-1")
	if err != nil {
		t.Fatalf("photos: %v", err)
	}
	if len(photos) != 1 {
		t.Fatalf("photo count: %d", len(photos))
	}
	if photos[0].TakenByID != "tech-1" {
		t.Fatalf("taken by: %s", photos[0].TakenByID)
	}
}

func TestPush_CustomerCreate(t *testing.T) {
	h := setup(t)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableCustomers, ActionCreate, `{"id":"cust-1","name":"Acme Heating","phone":"555-0101"}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}

	customers, err := h.store.CustomersChangedSince(context.Background(), "org-1", t0)
	if err != nil {
		t.Fatalf("customers: %v", err)
	}
	if len(customers) != 1 || customers[0].Name != "Acme Heating" {
		t.Fatalf("customers: %+v", customers)
	}
}

func TestPull_TechnicianVisibility(t *testing.T) {
	h := setup(t)
	mine := standardJob()
	h.seedJob(t, mine)

	other := standardJob()
	other.ID = "job-2"
	other.AssignedTo = "tech-2"
	h.seedJob(t, other)

	unassigned := standardJob()
	unassigned.ID = "job-3"
	unassigned.AssignedTo = ""
	h.seedJob(t, unassigned)

	changes, err := h.orch.Pull(context.Background(), techSession(), t0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(changes.Jobs) != 2 {
		t.Fatalf("technician sees %d jobs, want own + unassigned", len(changes.Jobs))
	}

	dispatcher := Session{OrgID: "org-1", UserID: "disp-1", Role: models.RoleDispatcher}
	changes, err = h.orch.Pull(context.Background(), dispatcher, t0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(changes.Jobs) != 3 {
		t.Fatalf("dispatcher sees %d jobs, want all 3", len(changes.Jobs))
	}
}

func TestPull_WatermarkFilters(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	changes, err := h.orch.Pull(context.Background(), techSession(), t1)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(changes.Jobs) != 0 {
		t.Fatalf("watermark at updatedAt should exclude the job, got %d", len(changes.Jobs))
	}

	changes, err = h.orch.Pull(context.Background(), techSession(), t1.Add(-time.Second))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(changes.Jobs) != 1 {
		t.Fatalf("earlier watermark should include the job, got %d", len(changes.Jobs))
	}
}

// A job update carrying a zero payment amount claims nothing; the
// whitelisted fields alongside it must still be applied.
func TestPush_ZeroPaymentAmountAppliesFields(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE","paymentAmount":0}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	job := h.job(t, "job-1")
	if job.Status != models.JobEnRoute {
		t.Fatalf("status not applied: %s", job.Status)
	}
	if job.PaymentAmount != nil {
		t.Fatalf("zero claim recorded a payment: %v", *job.PaymentAmount)
	}
}

// An exact settlement without a stated method must not wipe the method
// recorded with an earlier partial payment.
func TestPush_ExactSettlementKeepsRecordedMethod(t *testing.T) {
	h := setup(t)
	job := standardJob()
	collected := 60.0
	job.PaymentAmount = &collected
	job.PaymentMethod = "cash"
	h.seedJob(t, job)

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TablePayments, ActionCreate, `{"jobId":"job-1","amount":61.00}`),
	})

	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	after := h.job(t, "job-1")
	if after.Status != models.JobCompleted {
		t.Fatalf("status: %s", after.Status)
	}
	if after.PaymentAmount == nil || *after.PaymentAmount != 121 {
		t.Fatalf("amount: %v", after.PaymentAmount)
	}
	if after.PaymentMethod != "cash" {
		t.Fatalf("method overwritten: %q", after.PaymentMethod)
	}
}

// A stuck operation is bounded by the per-operation timeout and
// converted into a retryable failure; it never aborts the batch and is
// not acked as processed.
func TestPush_OperationTimeout(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	h.orch.opTimeout = time.Nanosecond

	res := h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE"}`),
		op("op-2", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE"}`),
	})

	if len(res.Processed) != 0 {
		t.Fatalf("timed-out ops acked: %v", res.Processed)
	}
	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	for _, c := range res.Conflicts {
		if c.Resolution != ServerWins || !strings.Contains(c.Reason, "retry") {
			t.Fatalf("conflict: %+v", c)
		}
	}

	if job := h.job(t, "job-1"); job.Status != models.JobInProgress {
		t.Fatalf("job mutated: %s", job.Status)
	}

	rec := h.lastAudit(t, "operation_failed")
	if rec.Severity != audit.SeverityError {
		t.Fatalf("severity: %s", rec.Severity)
	}
}

// Every push emits a batch summary record.
func TestPush_BatchAuditRecord(t *testing.T) {
	h := setup(t)
	h.seedJob(t, standardJob())

	h.orch.Push(context.Background(), techSession(), []Operation{
		op("op-1", TableJobs, ActionUpdate, `{"id":"job-1","status":"EN_ROUTE"}`),
	})

	rec := h.lastAudit(t, "sync_batch")
	if rec.Details["operations"].(float64) != 1 {
		t.Fatalf("batch details: %+v", rec.Details)
	}
}

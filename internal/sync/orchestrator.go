package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/fieldline/internal/audit"
	"github.com/fieldline/fieldline/internal/models"
	"github.com/fieldline/fieldline/internal/store"
)

// Orchestrator drives one sync cycle: a push of client-authored
// operations through the terminal-state guard, conflict resolver and
// payment reconciliation, then a pull of the server-side delta.
//
// Operations within a batch run sequentially because they may depend on
// each other (a job update followed by a payment claim on the same
// job). Concurrent batches from different devices are safe: per-entity
// consistency rests on the store's compare-and-set update.
type Orchestrator struct {
	store     *store.Store
	audit     *audit.Logger
	clock     Clock
	tolerance float64
	opTimeout time.Duration
	dedupTTL  time.Duration
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// Tolerance is the payment rounding tolerance in currency units.
	Tolerance float64
	// OpTimeout bounds each operation so a stuck one cannot block the
	// rest of the batch.
	OpTimeout time.Duration
	// DedupTTL is how long idempotency keys are retained.
	DedupTTL time.Duration
}

// NewOrchestrator wires the sync engine together.
func NewOrchestrator(st *store.Store, log *audit.Logger, clock Clock, cfg Config) *Orchestrator {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultRoundingTolerance
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = 30 * 24 * time.Hour
	}
	return &Orchestrator{
		store:     st,
		audit:     log,
		clock:     clock,
		tolerance: cfg.Tolerance,
		opTimeout: cfg.OpTimeout,
		dedupTTL:  cfg.DedupTTL,
	}
}

// Push processes a batch of operations in submission order. A failure
// on one operation is logged and converted into a conflict entry; it
// never aborts the remaining batch.
func (o *Orchestrator) Push(ctx context.Context, sess Session, ops []Operation) PushResult {
	res := PushResult{Processed: []string{}, Conflicts: []Conflict{}}

	for _, op := range ops {
		opCtx, cancel := context.WithTimeout(ctx, o.opTimeout)
		conflict, err := o.apply(opCtx, sess, op)
		cancel()

		if err != nil {
			// Infrastructure failure: the operation is not marked
			// processed so the client may retry it.
			slog.Error("sync operation failed",
				"org", sess.OrgID, "op", op.ID, "table", op.Table, "err", err)
			o.audit.Record(ctx, audit.Record{
				OrgID: sess.OrgID, UserID: sess.UserID, DeviceID: sess.DeviceID,
				OperationID:   op.ID,
				OperationType: "operation_failed",
				EntityTable:   string(op.Table),
				Severity:      audit.SeverityError,
				Details:       map[string]any{"error": err.Error()},
				RecordedAt:    o.clock.Now(),
			})
			res.Conflicts = append(res.Conflicts, Conflict{
				OperationID: op.ID,
				Resolution:  ServerWins,
				Reason:      "operation failed, retry on next sync",
			})
			continue
		}

		res.Processed = append(res.Processed, op.ID)
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}
	}

	o.audit.Record(ctx, audit.Record{
		OrgID: sess.OrgID, UserID: sess.UserID, DeviceID: sess.DeviceID,
		OperationType: "sync_batch",
		Severity:      audit.SeverityInfo,
		Details: map[string]any{
			"operations": len(ops),
			"processed":  len(res.Processed),
			"conflicts":  len(res.Conflicts),
		},
		RecordedAt: o.clock.Now(),
	})

	return res
}

// Pull computes the server-side delta after the watermark, scoped to
// the caller's visibility. The three collections are independent
// read-only queries and are fetched concurrently.
func (o *Orchestrator) Pull(ctx context.Context, sess Session, since time.Time) (*ServerChanges, error) {
	changes := &ServerChanges{
		Jobs:      []models.Job{},
		Customers: []models.Customer{},
		Products:  []models.Product{},
	}

	var wg gosync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		jobs, err := o.store.JobsChangedSince(ctx, sess.OrgID, sess.UserID, sess.Role, since)
		if err != nil {
			errs[0] = err
			return
		}
		if jobs != nil {
			changes.Jobs = jobs
		}
	}()
	go func() {
		defer wg.Done()
		customers, err := o.store.CustomersChangedSince(ctx, sess.OrgID, since)
		if err != nil {
			errs[1] = err
			return
		}
		if customers != nil {
			changes.Customers = customers
		}
	}()
	go func() {
		defer wg.Done()
		products, err := o.store.ProductsChangedSince(ctx, sess.OrgID, since)
		if err != nil {
			errs[2] = err
			return
		}
		if products != nil {
			changes.Products = products
		}
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("pull changes: %w", err)
		}
	}
	return changes, nil
}

// apply runs one operation through dedup, payload decoding and the
// table-specific pipeline. A returned Conflict means the operation was
// consumed but not applied verbatim; a returned error means
// infrastructure failed and the operation may be retried.
func (o *Orchestrator) apply(ctx context.Context, sess Session, op Operation) (*Conflict, error) {
	seen, err := o.store.SeenOperation(ctx, sess.OrgID, op.ClientID, op.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		// Idempotent replay: already applied, never re-applied.
		o.recordOp(ctx, sess, op, "duplicate_replay", audit.SeverityInfo, map[string]any{
			"clientId": op.ClientID,
		}, nil)
		return nil, nil
	}

	payload, err := DecodePayload(op.Table, op.Action, op.Data)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupported) {
			// Validation errors reject the single operation and the
			// batch continues; no severity escalation.
			o.recordOp(ctx, sess, op, "validation_rejected", audit.SeverityInfo, map[string]any{
				"error": err.Error(),
			}, nil)
			return &Conflict{
				OperationID: op.ID,
				Resolution:  ServerWins,
				Reason:      err.Error(),
			}, nil
		}
		return nil, err
	}

	var conflict *Conflict
	switch p := payload.(type) {
	case *JobUpdatePayload:
		conflict, err = o.applyJobUpdate(ctx, sess, op, p)
	case *PaymentClaimPayload:
		conflict, err = o.applyPaymentClaim(ctx, sess, op, p)
	case *PhotoCreatePayload:
		conflict, err = o.applyPhotoCreate(ctx, sess, op, p)
	case *CustomerCreatePayload:
		conflict, err = o.applyCustomerCreate(ctx, sess, op, p)
	default:
		return nil, fmt.Errorf("unhandled payload type %T", payload)
	}
	if err != nil {
		return nil, err
	}

	outcome := "applied"
	if conflict != nil {
		outcome = string(conflict.Resolution)
	}
	if err := o.store.MarkOperation(ctx, sess.OrgID, op.ClientID, op.ID, outcome, o.clock.Now(), o.dedupTTL); err != nil {
		// The mutation is already durable; losing the dedup key only
		// risks a replay being reprocessed, and job replays are caught
		// again by the timestamp compare.
		slog.Warn("mark dedup key failed", "org", sess.OrgID, "op", op.ID, "err", err)
	}
	return conflict, nil
}

// applyJobUpdate is the jobs/update pipeline: terminal-state gate,
// timestamp compare, then either the payment pipeline or whitelisted
// field application.
func (o *Orchestrator) applyJobUpdate(ctx context.Context, sess Session, op Operation, p *JobUpdatePayload) (*Conflict, error) {
	job, err := o.store.GetJob(ctx, sess.OrgID, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		o.recordOp(ctx, sess, op, "target_missing", audit.SeverityInfo, map[string]any{
			"jobId": p.ID,
		}, nil)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  ServerWins,
			Reason:      "job not found",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	// Hard gate: a terminal job must never re-enter the payment
	// pipeline, so this runs before the timestamp compare and before
	// any reconciliation.
	if IsTerminal(job.Status) {
		o.recordJob(ctx, sess, op, job, "terminal_state_blocked", audit.SeverityCritical, map[string]any{
			"status":    string(job.Status),
			"requested": requestedFields(p),
		}, nil)
		return &Conflict{
			OperationID:          op.ID,
			Resolution:           ServerWins,
			ServerData:           job,
			Reason:               terminalBlockMessage(job.Status),
			TerminalStateBlocked: true,
		}, nil
	}

	if serverNewer(job.UpdatedAt, op.Timestamp) {
		sev := audit.SeverityInfo
		if p.PaymentAmount != nil {
			sev = audit.SeverityWarn
		}
		o.recordJob(ctx, sess, op, job, "stale_write_rejected", sev, map[string]any{
			"serverUpdatedAt": job.UpdatedAt,
			"clientTimestamp": op.Timestamp,
		}, nil)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  ServerWins,
			ServerData:  job,
			Reason:      "server record is newer",
		}, nil
	}

	// A zero amount claims nothing; the update falls through to field
	// application so a status or resolution alongside it still lands.
	if p.PaymentAmount != nil && *p.PaymentAmount > 0 {
		method := ""
		if p.PaymentMethod != nil {
			method = *p.PaymentMethod
		}
		return o.settlePayment(ctx, sess, op, job, *p.PaymentAmount, method)
	}

	if p.Status != nil && *p.Status == models.JobCompleted {
		// A COMPLETED request that did not come through a payment claim
		// is re-validated against the same balance check. The server,
		// never the client, decides the COMPLETED transition.
		if !balanceSettled(job, o.tolerance) {
			remaining := OutstandingBalance(job)
			o.recordJob(ctx, sess, op, job, "completion_rejected", audit.SeverityWarn, map[string]any{
				"remainingBalance": remaining,
			}, nil)
			return &Conflict{
				OperationID:      op.ID,
				Resolution:       ServerWins,
				ServerData:       job,
				Reason:           "outstanding balance must be collected before completion",
				RemainingBalance: &remaining,
			}, nil
		}
	}

	expect := job.UpdatedAt
	applied := applyJobFields(job, p)
	if len(applied) == 0 {
		o.recordJob(ctx, sess, op, job, "empty_update", audit.SeverityInfo, nil, nil)
		return nil, nil
	}
	now := o.clock.Now()
	if job.Status == models.JobCompleted && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.UpdatedAt = now

	if err := o.store.UpdateJob(ctx, job, expect); err != nil {
		if errors.Is(err, store.ErrStale) {
			return o.concurrentWriteConflict(ctx, sess, op, job.ID)
		}
		return nil, err
	}

	o.recordJob(ctx, sess, op, job, "job_updated", audit.SeverityInfo, map[string]any{
		"fields": applied,
		"status": string(job.Status),
	}, nil)
	return nil, nil
}

// applyPaymentClaim is the payments/create pipeline. It shares the
// guard and timestamp gates with job updates, then delegates to the
// reconciliation engine.
func (o *Orchestrator) applyPaymentClaim(ctx context.Context, sess Session, op Operation, p *PaymentClaimPayload) (*Conflict, error) {
	job, err := o.store.GetJob(ctx, sess.OrgID, p.JobID)
	if errors.Is(err, store.ErrNotFound) {
		o.recordOp(ctx, sess, op, "target_missing", audit.SeverityInfo, map[string]any{
			"jobId": p.JobID,
		}, nil)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  ServerWins,
			Reason:      "job not found",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if IsTerminal(job.Status) {
		o.recordJob(ctx, sess, op, job, "terminal_state_blocked", audit.SeverityCritical, map[string]any{
			"status":  string(job.Status),
			"claimed": p.Amount,
		}, nil)
		return &Conflict{
			OperationID:          op.ID,
			Resolution:           ServerWins,
			ServerData:           job,
			Reason:               terminalBlockMessage(job.Status),
			TerminalStateBlocked: true,
		}, nil
	}

	if serverNewer(job.UpdatedAt, op.Timestamp) {
		o.recordJob(ctx, sess, op, job, "stale_write_rejected", audit.SeverityWarn, map[string]any{
			"serverUpdatedAt": job.UpdatedAt,
			"clientTimestamp": op.Timestamp,
			"claimed":         p.Amount,
		}, nil)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  ServerWins,
			ServerData:  job,
			Reason:      "server record is newer, re-base and resubmit the payment",
		}, nil
	}

	return o.settlePayment(ctx, sess, op, job, p.Amount, p.Method)
}

// settlePayment verifies a claimed amount against the authoritative
// balance and applies the classified outcome. Client-reported money is
// verified, never trusted: the persisted amount is always re-derived
// server-side.
func (o *Orchestrator) settlePayment(ctx context.Context, sess Session, op Operation, job *models.Job, claimed float64, method string) (*Conflict, error) {
	recon := Reconcile(job, claimed, o.tolerance)
	now := o.clock.Now()
	expect := job.UpdatedAt

	switch recon.Class {
	case ClassNone:
		o.recordJob(ctx, sess, op, job, "no_payment_claimed", audit.SeverityInfo, nil, &recon)
		return nil, nil

	case ClassExact:
		// Persist the server-computed residual on top of anything
		// already collected, so total collected equals the gross total.
		amount := recon.RemainingBalance
		if job.PaymentAmount != nil {
			amount += *job.PaymentAmount
		}
		job.PaymentAmount = &amount
		if method != "" {
			job.PaymentMethod = method
		}
		job.PaymentCollectedAt = &now
		job.PaymentCollectedBy = sess.UserID
		job.Status = models.JobCompleted
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := o.store.UpdateJob(ctx, job, expect); err != nil {
			if errors.Is(err, store.ErrStale) {
				return o.concurrentWriteConflict(ctx, sess, op, job.ID)
			}
			return nil, err
		}
		o.recordJob(ctx, sess, op, job, "payment_collected", audit.SeverityInfo, map[string]any{
			"method": method,
		}, &recon)
		return nil, nil

	case ClassPartial:
		amount := claimed
		if job.PaymentAmount != nil {
			amount += *job.PaymentAmount
		}
		note := fmt.Sprintf("PARTIAL_PAYMENT: collected %.2f of %.2f", claimed, recon.RemainingBalance)
		job.PaymentAmount = &amount
		if method != "" {
			job.PaymentMethod = method
		}
		job.PaymentCollectedAt = &now
		job.PaymentCollectedBy = sess.UserID
		job.Resolution = appendNote(job.Resolution, note)
		job.UpdatedAt = now
		if err := o.store.UpdateJob(ctx, job, expect); err != nil {
			if errors.Is(err, store.ErrStale) {
				return o.concurrentWriteConflict(ctx, sess, op, job.ID)
			}
			return nil, err
		}
		o.recordJob(ctx, sess, op, job, "partial_payment", audit.SeverityWarn, map[string]any{
			"note": note,
		}, &recon)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  Merged,
			Warning:     WarningPartialPayment,
			Reason:      note,
			ServerData: map[string]any{
				"collected": claimed,
				"owed":      recon.RemainingBalance,
			},
		}, nil

	default: // ClassOverclaim
		// Fraud signal: persist the server-calculated amount, never the
		// client's, and do not trust the claimed method. Server truth
		// is satisfied, so the job still completes, but the discrepancy
		// is flagged for manual investigation.
		amount := recon.RemainingBalance
		if job.PaymentAmount != nil {
			amount += *job.PaymentAmount
		}
		job.PaymentAmount = &amount
		job.PaymentCollectedAt = &now
		job.PaymentCollectedBy = sess.UserID
		job.Status = models.JobCompleted
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := o.store.UpdateJob(ctx, job, expect); err != nil {
			if errors.Is(err, store.ErrStale) {
				return o.concurrentWriteConflict(ctx, sess, op, job.ID)
			}
			return nil, err
		}
		o.recordJob(ctx, sess, op, job, "payment_overclaim", audit.SeverityCritical, map[string]any{
			"claimedMethod": method,
		}, &recon)
		return &Conflict{
			OperationID: op.ID,
			Resolution:  ServerWins,
			Warning:     WarningPaymentVariance,
			Reason:      "claimed amount exceeds the outstanding balance",
			ServerData: map[string]any{
				"claimed":  claimed,
				"actual":   recon.RemainingBalance,
				"variance": recon.Variance,
			},
		}, nil
	}
}

// applyPhotoCreate appends an immutable photo. No conflict logic is
// needed; photos are facts.
func (o *Orchestrator) applyPhotoCreate(ctx context.Context, sess Session, op Operation, p *PhotoCreatePayload) (*Conflict, error) {
	now := o.clock.Now()
	photo := &models.JobPhoto{
		ID:         p.ID,
		OrgID:      sess.OrgID,
		JobID:      p.JobID,
		URL:        p.URL,
		Caption:    p.Caption,
		TakenByID:  sess.UserID,
		TakenAt:    now,
		UploadedAt: now,
	}
	if photo.ID == "" {
		photo.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.TakenAt != nil {
		photo.TakenAt = *p.TakenAt
	}
	if err := o.store.InsertPhoto(ctx, photo); err != nil {
		return nil, err
	}
	o.recordOp(ctx, sess, op, "photo_added", audit.SeverityInfo, map[string]any{
		"jobId":   p.JobID,
		"photoId": photo.ID,
	}, nil)
	return nil, nil
}

// applyCustomerCreate inserts a customer. Create-only through sync;
// updates stay on the dashboard.
func (o *Orchestrator) applyCustomerCreate(ctx context.Context, sess Session, op Operation, p *CustomerCreatePayload) (*Conflict, error) {
	now := o.clock.Now()
	customer := &models.Customer{
		ID:        p.ID,
		OrgID:     sess.OrgID,
		Name:      p.Name,
		Phone:     p.Phone,
		Email:     p.Email,
		Address:   p.Address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customer.ID == "" {
		customer.ID = uuid.Must(uuid.NewV7()).String()
	}
	created, err := o.store.InsertCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	sev := audit.SeverityInfo
	opType := "customer_created"
	if !created {
		opType = "customer_exists"
	}
	o.recordOp(ctx, sess, op, opType, sev, map[string]any{
		"customerId": customer.ID,
	}, nil)
	return nil, nil
}

// concurrentWriteConflict handles a CAS miss: between the read and the
// write another request won. Reported like a stale write with the fresh
// server snapshot.
func (o *Orchestrator) concurrentWriteConflict(ctx context.Context, sess Session, op Operation, jobID string) (*Conflict, error) {
	fresh, err := o.store.GetJob(ctx, sess.OrgID, jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	o.recordOp(ctx, sess, op, "concurrent_write_lost", audit.SeverityWarn, map[string]any{
		"jobId": jobID,
	}, nil)
	c := &Conflict{
		OperationID: op.ID,
		Resolution:  ServerWins,
		Reason:      "a concurrent update won, re-base on the server record",
	}
	if fresh != nil {
		c.ServerData = fresh
	}
	return c, nil
}

// recordOp emits one audit record for an operation outcome.
func (o *Orchestrator) recordOp(ctx context.Context, sess Session, op Operation, opType string, sev audit.Severity, details map[string]any, recon *Reconciliation) {
	rec := audit.Record{
		OrgID: sess.OrgID, UserID: sess.UserID, DeviceID: sess.DeviceID,
		OperationID:   op.ID,
		OperationType: opType,
		EntityTable:   string(op.Table),
		Severity:      sev,
		Details:       details,
		RecordedAt:    o.clock.Now(),
	}
	if recon != nil {
		claimed, actual, variance := recon.Claimed, recon.RemainingBalance, recon.Variance
		rec.ClientClaimedAmount = &claimed
		rec.ServerActualAmount = &actual
		rec.PaymentVariance = &variance
	}
	o.audit.Record(ctx, rec)
}

// recordJob is recordOp with the entity reference filled in.
func (o *Orchestrator) recordJob(ctx context.Context, sess Session, op Operation, job *models.Job, opType string, sev audit.Severity, details map[string]any, recon *Reconciliation) {
	rec := audit.Record{
		OrgID: sess.OrgID, UserID: sess.UserID, DeviceID: sess.DeviceID,
		OperationID:   op.ID,
		OperationType: opType,
		EntityTable:   string(op.Table),
		EntityID:      job.ID,
		Severity:      sev,
		Details:       details,
		RecordedAt:    o.clock.Now(),
	}
	if recon != nil {
		claimed, actual, variance := recon.Claimed, recon.RemainingBalance, recon.Variance
		rec.ClientClaimedAmount = &claimed
		rec.ServerActualAmount = &actual
		rec.PaymentVariance = &variance
	}
	o.audit.Record(ctx, rec)
}

func requestedFields(p *JobUpdatePayload) []string {
	var fields []string
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.Resolution != nil {
		fields = append(fields, "resolution")
	}
	if p.CompletedAt != nil {
		fields = append(fields, "completedAt")
	}
	if p.PaymentAmount != nil {
		fields = append(fields, "paymentAmount")
	}
	if p.PaymentMethod != nil {
		fields = append(fields, "paymentMethod")
	}
	return fields
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

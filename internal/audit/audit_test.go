package audit

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testLogger(t *testing.T) (*Logger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	log, err := NewLogger(db, nil)
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log, db
}

func record(opType string, sev Severity) Record {
	return Record{
		OrgID:         "org-1",
		UserID:        "tech-1",
		DeviceID:      "dev-1",
		OperationID:   "op-" + opType,
		OperationType: opType,
		EntityTable:   "jobs",
		Severity:      sev,
	}
}

// NewLogger must initialize a fresh database and be safe to call again
// on one that already carries the table and index.
func TestNewLogger_FreshAndExistingDatabase(t *testing.T) {
	_, db := testLogger(t)

	again, err := NewLogger(db, nil)
	if err != nil {
		t.Fatalf("reinit logger: %v", err)
	}
	again.Record(context.Background(), record("job_updated", SeverityInfo))

	recs, err := again.Tail(context.Background(), "org-1", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: %d", len(recs))
	}
}

func TestRecordAndTail(t *testing.T) {
	log, _ := testLogger(t)
	ctx := context.Background()

	log.Record(ctx, record("job_updated", SeverityInfo))
	log.Record(ctx, record("partial_payment", SeverityWarn))
	log.Record(ctx, record("payment_overclaim", SeverityCritical))

	recs, err := log.Tail(ctx, "org-1", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records: %d", len(recs))
	}
	// Chronological order, oldest first.
	if recs[0].OperationType != "job_updated" || recs[2].OperationType != "payment_overclaim" {
		t.Fatalf("order: %s .. %s", recs[0].OperationType, recs[2].OperationType)
	}
	for _, r := range recs {
		if r.ID == "" || r.ChainHash == "" || r.RecordedAt.IsZero() {
			t.Fatalf("incomplete record: %+v", r)
		}
	}
}

func TestTail_LimitAndOrgScope(t *testing.T) {
	log, _ := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Record(ctx, record("job_updated", SeverityInfo))
	}
	other := record("job_updated", SeverityInfo)
	other.OrgID = "org-2"
	log.Record(ctx, other)

	recs, err := log.Tail(ctx, "org-1", 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("limit ignored: %d", len(recs))
	}
	for _, r := range recs {
		if r.OrgID != "org-1" {
			t.Fatalf("cross-org record: %+v", r)
		}
	}
}

func TestRecord_PaymentAmounts(t *testing.T) {
	log, _ := testLogger(t)
	ctx := context.Background()

	claimed, actual, variance := 200.0, 121.0, 79.0
	rec := record("payment_overclaim", SeverityCritical)
	rec.ClientClaimedAmount = &claimed
	rec.ServerActualAmount = &actual
	rec.PaymentVariance = &variance
	rec.Details = map[string]any{"claimedMethod": "cash"}
	log.Record(ctx, rec)

	recs, err := log.Tail(ctx, "org-1", 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("tail: %v (%d)", err, len(recs))
	}
	got := recs[0]
	if got.ClientClaimedAmount == nil || *got.ClientClaimedAmount != 200 {
		t.Fatalf("claimed: %v", got.ClientClaimedAmount)
	}
	if got.ServerActualAmount == nil || *got.ServerActualAmount != 121 {
		t.Fatalf("actual: %v", got.ServerActualAmount)
	}
	if got.PaymentVariance == nil || *got.PaymentVariance != 79 {
		t.Fatalf("variance: %v", got.PaymentVariance)
	}
	if got.Details["claimedMethod"] != "cash" {
		t.Fatalf("details: %+v", got.Details)
	}
}

func TestVerify_IntactChain(t *testing.T) {
	log, _ := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		log.Record(ctx, record("job_updated", SeverityInfo))
	}

	n, err := log.Verify(ctx, "org-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != 4 {
		t.Fatalf("verified %d records", n)
	}
}

// Chains are per-organization: interleaved records from another org
// must not break either chain.
func TestVerify_PerOrgChains(t *testing.T) {
	log, _ := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		log.Record(ctx, record("job_updated", SeverityInfo))
		other := record("job_updated", SeverityInfo)
		other.OrgID = "org-2"
		log.Record(ctx, other)
	}

	for _, org := range []string{"org-1", "org-2"} {
		n, err := log.Verify(ctx, org)
		if err != nil {
			t.Fatalf("verify %s: %v", org, err)
		}
		if n != 3 {
			t.Fatalf("verify %s: %d records", org, n)
		}
	}
}

// Editing any covered field after the fact must be detected by Verify.
func TestVerify_DetectsTampering(t *testing.T) {
	log, db := testLogger(t)
	ctx := context.Background()

	log.Record(ctx, record("job_updated", SeverityInfo))
	tampered := record("payment_collected", SeverityInfo)
	claimed := 121.0
	tampered.ClientClaimedAmount = &claimed
	log.Record(ctx, tampered)
	log.Record(ctx, record("job_updated", SeverityInfo))

	_, err := db.Exec(`UPDATE audit_log SET client_claimed_amount = 60 WHERE operation_type = 'payment_collected'`)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	n, verr := log.Verify(ctx, "org-1")
	if verr == nil {
		t.Fatal("tampering not detected")
	}
	if n != 1 {
		t.Fatalf("verified %d records before break, want 1", n)
	}
	if !strings.Contains(verr.Error(), "chain broken") {
		t.Fatalf("error: %v", verr)
	}
}

// Re-dating a record breaks the chain even when every other field is
// untouched.
func TestVerify_DetectsRedating(t *testing.T) {
	log, db := testLogger(t)
	ctx := context.Background()

	log.Record(ctx, record("job_updated", SeverityInfo))

	redated := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE audit_log SET recorded_at = ?`, redated); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := log.Verify(ctx, "org-1"); err == nil {
		t.Fatal("re-dating not detected")
	}
}

func TestRecord_ReportsFailures(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	var reported error
	log, err := NewLogger(db, func(e error) { reported = e })
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	if _, err := db.Exec(`DROP TABLE audit_log`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	// Must not panic or propagate; the failure surfaces via the hook.
	log.Record(context.Background(), record("job_updated", SeverityInfo))
	if reported == nil {
		t.Fatal("onError hook not invoked")
	}
}

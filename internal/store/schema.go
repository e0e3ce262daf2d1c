package store

// SchemaVersion is the current entity database schema version
const SchemaVersion = 1

const schema = `
-- Jobs: the unit of work being synchronized
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    assigned_to TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING'
        CHECK(status IN ('PENDING','ASSIGNED','EN_ROUTE','IN_PROGRESS','COMPLETED','CANCELLED')),
    resolution TEXT NOT NULL DEFAULT '',
    estimated_total REAL NOT NULL DEFAULT 0,
    final_total REAL,
    deposit_amount REAL NOT NULL DEFAULT 0,
    payment_amount REAL,
    payment_method TEXT NOT NULL DEFAULT '',
    payment_collected_at TEXT,
    payment_collected_by TEXT NOT NULL DEFAULT '',
    line_items JSON NOT NULL DEFAULT '[]',
    completed_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(org_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_assigned ON jobs(org_id, assigned_to);

-- Customers (create-only through sync)
CREATE TABLE IF NOT EXISTS customers (
    id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    name TEXT NOT NULL,
    phone TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_customers_updated ON customers(org_id, updated_at);

-- Product catalog
CREATE TABLE IF NOT EXISTS products (
    id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    name TEXT NOT NULL,
    unit_price REAL NOT NULL DEFAULT 0,
    tax_rate REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_products_updated ON products(org_id, updated_at);

-- Job photos: immutable append-only facts
CREATE TABLE IF NOT EXISTS job_photos (
    id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    url TEXT NOT NULL,
    caption TEXT NOT NULL DEFAULT '',
    taken_by TEXT NOT NULL DEFAULT '',
    taken_at TEXT NOT NULL,
    uploaded_at TEXT NOT NULL,
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_photos_job ON job_photos(org_id, job_id);

-- Durable sync dedup keys. Source of truth for "was this operation
-- applied"; never kept solely in process memory.
CREATE TABLE IF NOT EXISTS sync_dedup (
    org_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    operation_id TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    applied_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    PRIMARY KEY (org_id, client_id, operation_id)
);
CREATE INDEX IF NOT EXISTS idx_dedup_expiry ON sync_dedup(expires_at);

-- Device API tokens: token -> (org, user, role) membership
CREATE TABLE IF NOT EXISTS api_tokens (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK(role IN ('technician', 'dispatcher', 'owner')),
    token_hash TEXT UNIQUE NOT NULL,
    token_prefix TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    revoked_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tokens_org ON api_tokens(org_id);
`

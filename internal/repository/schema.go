package repository

// Schema definitions for the riskwatch database.
// Compatible with both SQLite and PostgreSQL.

// Business tables are owned by the order/identity systems. The engine reads
// them; the definitions here cover only the columns it touches.
const schemaSubjects = `
CREATE TABLE IF NOT EXISTS subjects (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subjects_status ON subjects(status);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    order_date TIMESTAMP NOT NULL,
    total_amount NUMERIC(18,2) NOT NULL,
    status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_subject_date ON orders(subject_id, order_date);
`

const schemaAppeals = `
CREATE TABLE IF NOT EXISTS appeals (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_appeals_subject_created ON appeals(subject_id, created_at);
`

// schemaDetectionLogs is append-only: one row per (run, subject, rule). seq
// is the rule's position in the subject's evaluation.
const schemaDetectionLogs = `
CREATE TABLE IF NOT EXISTS detection_logs (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    score INTEGER NOT NULL,
    triggered INTEGER NOT NULL,
    details TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_logs_run ON detection_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_detection_logs_subject ON detection_logs(subject_id, created_at);
`

const schemaDetectionRuns = `
CREATE TABLE IF NOT EXISTS detection_runs (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    subjects_processed INTEGER NOT NULL,
    subjects_flagged INTEGER NOT NULL,
    rekyc_requested INTEGER NOT NULL,
    subject_failures INTEGER NOT NULL,
    log_failures INTEGER NOT NULL,
    flag_failures INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_detection_runs_started ON detection_runs(started_at);
`

// schemaRiskFlags enforces at most one FLAGGED/UNDER_REKYC row per subject
// through a partial unique index. superseded_by links a BLACKLISTED row to
// the FLAGGED row that replaced it on unblacklist.
const schemaRiskFlags = `
CREATE TABLE IF NOT EXISTS risk_flags (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    flag_type TEXT NOT NULL,
    reason TEXT NOT NULL,
    risk_score INTEGER,
    status TEXT NOT NULL,
    resolved_on TIMESTAMP,
    resolved_by TEXT,
    admin_notes TEXT,
    created_by TEXT,
    superseded_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_risk_flags_active
    ON risk_flags(subject_id) WHERE status IN ('FLAGGED', 'UNDER_REKYC');
CREATE INDEX IF NOT EXISTS idx_risk_flags_subject ON risk_flags(subject_id, created_at);
CREATE INDEX IF NOT EXISTS idx_risk_flags_status ON risk_flags(status);
`

// schemaReKYCRequests allows a flag several requests over time but only one
// PENDING at once.
const schemaReKYCRequests = `
CREATE TABLE IF NOT EXISTS rekyc_requests (
    id TEXT PRIMARY KEY,
    flag_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved_on TIMESTAMP,
    resolved_by TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_rekyc_requests_pending
    ON rekyc_requests(flag_id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_rekyc_requests_flag ON rekyc_requests(flag_id, created_at);
CREATE INDEX IF NOT EXISTS idx_rekyc_requests_status ON rekyc_requests(status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSubjects,
		schemaOrders,
		schemaAppeals,
		schemaDetectionLogs,
		schemaDetectionRuns,
		schemaRiskFlags,
		schemaReKYCRequests,
	}
}

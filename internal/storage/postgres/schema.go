package postgres

// Database schema for the orchestrator, PostgreSQL dialect. Mirrors the
// SQLite schema table for table; JSON payloads live in JSONB columns and
// timestamps are TIMESTAMPTZ so cross-region coordinators agree on time.
const schema = `
-- Flows table: one row per discovery flow
CREATE TABLE IF NOT EXISTS flows (
    id TEXT PRIMARY KEY,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'initialized' CHECK(status IN ('initialized', 'running', 'paused_for_approval', 'completed', 'failed', 'cancelled')),
    current_phase TEXT NOT NULL DEFAULT '',
    next_phase TEXT NOT NULL DEFAULT '',
    phase_completion JSONB NOT NULL DEFAULT '[]',
    progress_percentage INTEGER NOT NULL DEFAULT 0 CHECK(progress_percentage >= 0 AND progress_percentage <= 100),
    raw_payload_ref TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at TIMESTAMPTZ,
    deleted_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_flows_tenant ON flows(client_account_id, engagement_id);
CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
CREATE INDEX IF NOT EXISTS idx_flows_deleted ON flows(deleted_at);

-- Phase records: one row per (flow, phase), seeded at flow creation
CREATE TABLE IF NOT EXISTS phase_records (
    flow_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    phase_order INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'active', 'completed', 'failed', 'skipped')),
    rollback_snapshot TEXT NOT NULL DEFAULT '',
    checkpoint TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    PRIMARY KEY (flow_id, phase),
    FOREIGN KEY (flow_id) REFERENCES flows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_phase_records_status ON phase_records(status);

-- Leases: at most one per flow; the primary key settles acquisition races
CREATE TABLE IF NOT EXISTS leases (
    flow_id TEXT PRIMARY KEY,
    holder_instance_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    FOREIGN KEY (flow_id) REFERENCES flows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);
CREATE INDEX IF NOT EXISTS idx_leases_holder ON leases(holder_instance_id);

-- Coordinator instances: registry for health monitoring and stale detection
CREATE TABLE IF NOT EXISTS coordinator_instances (
    instance_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'stopping', 'stopped')),
    started_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON coordinator_instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON coordinator_instances(last_heartbeat);

-- Assets: discovered inventory items with per-field provenance
CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    flow_id TEXT NOT NULL,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    discovered_in_phase TEXT NOT NULL DEFAULT '',
    provenance JSONB NOT NULL DEFAULT '[]',
    normalized_fields JSONB NOT NULL DEFAULT '{}',
    validation_status TEXT NOT NULL DEFAULT 'pending' CHECK(validation_status IN ('pending', 'valid', 'invalid')),
    migration_readiness_score DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK(migration_readiness_score >= 0 AND migration_readiness_score <= 1),
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (flow_id) REFERENCES flows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_assets_flow ON assets(flow_id);
CREATE INDEX IF NOT EXISTS idx_assets_tenant ON assets(client_account_id, engagement_id);

-- Conflicts: one row per (asset, field) disagreement; the unique constraint
-- makes detection upserts idempotent
CREATE TABLE IF NOT EXISTS conflicts (
    id TEXT PRIMARY KEY,
    asset_id TEXT NOT NULL,
    flow_id TEXT NOT NULL,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    field TEXT NOT NULL,
    conflicting_values JSONB NOT NULL DEFAULT '[]',
    severity TEXT NOT NULL CHECK(severity IN ('medium', 'high')),
    resolution_status TEXT NOT NULL DEFAULT 'pending' CHECK(resolution_status IN ('pending', 'auto_resolved', 'manual_resolved')),
    resolved_value TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    rationale TEXT NOT NULL DEFAULT '',
    detected_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ,
    UNIQUE(asset_id, field, client_account_id, engagement_id),
    FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conflicts_flow ON conflicts(flow_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution_status);

-- Handoff packages: write-once per flow (idempotent completion)
CREATE TABLE IF NOT EXISTS handoff_packages (
    id TEXT PRIMARY KEY,
    flow_id TEXT NOT NULL UNIQUE,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    readiness_score DOUBLE PRECISION NOT NULL,
    content TEXT NOT NULL,
    digest TEXT NOT NULL,
    forced BOOLEAN NOT NULL DEFAULT FALSE,
    built_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Audit entries: append-only; survives flow deletion
CREATE TABLE IF NOT EXISTS audit_entries (
    id BIGSERIAL PRIMARY KEY,
    flow_id TEXT NOT NULL,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    before_digest TEXT NOT NULL DEFAULT '',
    after_digest TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_flow ON audit_entries(flow_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at);

-- Flow events: operational telemetry for polling clients and debugging
CREATE TABLE IF NOT EXISTS flow_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    flow_id TEXT NOT NULL,
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT '',
    instance_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL CHECK(severity IN ('info', 'warning', 'error', 'critical')),
    message TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_flow_events_flow ON flow_events(flow_id);
CREATE INDEX IF NOT EXISTS idx_flow_events_timestamp ON flow_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_flow_events_type ON flow_events(type);
CREATE INDEX IF NOT EXISTS idx_flow_events_severity ON flow_events(severity);

-- Tenant settings: per-engagement behavior toggles
CREATE TABLE IF NOT EXISTS tenant_settings (
    client_account_id TEXT NOT NULL,
    engagement_id TEXT NOT NULL,
    auto_resolve_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (client_account_id, engagement_id)
);
`

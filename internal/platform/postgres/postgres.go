// Package postgres opens the consent database and owns its schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects with the lib/pq driver and pings once so startup fails fast.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Schema is safe to execute repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS consent_artifacts (
    id                   TEXT PRIMARY KEY,
    consent_request_id   TEXT NOT NULL UNIQUE,
    patient_ref          TEXT NOT NULL,
    requester_id         TEXT NOT NULL,
    purpose              TEXT NOT NULL,
    hi_types             TEXT[] NOT NULL DEFAULT '{}',
    permission           JSONB,
    status               TEXT NOT NULL,
    raw_artifact_payload BYTEA,
    created_at           TIMESTAMPTZ NOT NULL,
    granted_at           TIMESTAMPTZ,
    expires_at           TIMESTAMPTZ,
    revoked_at           TIMESTAMPTZ,
    rejected_at          TIMESTAMPTZ,
    expired_at           TIMESTAMPTZ,
    version              BIGINT NOT NULL CHECK (version > 0)
);

CREATE INDEX IF NOT EXISTS idx_consent_artifacts_patient
    ON consent_artifacts (patient_ref, requester_id);

CREATE INDEX IF NOT EXISTS idx_consent_artifacts_due
    ON consent_artifacts (expires_at) WHERE status = 'GRANTED';

CREATE TABLE IF NOT EXISTS consent_audit_records (
    id                    TEXT PRIMARY KEY,
    chain_key             TEXT NOT NULL,
    sequence              BIGINT NOT NULL,
    artifact_id           TEXT NOT NULL DEFAULT '',
    consent_request_id    TEXT NOT NULL DEFAULT '',
    from_status           TEXT NOT NULL DEFAULT '',
    to_status             TEXT NOT NULL DEFAULT '',
    event_type            TEXT NOT NULL DEFAULT '',
    source                TEXT NOT NULL,
    source_event          BYTEA,
    verified_signature_ok BOOLEAN NOT NULL,
    outcome               TEXT NOT NULL,
    reason                TEXT NOT NULL DEFAULT '',
    request_id            TEXT NOT NULL DEFAULT '',
    recorded_at           TIMESTAMPTZ NOT NULL,
    hash_prev             TEXT NOT NULL,
    hash_curr             TEXT NOT NULL,
    UNIQUE (chain_key, sequence)
);

CREATE OR REPLACE FUNCTION consent_audit_records_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'consent_audit_records is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS consent_audit_records_no_update ON consent_audit_records;
CREATE TRIGGER consent_audit_records_no_update
    BEFORE UPDATE OR DELETE ON consent_audit_records
    FOR EACH ROW EXECUTE FUNCTION consent_audit_records_immutable();
`

// Migrate creates the schema. Concurrent replicas serialize on an advisory lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext('consentd_migrate'))`); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext('consentd_migrate'))`)
	}()

	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/sentinel"
	txcontext "consentd/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL. Appends for one chain key are
// serialized with a transaction-scoped advisory lock, so the chain link is
// computed against the committed predecessor even across replicas.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append links record to the tail of its chain and inserts it. When ctx
// carries a transaction the insert joins it, so an artifact update and its
// audit record commit or roll back together.
func (s *Store) Append(ctx context.Context, record audit.Record) (audit.Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if tx, ok := txcontext.From(ctx); ok {
		return s.appendTx(ctx, tx, record)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Record{}, sentinel.Unavailable(fmt.Errorf("begin audit tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()
	linked, err := s.appendTx(ctx, tx, record)
	if err != nil {
		return audit.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return audit.Record{}, sentinel.Unavailable(fmt.Errorf("commit audit tx: %w", err))
	}
	return linked, nil
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, record audit.Record) (audit.Record, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, record.ChainKey); err != nil {
		return audit.Record{}, sentinel.Unavailable(fmt.Errorf("lock audit chain: %w", err))
	}

	var prev *audit.Record
	var tail audit.Record
	err := tx.QueryRowContext(ctx, `
		SELECT sequence, hash_curr
		FROM consent_audit_records
		WHERE chain_key = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, record.ChainKey).Scan(&tail.Sequence, &tail.HashCurr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return audit.Record{}, sentinel.Unavailable(fmt.Errorf("read audit chain tail: %w", err))
	default:
		prev = &tail
	}

	linked := audit.Link(prev, record)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO consent_audit_records (
			id, chain_key, sequence, artifact_id, consent_request_id,
			from_status, to_status, event_type, source, source_event,
			verified_signature_ok, outcome, reason, request_id, recorded_at,
			hash_prev, hash_curr
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		linked.ID,
		linked.ChainKey,
		linked.Sequence,
		linked.ArtifactID,
		linked.ConsentRequestID,
		linked.FromStatus,
		linked.ToStatus,
		linked.EventType,
		string(linked.Source),
		linked.SourceEvent,
		linked.VerifiedSignatureOK,
		string(linked.Outcome),
		linked.Reason,
		linked.RequestID,
		linked.Timestamp,
		linked.HashPrev,
		linked.HashCurr,
	)
	if err != nil {
		return audit.Record{}, sentinel.Unavailable(fmt.Errorf("insert audit record: %w", err))
	}
	return linked, nil
}

// ListByChain returns a chain in append order.
func (s *Store) ListByChain(ctx context.Context, chainKey string) ([]audit.Record, error) {
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, `
		SELECT id, chain_key, sequence, artifact_id, consent_request_id,
			   from_status, to_status, event_type, source, source_event,
			   verified_signature_ok, outcome, reason, request_id, recorded_at,
			   hash_prev, hash_curr
		FROM consent_audit_records
		WHERE chain_key = $1
		ORDER BY sequence ASC
	`, chainKey)
	if err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("query audit records: %w", err))
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			r       audit.Record
			source  string
			outcome string
		)
		err := rows.Scan(
			&r.ID,
			&r.ChainKey,
			&r.Sequence,
			&r.ArtifactID,
			&r.ConsentRequestID,
			&r.FromStatus,
			&r.ToStatus,
			&r.EventType,
			&source,
			&r.SourceEvent,
			&r.VerifiedSignatureOK,
			&outcome,
			&r.Reason,
			&r.RequestID,
			&r.Timestamp,
			&r.HashPrev,
			&r.HashCurr,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Source = audit.Source(source)
		r.Outcome = audit.Outcome(outcome)
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("iterate audit records: %w", err))
	}
	return records, nil
}

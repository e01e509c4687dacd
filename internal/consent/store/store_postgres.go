package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"consentd/internal/consent/models"
	"consentd/pkg/platform/sentinel"
	txcontext "consentd/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists consent artifacts in PostgreSQL.
// This store is pure I/O; transition rules belong to the service. The only
// concurrency primitive is the version predicate on UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed artifact store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const artifactColumns = `
	id, consent_request_id, patient_ref, requester_id, purpose, hi_types,
	permission, status, raw_artifact_payload, created_at, granted_at,
	expires_at, revoked_at, rejected_at, expired_at, version`

func (s *PostgresStore) Create(ctx context.Context, artifact *models.Artifact) error {
	permission, err := marshalPermission(artifact.Permission)
	if err != nil {
		return err
	}
	_, err = txcontext.Execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO consent_artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
	`,
		artifact.ID,
		artifact.ConsentRequestID,
		artifact.PatientRef,
		artifact.RequesterID,
		artifact.Purpose,
		pq.Array(artifact.HITypes),
		permission,
		string(artifact.Status),
		artifact.RawArtifactPayload,
		artifact.CreatedAt,
		artifact.GrantedAt,
		artifact.ExpiresAt,
		artifact.RevokedAt,
		artifact.RejectedAt,
		artifact.ExpiredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrAlreadyUsed
		}
		return sentinel.Unavailable(fmt.Errorf("insert consent artifact: %w", err))
	}
	artifact.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Artifact, error) {
	return s.getOne(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetByConsentRequestID(ctx context.Context, consentRequestID string) (*models.Artifact, error) {
	return s.getOne(ctx, `WHERE consent_request_id = $1`, consentRequestID)
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg any) (*models.Artifact, error) {
	row := txcontext.Execer(ctx, s.db).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM consent_artifacts `+where, arg)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, sentinel.Unavailable(fmt.Errorf("get consent artifact: %w", err))
	}
	return a, nil
}

// CompareAndUpdate reads the artifact, applies mutate to a copy and writes it
// back with UPDATE ... WHERE version = expectedVersion. Zero affected rows
// means another writer committed first.
func (s *PostgresStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Artifact) error) (*models.Artifact, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkUpdate(current, next); err != nil {
		return nil, err
	}
	permission, err := marshalPermission(next.Permission)
	if err != nil {
		return nil, err
	}

	result, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, `
		UPDATE consent_artifacts
		SET status = $3,
			permission = $4,
			raw_artifact_payload = $5,
			granted_at = $6,
			expires_at = $7,
			revoked_at = $8,
			rejected_at = $9,
			expired_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		id,
		expectedVersion,
		string(next.Status),
		permission,
		next.RawArtifactPayload,
		next.GrantedAt,
		next.ExpiresAt,
		next.RevokedAt,
		next.RejectedAt,
		next.ExpiredAt,
	)
	if err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("update consent artifact: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("update consent artifact rows affected: %w", err))
	}
	if rows == 0 {
		return nil, sentinel.ErrConflict
	}
	next.Version = expectedVersion + 1
	return next, nil
}

func (s *PostgresStore) ListByPatient(ctx context.Context, patientRef, requesterID string) ([]*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM consent_artifacts WHERE patient_ref = $1`
	args := []any{patientRef}
	if requesterID != "" {
		query += ` AND requester_id = $2`
		args = append(args, requesterID)
	}
	query += ` ORDER BY created_at ASC`
	return s.list(ctx, query, args...)
}

func (s *PostgresStore) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + `
		FROM consent_artifacts
		WHERE status = 'GRANTED' AND expires_at <= $1
		ORDER BY expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Artifact, error) {
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("query consent artifacts: %w", err))
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, sentinel.Unavailable(fmt.Errorf("iterate consent artifacts: %w", err))
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*models.Artifact, error) {
	var (
		a          models.Artifact
		status     string
		permission []byte
		granted    sql.NullTime
		expires    sql.NullTime
		revoked    sql.NullTime
		rejected   sql.NullTime
		expired    sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.ConsentRequestID,
		&a.PatientRef,
		&a.RequesterID,
		&a.Purpose,
		pq.Array(&a.HITypes),
		&permission,
		&status,
		&a.RawArtifactPayload,
		&a.CreatedAt,
		&granted,
		&expires,
		&revoked,
		&rejected,
		&expired,
		&a.Version,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.GrantedAt = nullTime(granted)
	a.ExpiresAt = nullTime(expires)
	a.RevokedAt = nullTime(revoked)
	a.RejectedAt = nullTime(rejected)
	a.ExpiredAt = nullTime(expired)
	if len(permission) > 0 {
		a.Permission = &models.Permission{}
		if err := json.Unmarshal(permission, a.Permission); err != nil {
			return nil, fmt.Errorf("decode permission: %w", err)
		}
	}
	return &a, nil
}

func marshalPermission(p *models.Permission) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode permission: %w", err)
	}
	// jsonb parameters must be sent as text; lib/pq encodes []byte as bytea.
	return string(b), nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

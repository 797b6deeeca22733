package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repository struct {
	q querier
}

const (
	selectCommandColumns = `scope_id, operation, correlation_id, node_id,
		request_digest, requested_at, response_digest, response_payload, responded_at, version`

	findExactQuery = `SELECT ` + selectCommandColumns + ` FROM command_records
		WHERE scope_id = ? AND operation = ? AND correlation_id = ? AND node_id = ?`

	findSemanticQuery = `SELECT ` + selectCommandColumns + ` FROM command_records
		WHERE scope_id = ? AND operation = ? AND node_id = ?
		ORDER BY requested_at ASC, correlation_id ASC`

	insertCommandQuery = `INSERT INTO command_records
		(scope_id, operation, correlation_id, node_id, request_digest, requested_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)`

	attachResponseQuery = `UPDATE command_records
		SET response_digest = ?, response_payload = ?, responded_at = ?, version = version + 1
		WHERE scope_id = ? AND operation = ? AND correlation_id = ? AND node_id = ?
		AND version = ? AND response_digest IS NULL`

	existsCommandQuery = `SELECT 1 FROM command_records
		WHERE scope_id = ? AND operation = ? AND correlation_id = ? AND node_id = ?`

	findExecutionQuery = `SELECT context, execution_key, digest, created_at, version
		FROM execution_records WHERE context = ? AND execution_key = ?`

	insertExecutionQuery = `INSERT INTO execution_records (context, execution_key, digest, created_at, version)
		VALUES (?, ?, ?, ?, 1)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*domain.CommandRecord, error) {
	var (
		rec            domain.CommandRecord
		operation      string
		requestedAt    int64
		responseDigest []byte
		response       []byte
		respondedAt    sql.NullInt64
	)
	err := row.Scan(
		&rec.Identity.ScopeID,
		&operation,
		&rec.Identity.CorrelationID,
		&rec.Identity.NodeID,
		&rec.RequestDigest,
		&requestedAt,
		&responseDigest,
		&response,
		&respondedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Identity.Operation = domain.Operation(operation)
	rec.RequestedAt = fromMillis(requestedAt)
	if responseDigest != nil {
		rec.ResponseDigest = responseDigest
		rec.Response = response
		if rec.Response == nil {
			rec.Response = []byte{}
		}
	}
	if respondedAt.Valid {
		rec.RespondedAt = fromMillis(respondedAt.Int64)
	}
	return &rec, nil
}

func (r *repository) FindExact(ctx context.Context, id domain.CommandIdentity) (*domain.CommandRecord, error) {
	row := r.q.QueryRowContext(ctx, findExactQuery, id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID)
	rec, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find command %s: %w", id, err)
	}
	return rec, nil
}

func (r *repository) FindSemantic(ctx context.Context, key domain.SemanticKey) ([]*domain.CommandRecord, error) {
	rows, err := r.q.QueryContext(ctx, findSemanticQuery, key.ScopeID, string(key.Operation), key.NodeID)
	if err != nil {
		return nil, fmt.Errorf("find commands %s: %w", key, err)
	}
	defer rows.Close()

	var records []*domain.CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return records, nil
}

func (r *repository) Save(ctx context.Context, id domain.CommandIdentity, requestDigest []byte, requestedAt time.Time) (*domain.CommandRecord, error) {
	if requestDigest == nil {
		requestDigest = []byte{}
	}
	_, err := r.q.ExecContext(ctx, insertCommandQuery,
		id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID,
		requestDigest, toMillis(requestedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("save command %s: %w", id, domain.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("save command %s: %w", id, err)
	}
	return &domain.CommandRecord{
		Identity:      id,
		RequestDigest: append([]byte(nil), requestDigest...),
		RequestedAt:   fromMillis(toMillis(requestedAt)),
		Version:       1,
	}, nil
}

func (r *repository) AttachResponse(ctx context.Context, id domain.CommandIdentity, responseDigest, response []byte, respondedAt time.Time, expectedVersion int64) error {
	if responseDigest == nil {
		responseDigest = []byte{}
	}
	if response == nil {
		response = []byte{}
	}
	res, err := r.q.ExecContext(ctx, attachResponseQuery,
		responseDigest, response, toMillis(respondedAt),
		id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("attach response %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach response %s: %w", id, err)
	}
	if affected == 1 {
		return nil
	}

	var one int
	err = r.q.QueryRowContext(ctx, existsCommandQuery, id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("attach response %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("attach response %s: %w", id, err)
	}
	return fmt.Errorf("attach response %s: %w", id, domain.ErrConcurrentUpdate)
}

func (r *repository) FindExecution(ctx context.Context, id domain.ExecutionID) (*domain.ExecutionRecord, error) {
	var (
		rec       domain.ExecutionRecord
		createdAt int64
	)
	err := r.q.QueryRowContext(ctx, findExecutionQuery, id.Context, id.Key).
		Scan(&rec.ID.Context, &rec.ID.Key, &rec.Digest, &createdAt, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find execution %s: %w", id, err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

func (r *repository) SaveExecution(ctx context.Context, id domain.ExecutionID, digest []byte, createdAt time.Time) (*domain.ExecutionRecord, error) {
	if digest == nil {
		digest = []byte{}
	}
	if _, err := r.q.ExecContext(ctx, insertExecutionQuery, id.Context, id.Key, digest, toMillis(createdAt)); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("save execution %s: %w", id, domain.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("save execution %s: %w", id, err)
	}
	return &domain.ExecutionRecord{
		ID:        id,
		Digest:    append([]byte(nil), digest...),
		CreatedAt: fromMillis(toMillis(createdAt)),
		Version:   1,
	}, nil
}

var _ store.Repository = (*repository)(nil)

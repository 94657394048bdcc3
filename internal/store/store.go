// Package store persists delivery requests and their outcomes. One row per
// request in minuterelay.requests, one row per channel outcome in
// minuterelay.outcomes; the status API reads both back.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

// ErrNotFound is returned when no request matches the lookup.
var ErrNotFound = errors.New("request not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateRequest inserts the request. When an idempotency key is given and a
// request with the same key already exists, nothing is inserted and created
// is false; the caller should surface the original correlation ID instead.
func (s *Store) CreateRequest(ctx context.Context, req *delivery.Request, idempotencyKey string) (created bool, err error) {
	recipients, err := json.Marshal(req.Recipients)
	if err != nil {
		return false, fmt.Errorf("marshal recipients: %w", err)
	}
	channels := make([]string, 0, len(req.Channels))
	for _, c := range req.Channels {
		channels = append(channels, string(c))
	}

	if idempotencyKey != "" {
		ct, err := s.pool.Exec(ctx, `
			INSERT INTO minuterelay.requests(correlation_id, artifact_ref, subject, body, recipients, channels, idempotency_key)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			req.CorrelationID, req.ArtifactRef, req.Subject, req.Body, string(recipients), channels, idempotencyKey,
		)
		if err != nil {
			return false, fmt.Errorf("insert request (idempotent): %w", err)
		}
		return ct.RowsAffected() > 0, nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO minuterelay.requests(correlation_id, artifact_ref, subject, body, recipients, channels)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		req.CorrelationID, req.ArtifactRef, req.Subject, req.Body, string(recipients), channels,
	)
	if err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	return true, nil
}

// FindByIdempotencyKey returns the correlation ID of the request originally
// submitted under the given key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var correlationID string
	err := s.pool.QueryRow(ctx, `
		SELECT correlation_id FROM minuterelay.requests
		WHERE idempotency_key = $1
		LIMIT 1`,
		key,
	).Scan(&correlationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select by idempotency key: %w", err)
	}
	return correlationID, nil
}

// RecordOutcome persists one channel's terminal outcome for the request.
func (s *Store) RecordOutcome(ctx context.Context, correlationID string, o delivery.Outcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minuterelay.outcomes(correlation_id, channel, status, attempts, elapsed_ms, error_class, last_error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		correlationID, string(o.Channel), string(o.Status), o.Attempts, o.Elapsed.Milliseconds(),
		nullIfEmpty(string(o.ErrorClass)), nullIfEmpty(o.LastError), o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecordAggregate stamps the request with its overall status.
func (s *Store) RecordAggregate(ctx context.Context, res *delivery.AggregateResult) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE minuterelay.requests
		SET overall = $2, completed_at = now()
		WHERE correlation_id = $1`,
		res.CorrelationID, string(res.Overall),
	)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StatusReport is the persisted view of one request, as served by the
// status API.
type StatusReport struct {
	CorrelationID string             `json:"correlation_id"`
	ArtifactRef   string             `json:"artifact_ref"`
	Overall       string             `json:"overall"` // empty until the request completes
	SubmittedAt   time.Time          `json:"submitted_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Outcomes      []delivery.Outcome `json:"outcomes"`
}

// RequestStatus loads the request and its recorded outcomes.
func (s *Store) RequestStatus(ctx context.Context, correlationID string) (*StatusReport, error) {
	report := &StatusReport{CorrelationID: correlationID}

	var overall sql.NullString
	var completedAt sql.NullTime
	err := s.pool.QueryRow(ctx, `
		SELECT artifact_ref, overall, submitted_at, completed_at
		FROM minuterelay.requests
		WHERE correlation_id = $1`,
		correlationID,
	).Scan(&report.ArtifactRef, &overall, &report.SubmittedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select request: %w", err)
	}
	if overall.Valid {
		report.Overall = overall.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		report.CompletedAt = &t
	}

	rows, err := s.pool.Query(ctx, `
		SELECT channel, status, attempts, elapsed_ms, error_class, last_error, completed_at
		FROM minuterelay.outcomes
		WHERE correlation_id = $1
		ORDER BY completed_at ASC`,
		correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o          delivery.Outcome
			ch, status string
			elapsedMS  int64
			errClass   sql.NullString
			lastError  sql.NullString
		)
		if err := rows.Scan(&ch, &status, &o.Attempts, &elapsedMS, &errClass, &lastError, &o.CompletedAt); err != nil {
			return nil, err
		}
		o.Channel = delivery.Channel(ch)
		o.Status = delivery.Status(status)
		o.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if errClass.Valid {
			o.ErrorClass = delivery.ErrorClass(errClass.String)
		}
		if lastError.Valid {
			o.LastError = lastError.String
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

const healthColumns = `provider, status, success_rate, avg_response_time_ms, total_requests,
	successful_requests, failed_requests, last_success_at, last_failure_at, last_checked_at`

type healthRepository struct {
	db *sql.DB
}

// NewHealthRepository создаёт PostgreSQL-реализацию HealthRepository.
func NewHealthRepository(store *Store) domain.HealthRepository {
	return &healthRepository{db: store.DB()}
}

func (r *healthRepository) RecordRequest(ctx context.Context, entry domain.ProviderRequestLog) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal request metadata: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_request_logs (provider, request_type, success, response_time_ms, error_message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		string(entry.Provider),
		string(entry.RequestType),
		entry.Success,
		entry.ResponseTimeMs,
		entry.ErrorMessage,
		rawMetadata,
		entry.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("record provider request: %w", err)
	}
	return nil
}

// LatestRequests возвращает последние строки журнала, новые первыми.
func (r *healthRepository) LatestRequests(ctx context.Context, provider domain.ProviderID, limit int) ([]domain.ProviderRequestLog, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT provider, request_type, success, response_time_ms, error_message, metadata, created_at
		FROM provider_request_logs
		WHERE provider = $1
		ORDER BY id DESC
	`
	args := []any{string(provider)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query provider requests: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ProviderRequestLog, 0)
	for rows.Next() {
		var (
			entry       domain.ProviderRequestLog
			providerID  string
			requestType string
			rawMetadata []byte
		)
		if err := rows.Scan(
			&providerID,
			&requestType,
			&entry.Success,
			&entry.ResponseTimeMs,
			&entry.ErrorMessage,
			&rawMetadata,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider request: %w", err)
		}
		entry.Provider = domain.ProviderID(providerID)
		entry.RequestType = domain.RequestType(requestType)
		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode request metadata: %w", err)
			}
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider requests: %w", err)
	}
	return result, nil
}

func (r *healthRepository) Upsert(ctx context.Context, health domain.ProviderHealth) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_health (`+healthColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (provider) DO UPDATE
		SET status = EXCLUDED.status,
		    success_rate = EXCLUDED.success_rate,
		    avg_response_time_ms = EXCLUDED.avg_response_time_ms,
		    total_requests = EXCLUDED.total_requests,
		    successful_requests = EXCLUDED.successful_requests,
		    failed_requests = EXCLUDED.failed_requests,
		    last_success_at = EXCLUDED.last_success_at,
		    last_failure_at = EXCLUDED.last_failure_at,
		    last_checked_at = EXCLUDED.last_checked_at
	`,
		string(health.Provider),
		string(health.Status),
		health.SuccessRate,
		health.AvgResponseTimeMs,
		health.TotalRequests,
		health.SuccessfulRequests,
		health.FailedRequests,
		nullableTime(health.LastSuccessAt),
		nullableTime(health.LastFailureAt),
		health.LastCheckedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert provider health: %w", err)
	}
	return nil
}

func (r *healthRepository) Get(ctx context.Context, provider domain.ProviderID) (*domain.ProviderHealth, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	health, err := scanHealth(r.db.QueryRowContext(ctx, `
		SELECT `+healthColumns+`
		FROM provider_health
		WHERE provider = $1
	`, string(provider)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get provider health: %w", err)
	}
	return &health, nil
}

func (r *healthRepository) List(ctx context.Context) ([]domain.ProviderHealth, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+healthColumns+`
		FROM provider_health
		ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ProviderHealth, 0)
	for rows.Next() {
		health, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider health: %w", err)
		}
		result = append(result, health)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider health: %w", err)
	}
	return result, nil
}

func scanHealth(row rowScanner) (domain.ProviderHealth, error) {
	var (
		health      domain.ProviderHealth
		provider    string
		status      string
		lastSuccess sql.NullTime
		lastFailure sql.NullTime
	)
	if err := row.Scan(
		&provider,
		&status,
		&health.SuccessRate,
		&health.AvgResponseTimeMs,
		&health.TotalRequests,
		&health.SuccessfulRequests,
		&health.FailedRequests,
		&lastSuccess,
		&lastFailure,
		&health.LastCheckedAt,
	); err != nil {
		return domain.ProviderHealth{}, err
	}
	health.Provider = domain.ProviderID(provider)
	health.Status = domain.HealthStatus(status)
	health.LastSuccessAt = timePtr(lastSuccess)
	health.LastFailureAt = timePtr(lastFailure)
	return health, nil
}

var _ domain.HealthRepository = (*healthRepository)(nil)

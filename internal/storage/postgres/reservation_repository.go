package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository создаёт PostgreSQL-журнал резервирований номеров.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{db: store.DB()}
}

func (r *reservationRepository) Record(ctx context.Context, reservation domain.Reservation) error {
	if errs := reservation.Validate(); len(errs) > 0 {
		return errs[0]
	}
	if reservation.Status == "" {
		reservation.Status = domain.ReservationStatusPending
	}
	now := time.Now().UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO number_reservations (provider, external_id, user_id, idempotency_key, cost_minor, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (provider, external_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    idempotency_key = EXCLUDED.idempotency_key,
		    cost_minor = EXCLUDED.cost_minor,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`,
		string(reservation.Provider),
		reservation.ExternalID,
		reservation.UserID,
		reservation.IdempotencyKey,
		reservation.CostMinor,
		string(reservation.Status),
		reservation.CreatedAt.UTC(),
		now,
	); err != nil {
		return fmt.Errorf("record reservation: %w", err)
	}
	return nil
}

func (r *reservationRepository) MarkStatus(ctx context.Context, provider domain.ProviderID, externalID string, status domain.ReservationStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE number_reservations
		SET status = $1, updated_at = $2
		WHERE provider = $3 AND external_id = $4
	`, string(status), time.Now().UTC(), string(provider), externalID)
	if err != nil {
		return fmt.Errorf("mark reservation %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reservation rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (r *reservationRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Reservation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT provider, external_id, user_id, idempotency_key, cost_minor, status, created_at, updated_at
		FROM number_reservations
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
	`
	args := []any{string(domain.ReservationStatusPending), olderThan.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0)
	for rows.Next() {
		var (
			reservation domain.Reservation
			provider    string
			status      string
		)
		if err := rows.Scan(
			&provider,
			&reservation.ExternalID,
			&reservation.UserID,
			&reservation.IdempotencyKey,
			&reservation.CostMinor,
			&status,
			&reservation.CreatedAt,
			&reservation.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservation.Provider = domain.ProviderID(provider)
		reservation.Status = domain.ReservationStatus(status)
		result = append(result, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)

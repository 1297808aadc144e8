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

const rentalColumns = `id, user_id, country, service, provider, external_id, phone_number,
	amount_minor, cost_minor, status, sms_code, acquisition, idempotency_key,
	version, expires_at, created_at, updated_at`

type rentalRepository struct {
	db *sql.DB
}

// NewRentalRepository создаёт PostgreSQL-реализацию RentalRepository.
func NewRentalRepository(store *Store) domain.RentalRepository {
	return &rentalRepository{db: store.DB()}
}

func (r *rentalRepository) Create(ctx context.Context, rental domain.Rental) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	acquisition, err := json.Marshal(rental.Acquisition)
	if err != nil {
		return fmt.Errorf("marshal acquisition: %w", err)
	}
	if rental.Version == 0 {
		rental.Version = 1
	}
	now := time.Now().UTC()
	if rental.CreatedAt.IsZero() {
		rental.CreatedAt = now
	}
	if rental.UpdatedAt.IsZero() {
		rental.UpdatedAt = rental.CreatedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rentals (`+rentalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		rental.ID,
		rental.UserID,
		rental.Country,
		rental.Service,
		string(rental.Provider),
		rental.ExternalID,
		rental.PhoneNumber,
		rental.AmountMinor,
		rental.CostMinor,
		string(rental.Status),
		rental.SMSCode,
		acquisition,
		rental.IdempotencyKey,
		rental.Version,
		nullableTime(&rental.ExpiresAt),
		rental.CreatedAt.UTC(),
		rental.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rental %s already exists", rental.ID)
		}
		return fmt.Errorf("insert rental: %w", err)
	}
	return nil
}

func (r *rentalRepository) Get(ctx context.Context, id string) (domain.Rental, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rental, err := scanRental(r.db.QueryRowContext(ctx, `
		SELECT `+rentalColumns+`
		FROM rentals
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Rental{}, domain.ErrRentalNotFound
		}
		return domain.Rental{}, fmt.Errorf("get rental: %w", err)
	}
	return rental, nil
}

func (r *rentalRepository) GetByExternal(ctx context.Context, provider domain.ProviderID, externalID string) (domain.Rental, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rental, err := scanRental(r.db.QueryRowContext(ctx, `
		SELECT `+rentalColumns+`
		FROM rentals
		WHERE provider = $1 AND external_id = $2
	`, string(provider), externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Rental{}, domain.ErrRentalNotFound
		}
		return domain.Rental{}, fmt.Errorf("get rental by external id: %w", err)
	}
	return rental, nil
}

func (r *rentalRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Rental, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + rentalColumns + `
		FROM rentals
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *rentalRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Rental, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + rentalColumns + `
		FROM rentals
		WHERE status = $1
		  AND expires_at IS NOT NULL
		  AND expires_at <= $2
		ORDER BY expires_at ASC
	`
	args := []any{string(domain.RentalStatusActive), before.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// Save обновляет аренду, только если версия в базе совпадает с rental.Version.
func (r *rentalRepository) Save(ctx context.Context, rental domain.Rental) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	acquisition, err := json.Marshal(rental.Acquisition)
	if err != nil {
		return fmt.Errorf("marshal acquisition: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE rentals
		SET status = $1,
		    sms_code = $2,
		    acquisition = $3,
		    expires_at = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $6
		  AND version = $7
	`,
		string(rental.Status),
		rental.SMSCode,
		acquisition,
		nullableTime(&rental.ExpiresAt),
		time.Now().UTC(),
		rental.ID,
		rental.Version,
	)
	if err != nil {
		return fmt.Errorf("update rental: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rentals WHERE id = $1)`, rental.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check rental exists: %w", err)
	}
	if !exists {
		return domain.ErrRentalNotFound
	}
	return domain.ErrRentalVersionConflict
}

func (r *rentalRepository) query(ctx context.Context, query string, args ...any) ([]domain.Rental, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rentals: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Rental, 0)
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		result = append(result, rental)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRental(row rowScanner) (domain.Rental, error) {
	var (
		rental      domain.Rental
		provider    string
		status      string
		acquisition []byte
		expiresAt   sql.NullTime
	)
	if err := row.Scan(
		&rental.ID,
		&rental.UserID,
		&rental.Country,
		&rental.Service,
		&provider,
		&rental.ExternalID,
		&rental.PhoneNumber,
		&rental.AmountMinor,
		&rental.CostMinor,
		&status,
		&rental.SMSCode,
		&acquisition,
		&rental.IdempotencyKey,
		&rental.Version,
		&expiresAt,
		&rental.CreatedAt,
		&rental.UpdatedAt,
	); err != nil {
		return domain.Rental{}, err
	}

	rental.Provider = domain.ProviderID(provider)
	rental.Status = domain.RentalStatus(status)
	if !rental.Status.Valid() {
		return domain.Rental{}, fmt.Errorf("invalid rental status %q for %s", status, rental.ID)
	}
	if len(acquisition) > 0 {
		if err := json.Unmarshal(acquisition, &rental.Acquisition); err != nil {
			return domain.Rental{}, fmt.Errorf("decode acquisition for %s: %w", rental.ID, err)
		}
	}
	if expiresAt.Valid {
		rental.ExpiresAt = expiresAt.Time.UTC()
	}
	return rental, nil
}

var _ domain.RentalRepository = (*rentalRepository)(nil)

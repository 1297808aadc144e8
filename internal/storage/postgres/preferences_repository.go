package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

type preferencesRepository struct {
	db *sql.DB
}

// NewPreferencesRepository создаёт PostgreSQL-хранилище настроек маршрутизации (одна строка).
func NewPreferencesRepository(store *Store) domain.PreferencesRepository {
	return &preferencesRepository{db: store.DB()}
}

// Get возвращает сохранённые настройки или значения по умолчанию.
func (r *preferencesRepository) Get(ctx context.Context) (domain.ProviderPreferences, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		prefs     domain.ProviderPreferences
		preferred string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT preferred_provider, fallback_enabled, min_success_rate, max_response_time_ms,
		       retry_attempts, retry_delay_ms, updated_at
		FROM provider_preferences
		WHERE id = 1
	`).Scan(
		&preferred,
		&prefs.FallbackEnabled,
		&prefs.MinSuccessRate,
		&prefs.MaxResponseTimeMs,
		&prefs.RetryAttempts,
		&prefs.RetryDelayMs,
		&prefs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultProviderPreferences(), nil
		}
		return domain.ProviderPreferences{}, fmt.Errorf("get provider preferences: %w", err)
	}
	prefs.PreferredProvider = domain.ProviderID(preferred)
	return prefs, nil
}

func (r *preferencesRepository) Save(ctx context.Context, prefs domain.ProviderPreferences) error {
	if errs := prefs.Validate(); len(errs) > 0 {
		return errs[0]
	}
	if prefs.PreferredProvider == "" {
		prefs.PreferredProvider = domain.PreferredProviderAuto
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_preferences (id, preferred_provider, fallback_enabled, min_success_rate,
		                                  max_response_time_ms, retry_attempts, retry_delay_ms, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE
		SET preferred_provider = EXCLUDED.preferred_provider,
		    fallback_enabled = EXCLUDED.fallback_enabled,
		    min_success_rate = EXCLUDED.min_success_rate,
		    max_response_time_ms = EXCLUDED.max_response_time_ms,
		    retry_attempts = EXCLUDED.retry_attempts,
		    retry_delay_ms = EXCLUDED.retry_delay_ms,
		    updated_at = EXCLUDED.updated_at
	`,
		string(prefs.PreferredProvider),
		prefs.FallbackEnabled,
		prefs.MinSuccessRate,
		prefs.MaxResponseTimeMs,
		prefs.RetryAttempts,
		prefs.RetryDelayMs,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("save provider preferences: %w", err)
	}
	return nil
}

var _ domain.PreferencesRepository = (*preferencesRepository)(nil)

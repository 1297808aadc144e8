package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// BalanceRepository хранит балансы пользователей; списание и зачисление выполняются
// одним оператором UPDATE без чтения в приложение.
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository создаёт PostgreSQL-реализацию BalanceRepository.
func NewBalanceRepository(store *Store) *BalanceRepository {
	return &BalanceRepository{db: store.DB()}
}

// Debit списывает сумму условным UPDATE ... WHERE balance_minor >= amount.
func (r *BalanceRepository) Debit(ctx context.Context, userID string, amountMinor int64) (int64, error) {
	if amountMinor < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative: %d", amountMinor)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var balance int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE balances
		SET balance_minor = balance_minor - $1,
		    updated_at = NOW()
		WHERE user_id = $2
		  AND balance_minor >= $1
		RETURNING balance_minor
	`, amountMinor, userID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	current, getErr := r.Get(ctx, userID)
	if getErr != nil {
		return 0, getErr
	}
	return current, domain.ErrInsufficientBalance
}

// Credit зачисляет сумму; строка баланса создаётся при первом зачислении.
func (r *BalanceRepository) Credit(ctx context.Context, userID string, amountMinor int64) (int64, error) {
	if amountMinor < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative: %d", amountMinor)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var balance int64
	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO balances (user_id, balance_minor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance_minor = balances.balance_minor + EXCLUDED.balance_minor,
		    updated_at = NOW()
		RETURNING balance_minor
	`, userID, amountMinor).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (r *BalanceRepository) Get(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance_minor FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrBalanceNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

var _ domain.BalanceRepository = (*BalanceRepository)(nil)

package memory

import (
	"context"
	"sync"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// BalanceRepository — in-memory балансы; каждое изменение выполняется под одной блокировкой,
// что соответствует условному UPDATE в PostgreSQL.
type BalanceRepository struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewBalanceRepository создаёт пустое хранилище балансов.
func NewBalanceRepository() *BalanceRepository {
	return &BalanceRepository{balances: make(map[string]int64)}
}

// Debit списывает сумму, если её хватает.
func (r *BalanceRepository) Debit(_ context.Context, userID string, amountMinor int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrBalanceNotFound
	}
	if current < amountMinor {
		return current, domain.ErrInsufficientBalance
	}
	current -= amountMinor
	r.balances[userID] = current
	return current, nil
}

// Credit зачисляет сумму; баланс создаётся при первом зачислении.
func (r *BalanceRepository) Credit(_ context.Context, userID string, amountMinor int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.balances[userID] += amountMinor
	return r.balances[userID], nil
}

func (r *BalanceRepository) Get(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrBalanceNotFound
	}
	return current, nil
}

var _ domain.BalanceRepository = (*BalanceRepository)(nil)

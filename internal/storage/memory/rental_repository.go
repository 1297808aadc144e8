package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

type rentalRepositoryInMemory struct {
	mu      sync.RWMutex
	rentals map[string]domain.Rental
}

// NewRentalRepository создаёт потокобезопасное in-memory хранилище аренд.
func NewRentalRepository() domain.RentalRepository {
	return &rentalRepositoryInMemory{rentals: make(map[string]domain.Rental)}
}

func (r *rentalRepositoryInMemory) Create(_ context.Context, rental domain.Rental) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rentals[rental.ID]; exists {
		return fmt.Errorf("rental %s already exists", rental.ID)
	}

	if rental.Version == 0 {
		rental.Version = 1
	}
	r.rentals[rental.ID] = rental
	return nil
}

func (r *rentalRepositoryInMemory) Get(_ context.Context, id string) (domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rental, ok := r.rentals[id]
	if !ok {
		return domain.Rental{}, domain.ErrRentalNotFound
	}
	return rental, nil
}

func (r *rentalRepositoryInMemory) GetByExternal(_ context.Context, provider domain.ProviderID, externalID string) (domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rental := range r.rentals {
		if rental.Provider == provider && rental.ExternalID == externalID {
			return rental, nil
		}
	}
	return domain.Rental{}, domain.ErrRentalNotFound
}

func (r *rentalRepositoryInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Rental, 0)
	for _, rental := range r.rentals {
		if rental.UserID == userID {
			result = append(result, rental)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *rentalRepositoryInMemory) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Rental, 0)
	for _, rental := range r.rentals {
		if rental.Status != domain.RentalStatusActive || rental.ExpiresAt.IsZero() || rental.ExpiresAt.After(before) {
			continue
		}
		result = append(result, rental)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save обновляет аренду, если версия совпадает с сохранённой.
func (r *rentalRepositoryInMemory) Save(_ context.Context, rental domain.Rental) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rentals[rental.ID]
	if !ok {
		return domain.ErrRentalNotFound
	}
	if current.Version != rental.Version {
		return domain.ErrRentalVersionConflict
	}

	rental.Version++
	rental.UpdatedAt = time.Now().UTC()
	r.rentals[rental.ID] = rental
	return nil
}

var _ domain.RentalRepository = (*rentalRepositoryInMemory)(nil)

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

type reservationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Reservation
}

// NewReservationRepository создаёт in-memory журнал резервирований.
func NewReservationRepository() domain.ReservationRepository {
	return &reservationRepositoryInMemory{items: make(map[string]domain.Reservation)}
}

func (r *reservationRepositoryInMemory) Record(_ context.Context, reservation domain.Reservation) error {
	if errs := reservation.Validate(); len(errs) > 0 {
		return errs[0]
	}

	now := time.Now().UTC()
	if reservation.Status == "" {
		reservation.Status = domain.ReservationStatusPending
	}
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[reservationKey(reservation.Provider, reservation.ExternalID)] = reservation
	return nil
}

func (r *reservationRepositoryInMemory) MarkStatus(_ context.Context, provider domain.ProviderID, externalID string, status domain.ReservationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reservationKey(provider, externalID)
	reservation, ok := r.items[key]
	if !ok {
		return domain.ErrReservationNotFound
	}
	reservation.Status = status
	reservation.UpdatedAt = time.Now().UTC()
	r.items[key] = reservation
	return nil
}

func (r *reservationRepositoryInMemory) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Reservation, 0)
	for _, reservation := range r.items {
		if reservation.Status != domain.ReservationStatusPending || reservation.CreatedAt.After(olderThan) {
			continue
		}
		result = append(result, reservation)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func reservationKey(provider domain.ProviderID, externalID string) string {
	return string(provider) + ":" + externalID
}

var _ domain.ReservationRepository = (*reservationRepositoryInMemory)(nil)

package provider

import (
	"fmt"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// Registry — упорядоченный набор адаптеров. Порядок регистрации задаёт приоритет
// при равных оценках и при построении try-order с нуля.
type Registry struct {
	order    []domain.ProviderID
	adapters map[domain.ProviderID]domain.ProviderAdapter
}

// NewRegistry регистрирует адаптеры в переданном порядке.
func NewRegistry(adapters ...domain.ProviderAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.ProviderID]domain.ProviderAdapter, len(adapters))}
	for _, adapter := range adapters {
		if err := r.Register(adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register добавляет адаптер в конец списка приоритетов.
func (r *Registry) Register(adapter domain.ProviderAdapter) error {
	if adapter == nil {
		return fmt.Errorf("register provider: nil adapter")
	}
	id := adapter.ID()
	if id == "" || id == domain.PreferredProviderAuto {
		return fmt.Errorf("register provider: invalid id %q", id)
	}
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("register provider: %s already registered", id)
	}
	r.order = append(r.order, id)
	r.adapters[id] = adapter
	return nil
}

// IDs возвращает идентификаторы в порядке приоритета.
func (r *Registry) IDs() []domain.ProviderID {
	return append([]domain.ProviderID(nil), r.order...)
}

// Get возвращает адаптер или ErrProviderNotFound.
func (r *Registry) Get(id domain.ProviderID) (domain.ProviderAdapter, error) {
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, id)
	}
	return adapter, nil
}

// Has сообщает, зарегистрирован ли провайдер.
func (r *Registry) Has(id domain.ProviderID) bool {
	_, ok := r.adapters[id]
	return ok
}

// Adapters возвращает адаптеры в порядке приоритета.
func (r *Registry) Adapters() []domain.ProviderAdapter {
	result := make([]domain.ProviderAdapter, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.adapters[id])
	}
	return result
}

// Len — число зарегистрированных провайдеров.
func (r *Registry) Len() int {
	return len(r.order)
}

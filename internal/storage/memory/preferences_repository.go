package memory

import (
	"context"
	"sync"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

type preferencesRepositoryInMemory struct {
	mu    sync.RWMutex
	prefs *domain.ProviderPreferences
}

// NewPreferencesRepository создаёт in-memory хранилище настроек маршрутизации.
func NewPreferencesRepository() domain.PreferencesRepository {
	return &preferencesRepositoryInMemory{}
}

// Get возвращает сохранённые настройки или значения по умолчанию.
func (r *preferencesRepositoryInMemory) Get(_ context.Context) (domain.ProviderPreferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.prefs == nil {
		return domain.DefaultProviderPreferences(), nil
	}
	return *r.prefs, nil
}

func (r *preferencesRepositoryInMemory) Save(_ context.Context, prefs domain.ProviderPreferences) error {
	if errs := prefs.Validate(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prefs.UpdatedAt = time.Now().UTC()
	r.prefs = &prefs
	return nil
}

var _ domain.PreferencesRepository = (*preferencesRepositoryInMemory)(nil)

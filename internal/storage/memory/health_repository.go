package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// healthRepositoryInMemory хранит журнал запросов и записи здоровья в памяти.
type healthRepositoryInMemory struct {
	mu      sync.RWMutex
	logs    map[domain.ProviderID][]domain.ProviderRequestLog
	records map[domain.ProviderID]domain.ProviderHealth
	// maxLogs ограничивает размер журнала на провайдера, чтобы память не росла бесконечно.
	maxLogs int
}

// NewHealthRepository создаёт in-memory реализацию HealthRepository.
func NewHealthRepository() domain.HealthRepository {
	return &healthRepositoryInMemory{
		logs:    make(map[domain.ProviderID][]domain.ProviderRequestLog),
		records: make(map[domain.ProviderID]domain.ProviderHealth),
		maxLogs: 1000,
	}
}

func (r *healthRepositoryInMemory) RecordRequest(_ context.Context, entry domain.ProviderRequestLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs := append(r.logs[entry.Provider], entry)
	if len(logs) > r.maxLogs {
		logs = append([]domain.ProviderRequestLog(nil), logs[len(logs)-r.maxLogs:]...)
	}
	r.logs[entry.Provider] = logs
	return nil
}

// LatestRequests возвращает последние строки, новые первыми.
func (r *healthRepositoryInMemory) LatestRequests(_ context.Context, provider domain.ProviderID, limit int) ([]domain.ProviderRequestLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	logs := r.logs[provider]
	if limit <= 0 || limit > len(logs) {
		limit = len(logs)
	}

	result := make([]domain.ProviderRequestLog, 0, limit)
	for i := len(logs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, logs[i])
	}
	return result, nil
}

func (r *healthRepositoryInMemory) Upsert(_ context.Context, health domain.ProviderHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[health.Provider] = health
	return nil
}

func (r *healthRepositoryInMemory) Get(_ context.Context, provider domain.ProviderID) (*domain.ProviderHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health, ok := r.records[provider]
	if !ok {
		return nil, nil
	}
	return &health, nil
}

func (r *healthRepositoryInMemory) List(_ context.Context) ([]domain.ProviderHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.ProviderHealth, 0, len(r.records))
	for _, health := range r.records {
		result = append(result, health)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

var _ domain.HealthRepository = (*healthRepositoryInMemory)(nil)

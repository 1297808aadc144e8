package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	providerhealth "github.com/luonghoangminh88-hub/smsflex/internal/service/health"
)

// ProviderServicePrefix — префикс имени gRPC health-сервиса для отдельного провайдера.
const ProviderServicePrefix = "smsflex.provider."

// HealthSource отдаёт записи здоровья провайдеров.
type HealthSource interface {
	Snapshot(ctx context.Context, providers []domain.ProviderID) map[domain.ProviderID]*domain.ProviderHealth
}

// ProviderSet перечисляет зарегистрированных провайдеров.
type ProviderSet interface {
	IDs() []domain.ProviderID
}

// ProviderChecker сводит здоровье провайдеров в одну проверку:
// healthy — все пригодны, degraded — часть непригодна, unhealthy — непригодны все.
type ProviderChecker struct {
	health    HealthSource
	providers ProviderSet
	prefs     domain.PreferencesRepository
}

// NewProviderChecker создаёт проверку пригодности провайдеров.
func NewProviderChecker(health HealthSource, providers ProviderSet, prefs domain.PreferencesRepository) *ProviderChecker {
	return &ProviderChecker{health: health, providers: providers, prefs: prefs}
}

// usability возвращает признак пригодности для каждого провайдера.
func usability(ctx context.Context, source HealthSource, providers ProviderSet, prefsRepo domain.PreferencesRepository) (map[domain.ProviderID]bool, error) {
	prefs, err := prefsRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider preferences: %w", err)
	}
	ids := providers.IDs()
	snapshot := source.Snapshot(ctx, ids)
	result := make(map[domain.ProviderID]bool, len(ids))
	for _, id := range ids {
		result[id] = providerhealth.IsUsable(snapshot[id], prefs)
	}
	return result, nil
}

// Check выполняет проверку
func (c *ProviderChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "providers"}

	usable, err := usability(ctx, c.health, c.providers, c.prefs)
	check.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	if len(usable) == 0 {
		check.Status = StatusUnhealthy
		check.Message = "no providers registered"
		return check
	}

	var down []string
	for id, ok := range usable {
		if !ok {
			down = append(down, string(id))
		}
	}
	sort.Strings(down)

	switch {
	case len(down) == 0:
		check.Status = StatusHealthy
	case len(down) == len(usable):
		check.Status = StatusUnhealthy
		check.Message = "no usable providers"
	default:
		check.Status = StatusDegraded
		check.Message = "unusable: " + strings.Join(down, ",")
	}
	return check
}

// ServingSyncer переносит пригодность провайдеров в gRPC health-сервер:
// у каждого провайдера свой сервис, пустое имя — сервис в целом.
type ServingSyncer struct {
	server    *grpchealth.Server
	health    HealthSource
	providers ProviderSet
	prefs     domain.PreferencesRepository
	logger    *log.Entry
}

// NewServingSyncer создаёт синхронизатор статусов.
func NewServingSyncer(server *grpchealth.Server, health HealthSource, providers ProviderSet, prefs domain.PreferencesRepository, logger *log.Entry) *ServingSyncer {
	if logger == nil {
		logger = log.WithField("component", "grpc-health-sync")
	}
	return &ServingSyncer{server: server, health: health, providers: providers, prefs: prefs, logger: logger}
}

// Sync выставляет статусы один раз.
func (s *ServingSyncer) Sync(ctx context.Context) error {
	usable, err := usability(ctx, s.health, s.providers, s.prefs)
	if err != nil {
		return err
	}

	anyUsable := false
	for id, ok := range usable {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = healthpb.HealthCheckResponse_SERVING
			anyUsable = true
		}
		s.server.SetServingStatus(ProviderServicePrefix+string(id), status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if anyUsable {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.server.SetServingStatus("", overall)
	return nil
}

// Run синхронизирует статусы с заданным интервалом до отмены ctx.
func (s *ServingSyncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("sync grpc health status failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

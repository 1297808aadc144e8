package health

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

const tracerName = "github.com/luonghoangminh88-hub/smsflex/internal/service/health"

const (
	// DefaultWindowSize — сколько последних строк журнала участвует в пересчёте.
	DefaultWindowSize = 100

	unavailableBelowRate = 50.0
	degradedBelowRate    = 90.0
	degradedAboveMs      = 5000
)

// Observation — итог одного запроса к провайдеру.
type Observation struct {
	Provider     domain.ProviderID
	RequestType  domain.RequestType
	Success      bool
	Latency      time.Duration
	ErrorMessage string
	Metadata     map[string]string
}

// Window определяет, по каким данным пересчитываются метрики.
type Window interface {
	Compute(ctx context.Context, repo domain.HealthRepository, provider domain.ProviderID, now time.Time) (domain.ProviderHealth, error)
}

// LatestRowsWindow пересчитывает метрики с нуля по последним Size строкам журнала.
type LatestRowsWindow struct {
	Size int
}

// Compute реализует Window.
func (w LatestRowsWindow) Compute(ctx context.Context, repo domain.HealthRepository, provider domain.ProviderID, now time.Time) (domain.ProviderHealth, error) {
	size := w.Size
	if size <= 0 {
		size = DefaultWindowSize
	}

	rows, err := repo.LatestRequests(ctx, provider, size)
	if err != nil {
		return domain.ProviderHealth{}, fmt.Errorf("load latest requests: %w", err)
	}

	return Summarize(provider, rows, now), nil
}

// Summarize строит запись здоровья по строкам журнала (порядок строк не важен).
func Summarize(provider domain.ProviderID, rows []domain.ProviderRequestLog, now time.Time) domain.ProviderHealth {
	health := domain.ProviderHealth{
		Provider:      provider,
		Status:        domain.HealthStatusHealthy,
		LastCheckedAt: now,
	}
	if len(rows) == 0 {
		return health
	}

	var latencySum int64
	for _, row := range rows {
		latencySum += row.ResponseTimeMs
		created := row.CreatedAt
		if row.Success {
			health.SuccessfulRequests++
			if health.LastSuccessAt == nil || created.After(*health.LastSuccessAt) {
				ts := created
				health.LastSuccessAt = &ts
			}
			continue
		}
		health.FailedRequests++
		if health.LastFailureAt == nil || created.After(*health.LastFailureAt) {
			ts := created
			health.LastFailureAt = &ts
		}
	}

	health.TotalRequests = len(rows)
	health.SuccessRate = float64(health.SuccessfulRequests) / float64(health.TotalRequests) * 100
	health.AvgResponseTimeMs = latencySum / int64(health.TotalRequests)
	health.Status = Classify(health.SuccessRate, health.AvgResponseTimeMs)

	return health
}

// Classify — детерминированная функция статуса от только что посчитанных метрик.
func Classify(successRate float64, avgResponseTimeMs int64) domain.HealthStatus {
	switch {
	case successRate < unavailableBelowRate:
		return domain.HealthStatusUnavailable
	case successRate < degradedBelowRate || avgResponseTimeMs > degradedAboveMs:
		return domain.HealthStatusDegraded
	default:
		return domain.HealthStatusHealthy
	}
}

// IsUsable — более строгий операторский фильтр, применяемый при маршрутизации.
// Провайдер без истории пригоден по умолчанию.
func IsUsable(health *domain.ProviderHealth, prefs domain.ProviderPreferences) bool {
	if health == nil || health.TotalRequests == 0 {
		return true
	}
	return health.SuccessRate >= prefs.MinSuccessRate && health.AvgResponseTimeMs <= prefs.MaxResponseTimeMs
}

// Recorder принимает наблюдения о запросах к провайдерам.
type Recorder interface {
	RecordRequest(ctx context.Context, obs Observation) (domain.ProviderHealth, error)
}

// Aggregator дописывает наблюдение в журнал и синхронно пересчитывает запись здоровья.
type Aggregator struct {
	repo   domain.HealthRepository
	window Window
	logger *log.Entry
	tracer trace.Tracer
	now    func() time.Time
}

// Option настраивает Aggregator.
type Option func(*Aggregator)

// WithWindow подменяет стратегию пересчёта.
func WithWindow(window Window) Option {
	return func(a *Aggregator) {
		if window != nil {
			a.window = window
		}
	}
}

// WithClock задаёт источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithTracer задаёт трейсер вместо глобального.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Aggregator) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// NewAggregator создаёт агрегатор здоровья провайдеров.
func NewAggregator(repo domain.HealthRepository, logger *log.Entry, options ...Option) *Aggregator {
	if logger == nil {
		logger = log.New().WithField("component", "health-aggregator")
	}
	a := &Aggregator{
		repo:   repo,
		window: LatestRowsWindow{Size: DefaultWindowSize},
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// RecordRequest записывает наблюдение и возвращает пересчитанную запись.
func (a *Aggregator) RecordRequest(ctx context.Context, obs Observation) (health domain.ProviderHealth, err error) {
	ctx, span := a.tracer.Start(ctx, "health.record", trace.WithAttributes(
		attribute.String("provider", string(obs.Provider)),
		attribute.String("request_type", string(obs.RequestType)),
		attribute.Bool("success", obs.Success),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record provider request failed")
		} else {
			span.SetAttributes(attribute.String("health_status", string(health.Status)))
		}
		span.End()
	}()

	now := a.now()
	entry := domain.ProviderRequestLog{
		Provider:       obs.Provider,
		RequestType:    obs.RequestType,
		Success:        obs.Success,
		ResponseTimeMs: obs.Latency.Milliseconds(),
		ErrorMessage:   obs.ErrorMessage,
		Metadata:       obs.Metadata,
		CreatedAt:      now,
	}
	if entry.RequestType == "" {
		entry.RequestType = domain.RequestTypePurchase
	}

	if err := a.repo.RecordRequest(ctx, entry); err != nil {
		a.logger.WithError(err).WithField("provider", obs.Provider).Warn("append provider request log failed")
		return domain.ProviderHealth{}, fmt.Errorf("record provider request: %w", err)
	}

	health, err = a.window.Compute(ctx, a.repo, obs.Provider, now)
	if err != nil {
		a.logger.WithError(err).WithField("provider", obs.Provider).Warn("recompute provider health failed")
		return domain.ProviderHealth{}, err
	}

	if err := a.repo.Upsert(ctx, health); err != nil {
		a.logger.WithError(err).WithField("provider", obs.Provider).Warn("upsert provider health failed")
		return domain.ProviderHealth{}, fmt.Errorf("upsert provider health: %w", err)
	}

	a.logger.WithFields(log.Fields{
		"provider":     health.Provider,
		"status":       health.Status,
		"success_rate": health.SuccessRate,
		"avg_ms":       health.AvgResponseTimeMs,
	}).Debug("provider health recomputed")

	return health, nil
}

// Snapshot читает записи здоровья для набора провайдеров. Ошибка чтения одного
// провайдера даёт nil-запись (оптимистично «здоров»), а не прерывает маршрутизацию.
func (a *Aggregator) Snapshot(ctx context.Context, providers []domain.ProviderID) map[domain.ProviderID]*domain.ProviderHealth {
	result := make(map[domain.ProviderID]*domain.ProviderHealth, len(providers))
	for _, id := range providers {
		health, err := a.repo.Get(ctx, id)
		if err != nil {
			a.logger.WithError(err).WithField("provider", id).Warn("read provider health failed")
			result[id] = nil
			continue
		}
		result[id] = health
	}
	return result
}

// List возвращает все записи здоровья.
func (a *Aggregator) List(ctx context.Context) ([]domain.ProviderHealth, error) {
	return a.repo.List(ctx)
}

var _ Recorder = (*Aggregator)(nil)

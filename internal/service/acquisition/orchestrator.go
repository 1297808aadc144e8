package acquisition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/metrics"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/routing"
)

const tracerName = "github.com/luonghoangminh88-hub/smsflex/internal/service/acquisition"

// DefaultAttemptTimeout ограничивает одну попытку покупки.
const DefaultAttemptTimeout = 15 * time.Second

// State — состояние автомата получения номера (для логов и спанов).
type State string

const (
	StateIdle          State = "idle"
	StateProbingStock  State = "probing_stock"
	StateNoStock       State = "no_stock"
	StateRouting       State = "routing"
	StateAttempting    State = "attempting"
	StateRetryBackoff  State = "retry_backoff"
	StateNextProvider  State = "next_provider"
	StateSuccess       State = "success"
	StateExhausted     State = "exhausted_all_providers"
	StateDynamicProbed State = "dynamic_probed"
)

// Sleeper ждёт d или отмены ctx. Подменяется в тестах, чтобы фиксировать задержки backoff.
type Sleeper func(ctx context.Context, d time.Duration) error

// StockSource возвращает снимок остатков.
type StockSource interface {
	Probe(ctx context.Context, country, service string) domain.StockSnapshot
}

// HealthSource отдаёт текущие записи здоровья.
type HealthSource interface {
	Snapshot(ctx context.Context, providers []domain.ProviderID) map[domain.ProviderID]*domain.ProviderHealth
}

// Orchestrator выполняет retry/failover последовательность по провайдерам.
type Orchestrator struct {
	registry       *provider.Registry
	stock          StockSource
	healthSource   HealthSource
	recorder       health.Recorder
	prefs          domain.PreferencesRepository
	dynamic        *DynamicPricer
	metrics        *metrics.AcquisitionMetrics
	tracer         trace.Tracer
	logger         *log.Entry
	sleep          Sleeper
	now            func() time.Time
	attemptTimeout time.Duration
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithSleeper подменяет ожидание между попытками.
func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics включает Prometheus-метрики.
func WithMetrics(m *metrics.AcquisitionMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAttemptTimeout задаёт таймаут одной попытки.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.attemptTimeout = timeout
		}
	}
}

// WithDynamicPricer включает динамический путь.
func WithDynamicPricer(pricer *DynamicPricer) Option {
	return func(o *Orchestrator) { o.dynamic = pricer }
}

// NewOrchestrator создаёт оркестратор. aggregator одновременно служит источником
// записей здоровья и приёмником наблюдений.
func NewOrchestrator(
	registry *provider.Registry,
	stock StockSource,
	aggregator *health.Aggregator,
	prefs domain.PreferencesRepository,
	logger *log.Entry,
	options ...Option,
) *Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "acquisition")
	}
	o := &Orchestrator{
		registry:       registry,
		stock:          stock,
		healthSource:   aggregator,
		recorder:       aggregator,
		prefs:          prefs,
		tracer:         otel.Tracer(tracerName),
		logger:         logger,
		sleep:          sleepContext,
		now:            func() time.Time { return time.Now().UTC() },
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// Acquire получает номер у одного из провайдеров. Ошибка возвращается вместе с
// результатом, если Success == false; результат всегда заполнен для клиента.
func (o *Orchestrator) Acquire(ctx context.Context, req domain.AcquisitionRequest) (domain.AcquisitionResult, error) {
	started := o.now()
	ctx, span := o.tracer.Start(ctx, "acquisition.acquire", trace.WithAttributes(
		attribute.String("country", req.Country),
		attribute.String("service", req.Service),
		attribute.Bool("dynamic", req.UseDynamicPrice),
	))
	defer span.End()

	if o.metrics != nil {
		o.metrics.RecordAcquisitionStarted()
	}

	result, err := o.acquire(ctx, req)
	result.ResponseTimeMs = o.now().Sub(started).Milliseconds()

	if o.metrics != nil {
		o.metrics.RecordAcquisitionFinished(result, o.now().Sub(started))
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.String("provider", string(result.Provider)),
		attribute.Int("retried_count", result.RetriedCount),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.ErrorCode))
	}
	return result, err
}

func (o *Orchestrator) acquire(ctx context.Context, req domain.AcquisitionRequest) (domain.AcquisitionResult, error) {
	logger := o.logger.WithFields(log.Fields{
		"user_id": req.UserID,
		"country": req.Country,
		"service": req.Service,
	})

	if errs := req.Validate(); len(errs) > 0 {
		return failure(errs[0], 0, nil), errs[0]
	}

	prefs, err := o.prefs.Get(ctx)
	if err != nil {
		logger.WithError(err).Warn("load provider preferences failed, using defaults")
		prefs = domain.DefaultProviderPreferences()
	}

	if req.UseDynamicPrice && o.dynamic != nil {
		stepStarted := o.now()
		result, ok := o.dynamic.Try(ctx, req)
		o.observeStep(domain.StepDynamic, stepStarted)
		if ok {
			logger.WithFields(log.Fields{"state": StateSuccess, "provider": result.Provider}).Info("dynamic price acquisition succeeded")
			return result, nil
		}
		logger.WithField("state", StateDynamicProbed).Debug("dynamic price path did not produce a number")
	}

	logger.WithField("state", StateProbingStock).Debug("probing stock")
	stepStarted := o.now()
	snapshot := o.stock.Probe(ctx, req.Country, req.Service)
	o.observeStep(domain.StepStock, stepStarted)
	if o.metrics != nil {
		o.metrics.RecordStock(snapshot)
	}

	ids := o.registry.IDs()
	plan, err := routing.Route(ids, o.healthSource.Snapshot(ctx, ids), snapshot, prefs, o.now())
	if err != nil {
		logger.WithFields(log.Fields{"state": StateNoStock, "total_stock": snapshot.Total}).Warn("no usable provider has stock")
		return failure(err, 0, nil), err
	}

	logger.WithFields(log.Fields{
		"state":     StateRouting,
		"optimal":   plan.Optimal,
		"try_order": plan.TryOrder,
	}).Info("try order built")

	return o.failover(ctx, logger, req, prefs, plan.TryOrder)
}

func (o *Orchestrator) failover(ctx context.Context, logger *log.Entry, req domain.AcquisitionRequest, prefs domain.ProviderPreferences, tryOrder []domain.ProviderID) (domain.AcquisitionResult, error) {
	var (
		attempts  int
		lastErr   error
		attempted []domain.ProviderID
	)

	budget := prefs.RetryAttempts
	if budget < 1 {
		budget = 1
	}

	for idx, id := range tryOrder {
		adapter, err := o.registry.Get(id)
		if err != nil {
			lastErr = err
			continue
		}
		attempted = append(attempted, id)

		for i := 1; i <= budget; i++ {
			providerLogger := logger.WithFields(log.Fields{"provider": id, "attempt": i, "state": StateAttempting})

			purchase, err := o.attempt(ctx, adapter, req, i)
			if err == nil {
				providerLogger.WithField("state", StateSuccess).Info("number acquired")
				return domain.AcquisitionResult{
					Success:            true,
					Provider:           id,
					ExternalID:         purchase.ExternalID,
					PhoneNumber:        purchase.PhoneNumber,
					CostMinor:          purchase.CostMinor,
					RetriedCount:       attempts,
					AttemptedProviders: attempted,
				}, nil
			}

			attempts++
			lastErr = err

			if domain.IsPermanentProviderError(err) {
				providerLogger.WithError(err).Warn("permanent provider error, skipping remaining attempts")
				break
			}
			if i == budget {
				providerLogger.WithError(err).Warn("provider attempt budget exhausted")
				break
			}

			delay := Backoff(prefs.RetryDelay(), i)
			providerLogger.WithError(err).WithFields(log.Fields{"state": StateRetryBackoff, "delay": delay}).Warn("provider attempt failed, retrying")
			if o.metrics != nil {
				o.metrics.RecordBackoff(delay)
			}
			if err := o.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("%w: %v", domain.ErrProviderTransient, err)
				return failure(lastErr, attempts, attempted), lastErr
			}
		}

		if idx < len(tryOrder)-1 {
			logger.WithFields(log.Fields{"state": StateNextProvider, "from": id, "to": tryOrder[idx+1]}).Info("failing over to next provider")
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrAllProvidersFailed
	}
	err := fmt.Errorf("%w: %v", domain.ErrAllProvidersFailed, lastErr)
	logger.WithFields(log.Fields{"state": StateExhausted, "attempts": attempts}).WithError(lastErr).Error("all providers failed")

	result := failure(err, attempts, attempted)
	result.LastError = lastErr.Error()
	return result, err
}

// attempt выполняет одну покупку с таймаутом, восстанавливается после паники адаптера
// и записывает наблюдение в агрегатор здоровья.
func (o *Orchestrator) attempt(ctx context.Context, adapter domain.ProviderAdapter, req domain.AcquisitionRequest, index int) (purchase domain.Purchase, err error) {
	ctx, span := o.tracer.Start(ctx, "acquisition.attempt", trace.WithAttributes(
		attribute.String("provider", string(adapter.ID())),
		attribute.Int("attempt", index),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	started := o.now()
	purchase, err = callPurchase(attemptCtx, adapter, req)
	latency := o.now().Sub(started)

	if err == nil && purchase.ExternalID == "" {
		err = fmt.Errorf("%w: empty activation id", domain.ErrProviderTransient)
	}
	if err != nil {
		releaseOrphan(ctx, o.logger, adapter, purchase.ExternalID, o.attemptTimeout)
		purchase = domain.Purchase{}
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !domain.IsPermanentProviderError(err) {
		err = fmt.Errorf("%w: attempt timed out after %s", domain.ErrProviderTransient, o.attemptTimeout)
	}
	err = normalize(err)

	o.observeStep(domain.StepAttempt, started)
	o.record(ctx, health.Observation{
		Provider:     adapter.ID(),
		RequestType:  domain.RequestTypePurchase,
		Success:      err == nil,
		Latency:      latency,
		ErrorMessage: errorMessage(err),
		Metadata: map[string]string{
			"country": req.Country,
			"service": req.Service,
			"attempt": strconv.Itoa(index),
		},
	})

	if o.metrics != nil {
		o.metrics.RecordAttempt(adapter.ID(), outcome(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
	}
	return purchase, err
}

// releaseOrphan отменяет номер, который провайдер выдал вместе с ошибкой:
// в аренду он уже не попадёт, и без отмены висел бы на счёте провайдера.
func releaseOrphan(ctx context.Context, logger *log.Entry, adapter domain.ProviderAdapter, externalID string, timeout time.Duration) {
	if externalID == "" {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	logger = logger.WithFields(log.Fields{"provider": adapter.ID(), "external_id": externalID})
	if err := adapter.Cancel(cancelCtx, externalID); err != nil {
		logger.WithError(err).Error("cancel orphaned activation failed")
		return
	}
	logger.Warn("orphaned activation cancelled")
}

func callPurchase(ctx context.Context, adapter domain.ProviderAdapter, req domain.AcquisitionRequest) (purchase domain.Purchase, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", domain.ErrProviderTransient, r)
		}
	}()
	return adapter.Purchase(ctx, req.Country, req.Service, req.MaxPriceMinor)
}

func (o *Orchestrator) record(ctx context.Context, obs health.Observation) {
	if o.recorder == nil {
		return
	}
	if h, err := o.recorder.RecordRequest(ctx, obs); err != nil {
		o.logger.WithError(err).WithField("provider", obs.Provider).Warn("record provider observation failed")
	} else if o.metrics != nil {
		o.metrics.RecordProviderHealth(h)
	}
}

func (o *Orchestrator) observeStep(step domain.AcquisitionStep, started time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStepDuration(step, o.now().Sub(started))
	}
}

// Backoff возвращает задержку после неудачной попытки с номером attempt (с единицы):
// base × 2^(attempt−1), без верхней границы.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// normalize приводит ошибку адаптера к словарю ErrProvider*; неизвестные ошибки считаются временными.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsPermanentProviderError(err) || errors.Is(err, domain.ErrProviderTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderTransient, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsPermanentProviderError(err):
		return "permanent"
	default:
		return "transient"
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func failure(err error, attempts int, attempted []domain.ProviderID) domain.AcquisitionResult {
	return domain.AcquisitionResult{
		Success:            false,
		RetriedCount:       attempts,
		ErrorCode:          domain.CodeOf(err),
		LastError:          errorMessage(err),
		AttemptedProviders: attempted,
	}
}

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// AcquisitionMetrics содержит метрики движка получения номеров.
type AcquisitionMetrics struct {
	// Итоги запросов
	acquisitions *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	compensated  *prometheus.CounterVec
	refunds      prometheus.Counter

	// Гистограммы времени
	acquisitionDuration prometheus.Histogram
	stepDuration        *prometheus.HistogramVec
	backoffDelay        prometheus.Histogram

	outboxEvents prometheus.Counter

	activeAcquisitions prometheus.Gauge
	providerSuccess    *prometheus.GaugeVec
	providerStock      *prometheus.GaugeVec
}

// NewAcquisitionMetrics создаёт метрики в DefaultRegisterer.
func NewAcquisitionMetrics() *AcquisitionMetrics {
	return NewAcquisitionMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewAcquisitionMetricsWithRegisterer создаёт метрики в переданном реестре (тесты используют отдельный).
func NewAcquisitionMetricsWithRegisterer(registerer prometheus.Registerer) *AcquisitionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &AcquisitionMetrics{
		acquisitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smsflex_acquisitions_total",
			Help: "Total number of acquisition requests by outcome code",
		}, []string{"code", "dynamic"}),
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smsflex_provider_attempts_total",
			Help: "Total number of provider purchase attempts by outcome",
		}, []string{"provider", "outcome"}),
		compensated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smsflex_compensations_total",
			Help: "Total number of compensating cancels issued to providers",
		}, []string{"provider", "reason"}),
		refunds: registerCounter(registerer, prometheus.CounterOpts{
			Name: "smsflex_refunds_total",
			Help: "Total number of balance refunds",
		}),
		acquisitionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "smsflex_acquisition_duration_seconds",
			Help:    "Duration of acquisition requests in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "smsflex_acquisition_step_duration_seconds",
			Help:    "Duration of individual acquisition steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step"}),
		backoffDelay: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "smsflex_retry_backoff_seconds",
			Help:    "Backoff delays applied between attempts on the same provider",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "smsflex_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeAcquisitions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "smsflex_active_acquisitions",
			Help: "Number of acquisition requests currently in flight",
		}),
		providerSuccess: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "smsflex_provider_success_rate",
			Help: "Success rate over the latest requests window per provider",
		}, []string{"provider", "status"}),
		providerStock: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "smsflex_provider_stock",
			Help: "Last observed stock per provider",
		}, []string{"provider"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordAcquisitionStarted увеличивает число запросов в работе.
func (m *AcquisitionMetrics) RecordAcquisitionStarted() {
	m.activeAcquisitions.Inc()
}

// RecordAcquisitionFinished фиксирует итог запроса и его длительность.
func (m *AcquisitionMetrics) RecordAcquisitionFinished(result domain.AcquisitionResult, duration time.Duration) {
	m.activeAcquisitions.Dec()
	code := string(result.ErrorCode)
	if result.Success {
		code = "OK"
	}
	m.acquisitions.WithLabelValues(code, fmt.Sprint(result.UsedDynamicPrice)).Inc()
	m.acquisitionDuration.Observe(duration.Seconds())
}

// RecordAttempt увеличивает счётчик попыток провайдера; outcome — success, transient или permanent.
func (m *AcquisitionMetrics) RecordAttempt(provider domain.ProviderID, outcome string) {
	m.attempts.WithLabelValues(string(provider), outcome).Inc()
}

// RecordBackoff записывает задержку перед повторной попыткой.
func (m *AcquisitionMetrics) RecordBackoff(delay time.Duration) {
	m.backoffDelay.Observe(delay.Seconds())
}

// RecordStepDuration записывает время выполнения шага.
func (m *AcquisitionMetrics) RecordStepDuration(step domain.AcquisitionStep, duration time.Duration) {
	m.stepDuration.WithLabelValues(string(step)).Observe(duration.Seconds())
}

// RecordCompensation увеличивает счётчик компенсирующих отмен.
func (m *AcquisitionMetrics) RecordCompensation(provider domain.ProviderID, code domain.ErrorCode) {
	m.compensated.WithLabelValues(string(provider), string(code)).Inc()
}

// RecordRefund увеличивает счётчик возвратов на баланс.
func (m *AcquisitionMetrics) RecordRefund() {
	m.refunds.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *AcquisitionMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordProviderHealth выставляет gauge success rate; прошлые статусы провайдера сбрасываются.
func (m *AcquisitionMetrics) RecordProviderHealth(health domain.ProviderHealth) {
	for _, status := range []domain.HealthStatus{domain.HealthStatusHealthy, domain.HealthStatusDegraded, domain.HealthStatusUnavailable} {
		if status != health.Status {
			m.providerSuccess.DeleteLabelValues(string(health.Provider), string(status))
		}
	}
	m.providerSuccess.WithLabelValues(string(health.Provider), string(health.Status)).Set(health.SuccessRate)
}

// RecordStock выставляет gauge остатков провайдеров.
func (m *AcquisitionMetrics) RecordStock(snapshot domain.StockSnapshot) {
	for provider, stock := range snapshot.ByProvider {
		m.providerStock.WithLabelValues(string(provider)).Set(float64(stock))
	}
}

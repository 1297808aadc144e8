package domain

import (
	"context"
	"time"
)

// ProviderID идентифицирует внешний сервис приёма SMS.
type ProviderID string

// HealthStatus описывает состояние провайдера по последним запросам.
type HealthStatus string

const (
	// HealthStatusHealthy — провайдер стабильно отвечает.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded — провайдер работает, но с ошибками или медленно.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnavailable — провайдер в основном отказывает.
	HealthStatusUnavailable HealthStatus = "unavailable"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthStatusHealthy, HealthStatusDegraded, HealthStatusUnavailable:
		return true
	default:
		return false
	}
}

// RequestType — тип запроса к провайдеру, фиксируемый в журнале.
type RequestType string

const (
	RequestTypePurchase        RequestType = "purchase"
	RequestTypeDynamicPurchase RequestType = "dynamic_purchase"
	RequestTypeStatus          RequestType = "status"
	RequestTypeCancel          RequestType = "cancel"
	RequestTypeFinish          RequestType = "finish"
)

// ProviderRequestLog — одна строка журнала запросов к провайдеру.
type ProviderRequestLog struct {
	Provider       ProviderID
	RequestType    RequestType
	Success        bool
	ResponseTimeMs int64
	ErrorMessage   string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ProviderHealth — агрегированная запись о здоровье провайдера.
// Пересчитывается с нуля по последним строкам журнала после каждого запроса.
type ProviderHealth struct {
	Provider           ProviderID
	Status             HealthStatus
	SuccessRate        float64
	AvgResponseTimeMs  int64
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	LastSuccessAt      *time.Time
	LastFailureAt      *time.Time
	LastCheckedAt      time.Time
}

// PreferredProviderAuto означает автоматический выбор провайдера.
const PreferredProviderAuto ProviderID = "auto"

// ProviderPreferences — операторские настройки маршрутизации.
type ProviderPreferences struct {
	PreferredProvider ProviderID
	FallbackEnabled   bool
	MinSuccessRate    float64
	MaxResponseTimeMs int64
	RetryAttempts     int
	RetryDelayMs      int64
	UpdatedAt         time.Time
}

// DefaultProviderPreferences возвращает настройки, которые действуют, пока оператор ничего не сохранил.
func DefaultProviderPreferences() ProviderPreferences {
	return ProviderPreferences{
		PreferredProvider: PreferredProviderAuto,
		FallbackEnabled:   true,
		MinSuccessRate:    90,
		MaxResponseTimeMs: 5000,
		RetryAttempts:     2,
		RetryDelayMs:      1000,
	}
}

// IsAuto сообщает, что явный провайдер не выбран.
func (p ProviderPreferences) IsAuto() bool {
	return p.PreferredProvider == "" || p.PreferredProvider == PreferredProviderAuto
}

// RetryDelay возвращает базовую задержку backoff.
func (p ProviderPreferences) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// Validate проверяет диапазоны значений.
func (p ProviderPreferences) Validate() []error {
	var errs []error
	if p.MinSuccessRate < 0 || p.MinSuccessRate > 100 {
		errs = append(errs, ErrPreferencesInvalid)
	}
	if p.MaxResponseTimeMs <= 0 {
		errs = append(errs, ErrPreferencesInvalid)
	}
	if p.RetryAttempts < 1 {
		errs = append(errs, ErrPreferencesInvalid)
	}
	if p.RetryDelayMs < 0 {
		errs = append(errs, ErrPreferencesInvalid)
	}
	return errs
}

// Purchase — результат успешной покупки номера у провайдера.
type Purchase struct {
	ExternalID  string
	PhoneNumber string
	CostMinor   int64
}

// ActivationState — нормализованный статус активации у провайдера.
type ActivationState string

const (
	ActivationWaiting   ActivationState = "waiting"
	ActivationReceived  ActivationState = "received"
	ActivationCancelled ActivationState = "cancelled"
	ActivationFinished  ActivationState = "finished"
)

// ActivationStatus — ответ провайдера на проверку статуса.
type ActivationStatus struct {
	State ActivationState
	Code  string
}

// MarketOffer — предложение с рыночной (динамической) ценой.
type MarketOffer struct {
	Provider   ProviderID
	Operator   string
	PriceMinor int64
	Stock      int
}

// ProviderAdapter — непрозрачный клиент конкретного провайдера.
// Ошибки должны быть нормализованы в ErrProvider* до выхода из адаптера.
type ProviderAdapter interface {
	ID() ProviderID
	Purchase(ctx context.Context, country, service string, maxPriceMinor int64) (Purchase, error)
	CheckStatus(ctx context.Context, externalID string) (ActivationStatus, error)
	Cancel(ctx context.Context, externalID string) error
	Finish(ctx context.Context, externalID string) error
	Stock(ctx context.Context, country, service string) (int, error)
}

// MarketPricer — необязательная возможность адаптера покупать по рыночной цене.
type MarketPricer interface {
	MarketPrices(ctx context.Context, country, service string) ([]MarketOffer, error)
	PurchaseAt(ctx context.Context, country, service string, offer MarketOffer) (Purchase, error)
}

// StockSnapshot — остатки по провайдерам на время одного решения о маршрутизации.
type StockSnapshot struct {
	Country    string
	Service    string
	ByProvider map[ProviderID]int
	Total      int
}

// Of возвращает остаток провайдера (0, если данных нет).
func (s StockSnapshot) Of(id ProviderID) int {
	if s.ByProvider == nil {
		return 0
	}
	return s.ByProvider[id]
}

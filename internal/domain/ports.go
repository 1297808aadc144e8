package domain

import (
	"context"
	"time"
)

// HealthRepository хранит журнал запросов к провайдерам и агрегированные записи здоровья.
type HealthRepository interface {
	// RecordRequest дописывает строку в журнал запросов.
	RecordRequest(ctx context.Context, entry ProviderRequestLog) error
	// LatestRequests возвращает до limit последних строк провайдера, новые первыми.
	LatestRequests(ctx context.Context, provider ProviderID, limit int) ([]ProviderRequestLog, error)
	// Upsert перезаписывает запись здоровья провайдера.
	Upsert(ctx context.Context, health ProviderHealth) error
	// Get возвращает запись или nil, если истории ещё нет.
	Get(ctx context.Context, provider ProviderID) (*ProviderHealth, error)
	// List возвращает все записи.
	List(ctx context.Context) ([]ProviderHealth, error)
}

// PreferencesRepository хранит настройки маршрутизации.
type PreferencesRepository interface {
	// Get возвращает сохранённые настройки или DefaultProviderPreferences.
	Get(ctx context.Context) (ProviderPreferences, error)
	Save(ctx context.Context, prefs ProviderPreferences) error
}

// CatalogRepository отдаёт актуальную цену каталога для пары страна/сервис.
type CatalogRepository interface {
	// Price возвращает цену продажи и себестоимость или ErrCatalogPriceNotFound.
	Price(ctx context.Context, country, service string) (CatalogPrice, error)
}

// CatalogPrice — строка прайса.
type CatalogPrice struct {
	Country         string
	Service         string
	BasePriceMinor  int64
	CostPriceMinor  int64
	RentalType      string
	DurationMinutes int
}

// BalanceRepository изменяет баланс пользователя атомарно на стороне хранилища.
type BalanceRepository interface {
	// Debit списывает amount одним условным обновлением; ErrInsufficientBalance, если средств мало.
	Debit(ctx context.Context, userID string, amountMinor int64) (int64, error)
	// Credit зачисляет amount (возвраты, пополнения) атомарным инкрементом.
	Credit(ctx context.Context, userID string, amountMinor int64) (int64, error)
	Get(ctx context.Context, userID string) (int64, error)
}

// RentalRepository описывает требования к хранилищу аренд.
type RentalRepository interface {
	// Create сохраняет новую аренду. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, rental Rental) error
	// Get возвращает аренду по идентификатору или ErrRentalNotFound.
	Get(ctx context.Context, id string) (Rental, error)
	// GetByExternal возвращает аренду по номеру у провайдера или ErrRentalNotFound.
	GetByExternal(ctx context.Context, provider ProviderID, externalID string) (Rental, error)
	// ListByUser возвращает аренды пользователя с опциональным ограничением на количество.
	ListByUser(ctx context.Context, userID string, limit int) ([]Rental, error)
	// ListExpired возвращает активные аренды с ExpiresAt <= before.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Rental, error)
	// Save применяет обновления с учётом optimistic locking.
	Save(ctx context.Context, rental Rental) error
}

// ReservationRepository — журнал внешних резервирований номеров.
type ReservationRepository interface {
	Record(ctx context.Context, reservation Reservation) error
	MarkStatus(ctx context.Context, provider ProviderID, externalID string, status ReservationStatus) error
	// ListStale возвращает pending-записи старше olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, actor, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	// Reclaim переводит failed-ключ обратно в processing; ErrIdempotencyKeyAlreadyExists, если ключ не в failed.
	Reclaim(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int, referenceID string) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// AcquisitionStep задаёт константы шагов для метрик/логов.
type AcquisitionStep string

const (
	StepIdempotency AcquisitionStep = "idempotency"
	StepDynamic     AcquisitionStep = "dynamic_price"
	StepStock       AcquisitionStep = "stock"
	StepRouting     AcquisitionStep = "routing"
	StepAttempt     AcquisitionStep = "attempt"
	StepPricing     AcquisitionStep = "pricing"
	StepDebit       AcquisitionStep = "debit"
	StepPersist     AcquisitionStep = "persist"
	StepCompensate  AcquisitionStep = "compensate"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	// FailedCount — события, ушедшие в DLQ и ждущие ручного replay.
	FailedCount int
}

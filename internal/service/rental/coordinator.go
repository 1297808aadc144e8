// Package rental связывает получение номера, списание баланса и запись аренды
// в одну последовательность с компенсацией при частичном сбое.
package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/metrics"
	"github.com/luonghoangminh88-hub/smsflex/internal/pricing"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/idempotency"
)

const tracerName = "github.com/luonghoangminh88-hub/smsflex/internal/service/rental"

// DefaultRentalDuration — срок аренды, если каталог его не задаёт.
const DefaultRentalDuration = 20 * time.Minute

// completeAttempts — сколько раз пытаться сохранить квитанцию под ключом идемпотентности.
const completeAttempts = 2

// Acquirer получает номер у одного из провайдеров.
type Acquirer interface {
	Acquire(ctx context.Context, req domain.AcquisitionRequest) (domain.AcquisitionResult, error)
}

// Receipt — ответ на успешную аренду; кэшируется под ключом идемпотентности.
type Receipt struct {
	RentalID     string                   `json:"rental_id"`
	Provider     domain.ProviderID        `json:"provider"`
	PhoneNumber  string                   `json:"phone_number"`
	AmountMinor  int64                    `json:"amount_minor"`
	BalanceMinor int64                    `json:"balance_minor"`
	ExpiresAt    time.Time                `json:"expires_at"`
	Acquisition  domain.AcquisitionResult `json:"acquisition"`
	// Replayed — ответ взят из кэша идемпотентности.
	Replayed bool `json:"-"`
}

// Dependencies — хранилища и сервисы, нужные координатору.
type Dependencies struct {
	Acquirer     Acquirer
	Registry     *provider.Registry
	Guard        *idempotency.Guard
	Catalog      domain.CatalogRepository
	Pricing      *pricing.Calculator
	Balances     domain.BalanceRepository
	Rentals      domain.RentalRepository
	Reservations domain.ReservationRepository
	Outbox       domain.OutboxRepository
	Recorder     health.Recorder
	Metrics      *metrics.AcquisitionMetrics
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов аренды.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator проводит аренду: idempotency → acquisition → журнал → цена → списание → запись.
type Coordinator struct {
	deps   Dependencies
	logger *log.Entry
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// NewCoordinator создаёт координатор. Pricing по умолчанию использует pricing.DefaultConfig.
func NewCoordinator(deps Dependencies, logger *log.Entry, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Acquirer == nil:
		return nil, errors.New("rental coordinator: acquirer is required")
	case deps.Registry == nil:
		return nil, errors.New("rental coordinator: provider registry is required")
	case deps.Guard == nil:
		return nil, errors.New("rental coordinator: idempotency guard is required")
	case deps.Catalog == nil, deps.Balances == nil, deps.Rentals == nil, deps.Reservations == nil:
		return nil, errors.New("rental coordinator: catalog, balance, rental and reservation repositories are required")
	}
	if deps.Pricing == nil {
		deps.Pricing = pricing.NewCalculator(pricing.DefaultConfig())
	}
	if logger == nil {
		logger = log.New().WithField("component", "rental-coordinator")
	}

	c := &Coordinator{
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Rent выполняет полную последовательность аренды номера.
// Повтор с тем же ключом отдаёт сохранённый ответ и не списывает деньги повторно.
func (c *Coordinator) Rent(ctx context.Context, req domain.AcquisitionRequest) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "rental.rent", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("country", req.Country),
		attribute.String("service", req.Service),
	))
	defer span.End()

	receipt, err := c.rent(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.CodeOf(err)))
	}
	span.SetAttributes(attribute.Bool("replayed", receipt.Replayed))
	return receipt, err
}

func (c *Coordinator) rent(ctx context.Context, req domain.AcquisitionRequest) (Receipt, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return Receipt{}, errs[0]
	}

	key := idempotency.ScopedKey(req.UserID, req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return Receipt{}, domain.ErrIdempotencyKeyRequired
	}
	hash := RequestFingerprint(req)

	logger := c.logger.WithFields(log.Fields{
		"user_id":         req.UserID,
		"country":         req.Country,
		"service":         req.Service,
		"idempotency_key": key,
	})

	stepStarted := c.now()
	decision, err := c.deps.Guard.Check(ctx, key, req.UserID, hash)
	c.observeStep(domain.StepIdempotency, stepStarted)
	if err != nil {
		logger.WithError(err).Info("idempotency check rejected request")
		return Receipt{}, err
	}
	if !decision.IsNew {
		var cached Receipt
		if err := json.Unmarshal(decision.CachedData, &cached); err != nil {
			return Receipt{}, fmt.Errorf("%w: decode cached receipt: %v", domain.ErrPersistence, err)
		}
		cached.Replayed = true
		logger.WithField("rental_id", decision.ReferenceID).Info("replaying cached rental response")
		return cached, nil
	}

	// После регистрации ключа последовательность доводится до конца независимо от клиента.
	ctx = context.WithoutCancel(ctx)

	result, err := c.deps.Acquirer.Acquire(ctx, req)
	if err != nil || !result.Success {
		if err == nil {
			err = fmt.Errorf("%w: %s", domain.ErrAllProvidersFailed, result.LastError)
		}
		c.fail(ctx, logger, key, err)
		return Receipt{Acquisition: result}, err
	}

	logger = logger.WithFields(log.Fields{
		"provider":    result.Provider,
		"external_id": result.ExternalID,
	})

	receipt, err := c.settle(ctx, logger, req, key, result)
	if err != nil {
		c.fail(ctx, logger, key, err)
		return Receipt{Acquisition: result}, err
	}

	c.complete(ctx, logger, key, receipt)

	logger.WithFields(log.Fields{
		"rental_id":    receipt.RentalID,
		"amount_minor": receipt.AmountMinor,
	}).Info("rental created")
	return receipt, nil
}

// complete кэширует квитанцию под ключом. Аренда уже записана и оплачена, поэтому ошибка
// не возвращается клиенту; ключ, оставшийся в processing, требует ручного исправления.
func (c *Coordinator) complete(ctx context.Context, logger *log.Entry, key string, receipt Receipt) {
	logger = logger.WithField("rental_id", receipt.RentalID)

	data, err := json.Marshal(receipt)
	if err != nil {
		logger.WithError(err).Error("marshal rental receipt failed, idempotency key left in processing")
		return
	}

	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = c.deps.Guard.Complete(ctx, key, data, http.StatusCreated, receipt.RentalID); err == nil {
			return
		}
	}
	logger.WithError(err).Error("store idempotent rental receipt failed, idempotency key left in processing")
}

// settle проводит шаги после получения номера. Любая ошибка уже компенсирована.
func (c *Coordinator) settle(ctx context.Context, logger *log.Entry, req domain.AcquisitionRequest, key string, result domain.AcquisitionResult) (Receipt, error) {
	reservation := domain.Reservation{
		ExternalID:     result.ExternalID,
		Provider:       result.Provider,
		UserID:         req.UserID,
		IdempotencyKey: key,
		CostMinor:      result.CostMinor,
		Status:         domain.ReservationStatusPending,
		CreatedAt:      c.now(),
	}
	if err := c.deps.Reservations.Record(ctx, reservation); err != nil {
		logger.WithError(err).Error("journal external reservation failed")
		err = fmt.Errorf("%w: journal reservation: %v", domain.ErrPersistence, err)
		c.compensate(ctx, logger, req.UserID, result, err)
		return Receipt{}, err
	}

	stepStarted := c.now()
	price, amount, err := c.price(ctx, req, result)
	c.observeStep(domain.StepPricing, stepStarted)
	if err != nil {
		logger.WithError(err).Warn("price re-validation failed")
		c.compensate(ctx, logger, req.UserID, result, err)
		return Receipt{}, err
	}

	stepStarted = c.now()
	balance, err := c.deps.Balances.Debit(ctx, req.UserID, amount)
	c.observeStep(domain.StepDebit, stepStarted)
	if err != nil {
		logger.WithError(err).WithField("amount_minor", amount).Warn("balance debit failed")
		if !errors.Is(err, domain.ErrInsufficientBalance) && !errors.Is(err, domain.ErrBalanceNotFound) {
			err = fmt.Errorf("%w: debit balance: %v", domain.ErrPersistence, err)
		}
		c.compensate(ctx, logger, req.UserID, result, err)
		return Receipt{}, err
	}

	now := c.now()
	rental := domain.Rental{
		ID:             c.newID(),
		UserID:         req.UserID,
		Country:        req.Country,
		Service:        req.Service,
		Provider:       result.Provider,
		ExternalID:     result.ExternalID,
		PhoneNumber:    result.PhoneNumber,
		AmountMinor:    amount,
		CostMinor:      result.CostMinor,
		Status:         domain.RentalStatusActive,
		Acquisition:    result,
		IdempotencyKey: key,
		ExpiresAt:      now.Add(rentalDuration(price)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stepStarted = c.now()
	err = c.deps.Rentals.Create(ctx, rental)
	c.observeStep(domain.StepPersist, stepStarted)
	if err != nil {
		logger.WithError(err).Error("persist rental failed")
		err = fmt.Errorf("%w: create rental: %v", domain.ErrPersistence, err)
		c.refund(ctx, logger, req.UserID, amount)
		c.compensate(ctx, logger, req.UserID, result, err)
		return Receipt{}, err
	}

	c.emitEvent(logger, rental, domain.EventRentalCreated, map[string]interface{}{
		"user_id":      rental.UserID,
		"provider":     rental.Provider,
		"phone_number": rental.PhoneNumber,
		"amount_minor": rental.AmountMinor,
		"cost_minor":   rental.CostMinor,
		"dynamic":      result.UsedDynamicPrice,
		"expires_at":   rental.ExpiresAt.Format(time.RFC3339Nano),
	})

	if err := c.deps.Reservations.MarkStatus(ctx, result.Provider, result.ExternalID, domain.ReservationStatusSettled); err != nil {
		logger.WithError(err).Warn("mark reservation settled failed")
	}

	return Receipt{
		RentalID:     rental.ID,
		Provider:     rental.Provider,
		PhoneNumber:  rental.PhoneNumber,
		AmountMinor:  amount,
		BalanceMinor: balance,
		ExpiresAt:    rental.ExpiresAt,
		Acquisition:  result,
	}, nil
}

// price пересчитывает цену по каталогу. На динамическом пути экономия уменьшает базу,
// но не ниже себестоимости с минимальной наценкой.
func (c *Coordinator) price(ctx context.Context, req domain.AcquisitionRequest, result domain.AcquisitionResult) (domain.CatalogPrice, int64, error) {
	price, err := c.deps.Catalog.Price(ctx, req.Country, req.Service)
	if err != nil {
		if errors.Is(err, domain.ErrCatalogPriceNotFound) {
			return price, 0, err
		}
		return price, 0, fmt.Errorf("%w: load catalog price: %v", domain.ErrPricingValidation, err)
	}

	base := price.BasePriceMinor
	if result.UsedDynamicPrice && result.SavingsAmountMinor > 0 {
		base = max(base-result.SavingsAmountMinor, 0)
	}

	validation := c.deps.Pricing.Validate(
		req.ExpectedPriceMinor,
		base,
		price.CostPriceMinor,
		result.CostMinor,
		price.RentalType,
		0,
		durationHours(price),
	)
	if !validation.Valid {
		return price, 0, validation.Err
	}
	return price, validation.CalculatedPrice, nil
}

// compensate отменяет номер у провайдера. Если отмена не удалась, запись журнала
// остаётся pending и её подберёт sweep реконсиляции.
func (c *Coordinator) compensate(ctx context.Context, logger *log.Entry, userID string, result domain.AcquisitionResult, cause error) {
	stepStarted := c.now()
	defer c.observeStep(domain.StepCompensate, stepStarted)

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordCompensation(result.Provider, domain.CodeOf(cause))
	}

	if err := c.cancelExternal(ctx, result.Provider, result.ExternalID); err != nil {
		logger.WithError(err).Error("compensating cancel failed, reservation left for reconciliation")
		return
	}
	if err := c.deps.Reservations.MarkStatus(ctx, result.Provider, result.ExternalID, domain.ReservationStatusCompensated); err != nil {
		logger.WithError(err).Warn("mark reservation compensated failed")
	}
	c.emitCompensation(logger, result.Provider, result.ExternalID, userID, domain.CodeOf(cause))
	logger.WithField("reason", domain.CodeOf(cause)).Info("external number cancelled as compensation")
}

// CompensateReservation отменяет номер из журнала и помечает запись компенсированной.
func (c *Coordinator) CompensateReservation(ctx context.Context, reservation domain.Reservation) error {
	if err := c.cancelExternal(ctx, reservation.Provider, reservation.ExternalID); err != nil {
		return err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordCompensation(reservation.Provider, domain.ErrorCodePersistence)
	}
	if err := c.deps.Reservations.MarkStatus(ctx, reservation.Provider, reservation.ExternalID, domain.ReservationStatusCompensated); err != nil {
		return err
	}
	c.emitCompensation(c.logger.WithField("external_id", reservation.ExternalID), reservation.Provider, reservation.ExternalID, reservation.UserID, domain.ErrorCodePersistence)
	return nil
}

// SettleReservation помечает запись журнала завершённой (аренда уже записана).
func (c *Coordinator) SettleReservation(ctx context.Context, reservation domain.Reservation) error {
	return c.deps.Reservations.MarkStatus(ctx, reservation.Provider, reservation.ExternalID, domain.ReservationStatusSettled)
}

func (c *Coordinator) cancelExternal(ctx context.Context, id domain.ProviderID, externalID string) (err error) {
	adapter, err := c.deps.Registry.Get(id)
	if err != nil {
		return err
	}

	started := c.now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: adapter panic: %v", domain.ErrProviderTransient, r)
			}
		}()
		err = adapter.Cancel(ctx, externalID)
	}()

	c.record(ctx, health.Observation{
		Provider:     id,
		RequestType:  domain.RequestTypeCancel,
		Success:      err == nil,
		Latency:      c.now().Sub(started),
		ErrorMessage: errText(err),
		Metadata:     map[string]string{"external_id": externalID},
	})
	return err
}

func (c *Coordinator) refund(ctx context.Context, logger *log.Entry, userID string, amount int64) {
	if amount <= 0 {
		return
	}
	if _, err := c.deps.Balances.Credit(ctx, userID, amount); err != nil {
		logger.WithError(err).WithField("amount_minor", amount).Error("refund failed")
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRefund()
	}
	logger.WithField("amount_minor", amount).Info("balance refunded")
}

func (c *Coordinator) fail(ctx context.Context, logger *log.Entry, key string, cause error) {
	if err := c.deps.Guard.Fail(ctx, key, cause, HTTPStatus(cause)); err != nil {
		logger.WithError(err).Warn("mark idempotency key failed")
	}
}

func (c *Coordinator) record(ctx context.Context, obs health.Observation) {
	if c.deps.Recorder == nil {
		return
	}
	if h, err := c.deps.Recorder.RecordRequest(ctx, obs); err != nil {
		c.logger.WithError(err).WithField("provider", obs.Provider).Warn("record provider observation failed")
	} else if c.deps.Metrics != nil {
		c.deps.Metrics.RecordProviderHealth(h)
	}
}

func (c *Coordinator) observeStep(step domain.AcquisitionStep, started time.Time) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStepDuration(step, c.now().Sub(started))
	}
}

// RequestFingerprint — хэш параметров запроса, по которому ловится переиспользование ключа.
func RequestFingerprint(req domain.AcquisitionRequest) string {
	return idempotency.Fingerprint(
		req.UserID,
		req.Country,
		req.Service,
		strconv.FormatInt(req.MaxPriceMinor, 10),
		strconv.FormatInt(req.ExpectedPriceMinor, 10),
		strconv.FormatBool(req.UseDynamicPrice),
		string(req.DynamicStrategy),
	)
}

func rentalDuration(price domain.CatalogPrice) time.Duration {
	if price.DurationMinutes > 0 {
		return time.Duration(price.DurationMinutes) * time.Minute
	}
	return DefaultRentalDuration
}

func durationHours(price domain.CatalogPrice) int {
	if price.RentalType != pricing.RentalTypeRent || price.DurationMinutes <= 0 {
		return 1
	}
	return (price.DurationMinutes + 59) / 60
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

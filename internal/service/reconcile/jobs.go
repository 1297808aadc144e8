// Package reconcile содержит периодические задачи, которые доводят до конца
// прерванные последовательности аренды.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

const (
	// DefaultReservationGrace — сколько запись журнала может висеть в pending.
	DefaultReservationGrace = 10 * time.Minute
	// DefaultBatchSize — сколько записей обрабатывает один проход.
	DefaultBatchSize = 100
)

// Job — задача, которую запускает планировщик.
type Job interface {
	Name() string
	Sweep(ctx context.Context) error
}

// Expirer закрывает просроченные аренды.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// ExpiryJob — периодическое закрытие аренд с истёкшим сроком.
type ExpiryJob struct {
	expirer Expirer
	batch   int
}

// NewExpiryJob создаёт задачу истечения аренд.
func NewExpiryJob(expirer Expirer, batch int) *ExpiryJob {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &ExpiryJob{expirer: expirer, batch: batch}
}

func (j *ExpiryJob) Name() string { return "rental-expiry" }

// Sweep обрабатывает пачки, пока находятся просроченные аренды.
func (j *ExpiryJob) Sweep(ctx context.Context) error {
	for {
		n, err := j.expirer.ExpireDue(ctx, j.batch)
		if err != nil {
			return err
		}
		if n < j.batch {
			return nil
		}
	}
}

// Compensator отменяет или подтверждает внешнее резервирование.
type Compensator interface {
	CompensateReservation(ctx context.Context, reservation domain.Reservation) error
	SettleReservation(ctx context.Context, reservation domain.Reservation) error
}

// ReservationJob разбирает записи журнала, застрявшие в pending после падения процесса
// между покупкой номера и записью аренды.
type ReservationJob struct {
	reservations domain.ReservationRepository
	rentals      domain.RentalRepository
	compensator  Compensator
	grace        time.Duration
	batch        int
	logger       *log.Entry
	now          func() time.Time
}

// ReservationOption настраивает ReservationJob.
type ReservationOption func(*ReservationJob)

// WithGrace задаёт, сколько ждать перед компенсацией.
func WithGrace(grace time.Duration) ReservationOption {
	return func(j *ReservationJob) {
		if grace > 0 {
			j.grace = grace
		}
	}
}

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) ReservationOption {
	return func(j *ReservationJob) {
		if now != nil {
			j.now = now
		}
	}
}

// NewReservationJob создаёт задачу реконсиляции журнала резервирований.
func NewReservationJob(
	reservations domain.ReservationRepository,
	rentals domain.RentalRepository,
	compensator Compensator,
	logger *log.Entry,
	opts ...ReservationOption,
) *ReservationJob {
	if logger == nil {
		logger = log.New().WithField("component", "reservation-reconciler")
	}
	j := &ReservationJob{
		reservations: reservations,
		rentals:      rentals,
		compensator:  compensator,
		grace:        DefaultReservationGrace,
		batch:        DefaultBatchSize,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *ReservationJob) Name() string { return "reservation-reconcile" }

// Sweep: если по номеру записана аренда, резервирование подтверждается; иначе номер
// отменяется у провайдера. Неудачная отмена оставляет запись до следующего прохода.
// Ключ идемпотентности для решения не годится: повтор с тем же ключом покупает другой номер.
func (j *ReservationJob) Sweep(ctx context.Context) error {
	stale, err := j.reservations.ListStale(ctx, j.now().Add(-j.grace), j.batch)
	if err != nil {
		return fmt.Errorf("list stale reservations: %w", err)
	}

	var failed int
	for _, reservation := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := j.logger.WithFields(log.Fields{
			"provider":    reservation.Provider,
			"external_id": reservation.ExternalID,
		})

		settled, err := j.settled(ctx, reservation)
		if err != nil {
			// Без ответа хранилища номер не трогаем: он может принадлежать оплаченной аренде.
			logger.WithError(err).Warn("resolve reservation owner failed")
			failed++
			continue
		}
		if settled {
			if err := j.compensator.SettleReservation(ctx, reservation); err != nil {
				logger.WithError(err).Warn("settle reservation failed")
				failed++
			}
			continue
		}

		if err := j.compensator.CompensateReservation(ctx, reservation); err != nil {
			logger.WithError(err).Warn("compensate stale reservation failed")
			failed++
			continue
		}
		logger.Info("stale reservation compensated")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d stale reservations left unresolved", failed, len(stale))
	}
	return nil
}

func (j *ReservationJob) settled(ctx context.Context, reservation domain.Reservation) (bool, error) {
	if j.rentals == nil {
		return false, errors.New("rental repository is not configured")
	}
	_, err := j.rentals.GetByExternal(ctx, reservation.Provider, reservation.ExternalID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrRentalNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("lookup rental by external id: %w", err)
	}
}

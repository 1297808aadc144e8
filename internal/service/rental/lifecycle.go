package rental

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
)

// DefaultExpiryBatch — сколько просроченных аренд обрабатывает один проход.
const DefaultExpiryBatch = 100

// Get возвращает аренду пользователя.
func (c *Coordinator) Get(ctx context.Context, userID, rentalID string) (domain.Rental, error) {
	rental, err := c.deps.Rentals.Get(ctx, rentalID)
	if err != nil {
		return domain.Rental{}, err
	}
	if rental.UserID != userID {
		return domain.Rental{}, domain.ErrRentalForbidden
	}
	return rental, nil
}

// List возвращает последние аренды пользователя.
func (c *Coordinator) List(ctx context.Context, userID string, limit int) ([]domain.Rental, error) {
	return c.deps.Rentals.ListByUser(ctx, userID, limit)
}

// CheckStatus опрашивает провайдера. Полученный код сохраняется и закрывает аренду,
// отмена на стороне провайдера возвращает деньги.
func (c *Coordinator) CheckStatus(ctx context.Context, userID, rentalID string) (domain.Rental, error) {
	rental, err := c.Get(ctx, userID, rentalID)
	if err != nil {
		return domain.Rental{}, err
	}
	if rental.Status.Terminal() {
		return rental, nil
	}

	adapter, err := c.deps.Registry.Get(rental.Provider)
	if err != nil {
		return domain.Rental{}, err
	}

	started := c.now()
	status, err := adapter.CheckStatus(ctx, rental.ExternalID)
	c.record(ctx, health.Observation{
		Provider:     rental.Provider,
		RequestType:  domain.RequestTypeStatus,
		Success:      err == nil,
		Latency:      c.now().Sub(started),
		ErrorMessage: errText(err),
		Metadata:     map[string]string{"rental_id": rental.ID},
	})
	if err != nil {
		return domain.Rental{}, fmt.Errorf("check activation status: %w", err)
	}

	logger := c.logger.WithFields(log.Fields{"rental_id": rental.ID, "provider": rental.Provider})

	switch status.State {
	case domain.ActivationReceived, domain.ActivationFinished:
		if status.Code == "" {
			return rental, nil
		}
		rental.SMSCode = status.Code
		c.finishExternal(ctx, logger, rental)
		if err := c.transition(ctx, &rental, domain.RentalStatusCompleted); err != nil {
			return domain.Rental{}, err
		}
		logger.Info("sms code received")
		c.emitEvent(logger, rental, domain.EventRentalCompleted, map[string]interface{}{
			"user_id": rental.UserID,
		})
	case domain.ActivationCancelled:
		if err := c.closeWithRefund(ctx, logger, &rental, domain.RentalStatusCancelled, domain.EventRentalCancelled, "provider_cancelled"); err != nil {
			return domain.Rental{}, err
		}
	}

	return rental, nil
}

// Cancel отменяет аренду по запросу пользователя и возвращает деньги.
// После получения кода отмена невозможна.
func (c *Coordinator) Cancel(ctx context.Context, userID, rentalID string) (domain.Rental, error) {
	rental, err := c.Get(ctx, userID, rentalID)
	if err != nil {
		return domain.Rental{}, err
	}
	if rental.Status != domain.RentalStatusActive {
		return domain.Rental{}, domain.ErrRentalNotActive
	}
	if rental.SMSCode != "" {
		return domain.Rental{}, domain.ErrRentalCodeReceived
	}

	if err := c.cancelExternal(ctx, rental.Provider, rental.ExternalID); err != nil {
		return domain.Rental{}, fmt.Errorf("cancel activation: %w", err)
	}

	logger := c.logger.WithFields(log.Fields{"rental_id": rental.ID, "provider": rental.Provider})
	if err := c.closeWithRefund(ctx, logger, &rental, domain.RentalStatusCancelled, domain.EventRentalCancelled, "user_cancelled"); err != nil {
		return domain.Rental{}, err
	}
	return rental, nil
}

// Finish закрывает активную аренду без возврата денег.
func (c *Coordinator) Finish(ctx context.Context, userID, rentalID string) (domain.Rental, error) {
	rental, err := c.Get(ctx, userID, rentalID)
	if err != nil {
		return domain.Rental{}, err
	}
	if rental.Status != domain.RentalStatusActive {
		return domain.Rental{}, domain.ErrRentalNotActive
	}

	logger := c.logger.WithFields(log.Fields{"rental_id": rental.ID, "provider": rental.Provider})
	c.finishExternal(ctx, logger, rental)
	if err := c.transition(ctx, &rental, domain.RentalStatusCompleted); err != nil {
		return domain.Rental{}, err
	}
	c.emitEvent(logger, rental, domain.EventRentalCompleted, map[string]interface{}{
		"user_id": rental.UserID,
	})
	return rental, nil
}

// ExpireDue закрывает аренды с истёкшим сроком: без кода — отмена и возврат, с кодом — завершение.
func (c *Coordinator) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultExpiryBatch
	}
	due, err := c.deps.Rentals.ListExpired(ctx, c.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired rentals: %w", err)
	}

	expired := 0
	for i := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		rental := due[i]
		logger := c.logger.WithFields(log.Fields{"rental_id": rental.ID, "provider": rental.Provider})

		if rental.SMSCode != "" {
			if err := c.transition(ctx, &rental, domain.RentalStatusCompleted); err != nil {
				logger.WithError(err).Warn("complete expired rental failed")
				continue
			}
			expired++
			continue
		}

		if err := c.cancelExternal(ctx, rental.Provider, rental.ExternalID); err != nil {
			logger.WithError(err).Warn("cancel expired activation failed, refunding anyway")
		}
		if err := c.closeWithRefund(ctx, logger, &rental, domain.RentalStatusExpired, domain.EventRentalExpired, "expired"); err != nil {
			logger.WithError(err).Warn("expire rental failed")
			continue
		}
		expired++
	}

	if expired > 0 {
		c.logger.WithField("count", expired).Info("expired rentals closed")
	}
	return expired, nil
}

// closeWithRefund сначала фиксирует статус (optimistic locking), потом возвращает деньги:
// конкурирующее закрытие проигрывает на версии и второй возврат не происходит.
func (c *Coordinator) closeWithRefund(ctx context.Context, logger *log.Entry, rental *domain.Rental, status domain.RentalStatus, eventType, reason string) error {
	if err := c.transition(ctx, rental, status); err != nil {
		return err
	}
	c.refund(ctx, logger, rental.UserID, rental.AmountMinor)
	c.emitEvent(logger, *rental, eventType, map[string]interface{}{
		"user_id": rental.UserID,
		"reason":  reason,
	})
	c.emitEvent(logger, *rental, domain.EventRentalRefunded, map[string]interface{}{
		"user_id":      rental.UserID,
		"amount_minor": rental.AmountMinor,
		"reason":       reason,
	})
	return nil
}

func (c *Coordinator) transition(ctx context.Context, rental *domain.Rental, status domain.RentalStatus) error {
	previous := rental.Status
	rental.Status = status
	rental.UpdatedAt = c.now()
	if err := c.deps.Rentals.Save(ctx, *rental); err != nil {
		rental.Status = previous
		return err
	}
	rental.Version++
	return nil
}

func (c *Coordinator) finishExternal(ctx context.Context, logger *log.Entry, rental domain.Rental) {
	adapter, err := c.deps.Registry.Get(rental.Provider)
	if err != nil {
		logger.WithError(err).Warn("provider for finish not found")
		return
	}
	started := c.now()
	err = adapter.Finish(ctx, rental.ExternalID)
	c.record(ctx, health.Observation{
		Provider:     rental.Provider,
		RequestType:  domain.RequestTypeFinish,
		Success:      err == nil,
		Latency:      c.now().Sub(started),
		ErrorMessage: errText(err),
		Metadata:     map[string]string{"rental_id": rental.ID},
	})
	if err != nil {
		logger.WithError(err).Warn("finish activation at provider failed")
	}
}

func (c *Coordinator) emitEvent(logger *log.Entry, rental domain.Rental, eventType string, payload map[string]interface{}) {
	if c.deps.Outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["rental_id"] = rental.ID
	payload["status"] = rental.Status
	payload["ts"] = c.now().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateRental,
		AggregateID:   rental.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := c.deps.Outbox.Enqueue(msg); err != nil {
		logger.WithError(err).WithField("event", eventType).Error("enqueue event failed")
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordOutboxEvent()
	}
}

// emitCompensation ставит в outbox событие об отменённом номере, который не стал арендой.
func (c *Coordinator) emitCompensation(logger *log.Entry, provider domain.ProviderID, externalID, userID string, reason domain.ErrorCode) {
	if c.deps.Outbox == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"provider":    provider,
		"external_id": externalID,
		"user_id":     userID,
		"reason":      reason,
		"ts":          c.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		logger.WithError(err).Error("marshal compensation event failed")
		return
	}
	if _, err := c.deps.Outbox.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateNumber,
		AggregateID:   domain.NumberAggregateID(provider, externalID),
		EventType:     domain.EventNumberCompensated,
		Payload:       data,
	}); err != nil {
		logger.WithError(err).Error("enqueue compensation event failed")
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordOutboxEvent()
	}
}

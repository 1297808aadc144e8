package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Типы событий аренды, попадающие в transactional outbox.
const (
	EventRentalCreated   = "RentalCreated"
	EventRentalCompleted = "RentalCompleted"
	EventRentalCancelled = "RentalCancelled"
	EventRentalExpired   = "RentalExpired"
	EventRentalRefunded  = "RentalRefunded"

	// EventNumberCompensated — номер отменён у провайдера без создания аренды.
	EventNumberCompensated = "NumberCompensated"
)

// Типы агрегатов outbox.
const (
	AggregateRental = "rental"
	// AggregateNumber — купленный номер, который так и не стал арендой.
	AggregateNumber = "number"
)

// NumberAggregateID — id агрегата номера: id активации уникален только внутри провайдера.
func NumberAggregateID(provider ProviderID, externalID string) string {
	return string(provider) + "/" + externalID
}

// Validate проверяет событие перед постановкой в outbox. Пустое тело допустимо.
func (m OutboxMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.AggregateType) == "":
		return fmt.Errorf("%w: aggregate type is required", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.AggregateID) == "":
		return fmt.Errorf("%w: aggregate id is required", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.EventType) == "":
		return fmt.Errorf("%w: event type is required", ErrOutboxMessageInvalid)
	case len(m.Payload) > 0 && !json.Valid(m.Payload):
		return fmt.Errorf("%w: %s payload is not json", ErrOutboxMessageInvalid, m.EventType)
	}
	return nil
}

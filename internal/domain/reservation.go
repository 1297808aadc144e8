package domain

import "time"

// ReservationStatus отражает судьбу номера, уже купленного у провайдера.
type ReservationStatus string

const (
	// ReservationStatusPending — номер куплен, списание и заказ ещё не записаны.
	ReservationStatusPending ReservationStatus = "pending"
	// ReservationStatusSettled — заказ записан, номер принадлежит пользователю.
	ReservationStatusSettled ReservationStatus = "settled"
	// ReservationStatusCompensated — номер отменён у провайдера.
	ReservationStatusCompensated ReservationStatus = "compensated"
)

// Reservation — запись журнала внешних резервирований.
// Пишется до движения денег, чтобы sweep мог отменить номер после падения процесса.
type Reservation struct {
	ExternalID     string
	Provider       ProviderID
	UserID         string
	IdempotencyKey string
	CostMinor      int64
	Status         ReservationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.ExternalID == "" {
		errs = append(errs, ErrReservationNotFound)
	}
	if r.Provider == "" {
		errs = append(errs, ErrProviderNotFound)
	}
	if r.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}

	return errs
}

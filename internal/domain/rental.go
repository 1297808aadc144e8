package domain

import "time"

// RentalStatus описывает жизненный цикл арендованного номера.
type RentalStatus string

const (
	// RentalStatusActive — номер выдан, ждём SMS.
	RentalStatusActive RentalStatus = "active"
	// RentalStatusCancelled — аренда отменена, средства возвращены.
	RentalStatusCancelled RentalStatus = "cancelled"
	// RentalStatusExpired — срок аренды истёк без кода, средства возвращены.
	RentalStatusExpired RentalStatus = "expired"
	// RentalStatusCompleted — код получен, аренда закрыта.
	RentalStatusCompleted RentalStatus = "completed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s RentalStatus) Valid() bool {
	switch s {
	case RentalStatusActive, RentalStatusCancelled, RentalStatusExpired, RentalStatusCompleted:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что переходов из статуса больше нет.
func (s RentalStatus) Terminal() bool {
	return s == RentalStatusCancelled || s == RentalStatusExpired || s == RentalStatusCompleted
}

// Rental — запись заказа, создаётся ровно один раз на успешный AcquisitionResult.
type Rental struct {
	ID             string
	UserID         string
	Country        string
	Service        string
	Provider       ProviderID
	ExternalID     string
	PhoneNumber    string
	AmountMinor    int64
	CostMinor      int64
	Status         RentalStatus
	SMSCode        string
	Acquisition    AcquisitionResult
	IdempotencyKey string
	Version        int64
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidateInvariants проверяет базовые инварианты аренды и возвращает список замечаний.
func (r *Rental) ValidateInvariants() []error {
	var errs []error

	if r.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if r.Country == "" {
		errs = append(errs, ErrCountryRequired)
	}
	if r.Service == "" {
		errs = append(errs, ErrServiceRequired)
	}
	if r.Provider == "" {
		errs = append(errs, ErrProviderNotFound)
	}
	if r.AmountMinor < 0 {
		errs = append(errs, ErrMaxPriceNegative)
	}

	return errs
}

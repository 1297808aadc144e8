package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего кода страны.
	ErrCountryRequired = errors.New("country is required")
	// Ошибка отсутствующего кода сервиса.
	ErrServiceRequired = errors.New("service is required")
	// Ошибка отрицательной максимальной цены.
	ErrMaxPriceNegative = errors.New("max_price must be non-negative")
	// Ошибка некорректных настроек провайдеров.
	ErrPreferencesInvalid = errors.New("provider preferences are invalid")

	// ErrNoStockAvailable — ни у одного пригодного провайдера нет номеров.
	ErrNoStockAvailable = errors.New("no stock available")
	// ErrProviderTransient — временная ошибка провайдера, попытку можно повторить.
	ErrProviderTransient = errors.New("provider temporary error")
	// ErrProviderPermanent — провайдер отклонил запрос, повтор не поможет.
	ErrProviderPermanent = errors.New("provider rejected request")
	// ErrProviderNoNumbers — у провайдера закончились номера (разновидность permanent).
	ErrProviderNoNumbers = errors.New("provider has no numbers")
	// ErrProviderUnmapped — провайдер не знает запрошенный сервис или страну.
	ErrProviderUnmapped = errors.New("service or country is not mapped for provider")
	// ErrProviderNotFound — провайдер не зарегистрирован.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrAllProvidersFailed — исчерпан весь try-order.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrPricingValidation — цена не прошла повторную проверку после покупки номера.
	ErrPricingValidation = errors.New("pricing validation failed")
	// ErrCatalogPriceNotFound — в каталоге нет цены для пары страна/сервис.
	ErrCatalogPriceNotFound = errors.New("catalog price not found")
	// ErrInsufficientBalance — на балансе пользователя недостаточно средств.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBalanceNotFound — у пользователя нет баланса.
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrPersistence — ошибка записи заказа.
	ErrPersistence = errors.New("persistence failed")

	// ErrRentalNotFound возвращается, если аренда не найдена в репозитории.
	ErrRentalNotFound = errors.New("rental not found")
	// ErrRentalVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrRentalVersionConflict = errors.New("rental version conflict")
	// ErrRentalNotActive — операция допустима только для активной аренды.
	ErrRentalNotActive = errors.New("rental is not active")
	// ErrRentalCodeReceived — отменить аренду после получения кода нельзя.
	ErrRentalCodeReceived = errors.New("rental already received a code")
	// ErrRentalForbidden — аренда принадлежит другому пользователю.
	ErrRentalForbidden = errors.New("rental belongs to another user")

	// ErrReservationNotFound — запись журнала резервирований не найдена.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrIdempotencyKeyRequired — не передан idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не передан хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другими параметрами.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyInProgress — дубликат запроса, который ещё обрабатывается.
	ErrIdempotencyInProgress = errors.New("request with the same idempotency key is in progress")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageInvalid — событие без агрегата, типа или с телом не в JSON.
	ErrOutboxMessageInvalid = errors.New("outbox message is invalid")
)

// ErrorCode — фиксированный словарь кодов ошибок, который видят клиенты и операторы.
type ErrorCode string

const (
	ErrorCodeNone                ErrorCode = ""
	ErrorCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrorCodeNoStock             ErrorCode = "NO_STOCK_AVAILABLE"
	ErrorCodeProviderTransient   ErrorCode = "PROVIDER_TRANSIENT"
	ErrorCodeProviderPermanent   ErrorCode = "PROVIDER_PERMANENT"
	ErrorCodeAllProvidersFailed  ErrorCode = "ALL_PROVIDERS_FAILED"
	ErrorCodePricingValidation   ErrorCode = "PRICING_VALIDATION_FAILED"
	ErrorCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrorCodePersistence         ErrorCode = "PERSISTENCE_FAILED"
	ErrorCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrorCodeInternal            ErrorCode = "INTERNAL"
)

// CodeOf сопоставляет ошибку с кодом из словаря.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeNone
	case errors.Is(err, ErrUserRequired), errors.Is(err, ErrCountryRequired),
		errors.Is(err, ErrServiceRequired), errors.Is(err, ErrMaxPriceNegative),
		errors.Is(err, ErrPreferencesInvalid), errors.Is(err, ErrIdempotencyKeyRequired):
		return ErrorCodeInvalidRequest
	case errors.Is(err, ErrNoStockAvailable):
		return ErrorCodeNoStock
	case errors.Is(err, ErrAllProvidersFailed):
		return ErrorCodeAllProvidersFailed
	case IsPermanentProviderError(err):
		return ErrorCodeProviderPermanent
	case errors.Is(err, ErrProviderTransient):
		return ErrorCodeProviderTransient
	case errors.Is(err, ErrPricingValidation), errors.Is(err, ErrCatalogPriceNotFound):
		return ErrorCodePricingValidation
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrBalanceNotFound):
		return ErrorCodeInsufficientBalance
	case errors.Is(err, ErrPersistence):
		return ErrorCodePersistence
	case IsIdempotencyConflict(err):
		return ErrorCodeIdempotencyConflict
	default:
		return ErrorCodeInternal
	}
}

// IsPermanentProviderError проверяет, что повтор попытки у того же провайдера бессмысленен.
func IsPermanentProviderError(err error) bool {
	return errors.Is(err, ErrProviderPermanent) ||
		errors.Is(err, ErrProviderNoNumbers) ||
		errors.Is(err, ErrProviderUnmapped)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrRentalVersionConflict)
}

// IsIdempotencyConflict проверяет, что ошибка связана с повторным использованием ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) ||
		errors.Is(err, ErrIdempotencyHashMismatch) ||
		errors.Is(err, ErrIdempotencyInProgress)
}

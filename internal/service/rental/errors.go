package rental

import (
	"errors"
	"net/http"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// HTTPStatus сопоставляет ошибку аренды со статусом ответа.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrRentalNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRentalForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRentalNotActive), errors.Is(err, domain.ErrRentalCodeReceived),
		errors.Is(err, domain.ErrRentalVersionConflict):
		return http.StatusConflict
	}

	switch domain.CodeOf(err) {
	case domain.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case domain.ErrorCodeNoStock:
		return http.StatusServiceUnavailable
	case domain.ErrorCodeAllProvidersFailed, domain.ErrorCodeProviderPermanent, domain.ErrorCodeProviderTransient:
		return http.StatusBadGateway
	case domain.ErrorCodePricingValidation, domain.ErrorCodeIdempotencyConflict:
		return http.StatusConflict
	case domain.ErrorCodeInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

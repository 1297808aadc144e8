package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/rental"
)

const (
	// IdempotencyKeyHeader — заголовок с клиентским ключом идемпотентности.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader выставляется, когда ответ взят из кэша идемпотентности.
	ReplayedHeader = "Idempotent-Replayed"

	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 1 << 16
)

// RentalService — операции аренды, доступные через HTTP.
type RentalService interface {
	Rent(ctx context.Context, req domain.AcquisitionRequest) (rental.Receipt, error)
	Get(ctx context.Context, userID, rentalID string) (domain.Rental, error)
	List(ctx context.Context, userID string, limit int) ([]domain.Rental, error)
	CheckStatus(ctx context.Context, userID, rentalID string) (domain.Rental, error)
	Cancel(ctx context.Context, userID, rentalID string) (domain.Rental, error)
	Finish(ctx context.Context, userID, rentalID string) (domain.Rental, error)
}

// HealthReader отдаёт записи здоровья провайдеров.
type HealthReader interface {
	Snapshot(ctx context.Context, providers []domain.ProviderID) map[domain.ProviderID]*domain.ProviderHealth
}

// ProviderLister перечисляет зарегистрированных провайдеров.
type ProviderLister interface {
	IDs() []domain.ProviderID
}

// Handler обслуживает HTTP API.
type Handler struct {
	rentals     RentalService
	health      HealthReader
	providers   ProviderLister
	preferences domain.PreferencesRepository
	balances    domain.BalanceRepository
	logger      *log.Entry
}

// NewHandler собирает обработчики API.
func NewHandler(rentals RentalService, healthReader HealthReader, providers ProviderLister, preferences domain.PreferencesRepository, balances domain.BalanceRepository, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	return &Handler{
		rentals:     rentals,
		health:      healthReader,
		providers:   providers,
		preferences: preferences,
		balances:    balances,
		logger:      logger,
	}
}

type rentRequest struct {
	Country            string `json:"country"`
	Service            string `json:"service"`
	MaxPriceMinor      int64  `json:"max_price_minor"`
	ExpectedPriceMinor int64  `json:"expected_price_minor"`
	UseDynamicPrice    bool   `json:"use_dynamic_price"`
	DynamicStrategy    string `json:"dynamic_strategy"`
}

type errorResponse struct {
	Code        string                    `json:"code"`
	Message     string                    `json:"message"`
	Acquisition *domain.AcquisitionResult `json:"acquisition,omitempty"`
}

type rentalResponse struct {
	ID          string                   `json:"id"`
	Country     string                   `json:"country"`
	Service     string                   `json:"service"`
	Provider    domain.ProviderID        `json:"provider"`
	PhoneNumber string                   `json:"phone_number"`
	AmountMinor int64                    `json:"amount_minor"`
	Status      domain.RentalStatus      `json:"status"`
	SMSCode     string                   `json:"sms_code,omitempty"`
	ExpiresAt   time.Time                `json:"expires_at"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	Acquisition domain.AcquisitionResult `json:"acquisition"`
}

type providerHealthResponse struct {
	Provider domain.ProviderID      `json:"provider"`
	Status   domain.HealthStatus    `json:"status"`
	Usable   bool                   `json:"usable"`
	Health   *domain.ProviderHealth `json:"health,omitempty"`
}

type preferencesPayload struct {
	PreferredProvider domain.ProviderID `json:"preferred_provider"`
	FallbackEnabled   bool              `json:"fallback_enabled"`
	MinSuccessRate    float64           `json:"min_success_rate"`
	MaxResponseTimeMs int64             `json:"max_response_time_ms"`
	RetryAttempts     int               `json:"retry_attempts"`
	RetryDelayMs      int64             `json:"retry_delay_ms"`
	UpdatedAt         *time.Time        `json:"updated_at,omitempty"`
}

func (h *Handler) handleRent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body rentRequest
	if err := decodeJSON(r, &body); err != nil {
		respondWithError(w, http.StatusBadRequest, string(domain.ErrorCodeInvalidRequest), err.Error())
		return
	}

	req := domain.AcquisitionRequest{
		UserID:             userID,
		Country:            body.Country,
		Service:            body.Service,
		MaxPriceMinor:      body.MaxPriceMinor,
		ExpectedPriceMinor: body.ExpectedPriceMinor,
		UseDynamicPrice:    body.UseDynamicPrice,
		DynamicStrategy:    domain.DynamicStrategy(body.DynamicStrategy),
		IdempotencyKey:     r.Header.Get(IdempotencyKeyHeader),
	}

	receipt, err := h.rentals.Rent(r.Context(), req)
	if err != nil {
		resp := errorResponse{Code: string(domain.CodeOf(err)), Message: err.Error()}
		if receipt.Acquisition.ErrorCode != "" || len(receipt.Acquisition.AttemptedProviders) > 0 {
			resp.Acquisition = &receipt.Acquisition
		}
		respondWithJSON(w, rental.HTTPStatus(err), resp)
		return
	}

	if receipt.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	respondWithJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, string(domain.ErrorCodeInvalidRequest), "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	list, err := h.rentals.List(r.Context(), userID, limit)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	out := make([]rentalResponse, 0, len(list))
	for _, item := range list {
		out = append(out, toRentalResponse(item))
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"rentals": out})
}

// rentalAction оборачивает операции над одной арендой с одинаковой сигнатурой.
func (h *Handler) rentalAction(action func(ctx context.Context, userID, rentalID string) (domain.Rental, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		item, err := action(r.Context(), userID, chi.URLParam(r, "rentalID"))
		if err != nil {
			h.respondWithDomainError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, toRentalResponse(item))
	}
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	balance, err := h.balances.Get(r.Context(), userID)
	if err != nil && !errors.Is(err, domain.ErrBalanceNotFound) {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"balance_minor": balance})
}

func (h *Handler) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.preferences.Get(r.Context())
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	ids := h.providers.IDs()
	snapshot := h.health.Snapshot(r.Context(), ids)
	out := make([]providerHealthResponse, 0, len(ids))
	for _, id := range ids {
		record := snapshot[id]
		status := domain.HealthStatusHealthy
		if record != nil {
			status = record.Status
		}
		out = append(out, providerHealthResponse{
			Provider: id,
			Status:   status,
			Usable:   health.IsUsable(record, prefs),
			Health:   record,
		})
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

func (h *Handler) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.preferences.Get(r.Context())
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toPreferencesPayload(prefs))
}

func (h *Handler) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var body preferencesPayload
	if err := decodeJSON(r, &body); err != nil {
		respondWithError(w, http.StatusBadRequest, string(domain.ErrorCodeInvalidRequest), err.Error())
		return
	}

	prefs := domain.ProviderPreferences{
		PreferredProvider: body.PreferredProvider,
		FallbackEnabled:   body.FallbackEnabled,
		MinSuccessRate:    body.MinSuccessRate,
		MaxResponseTimeMs: body.MaxResponseTimeMs,
		RetryAttempts:     body.RetryAttempts,
		RetryDelayMs:      body.RetryDelayMs,
	}
	if prefs.PreferredProvider == "" {
		prefs.PreferredProvider = domain.PreferredProviderAuto
	}
	if errs := prefs.Validate(); len(errs) > 0 {
		respondWithError(w, http.StatusBadRequest, string(domain.ErrorCodeInvalidRequest), errs[0].Error())
		return
	}
	if err := h.preferences.Save(r.Context(), prefs); err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	stored, err := h.preferences.Get(r.Context())
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.logger.WithField("preferred_provider", stored.PreferredProvider).Info("provider preferences updated")
	respondWithJSON(w, http.StatusOK, toPreferencesPayload(stored))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return "", false
	}
	return userID, true
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	status := rental.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	respondWithError(w, status, string(domain.CodeOf(err)), err.Error())
}

func toRentalResponse(item domain.Rental) rentalResponse {
	return rentalResponse{
		ID:          item.ID,
		Country:     item.Country,
		Service:     item.Service,
		Provider:    item.Provider,
		PhoneNumber: item.PhoneNumber,
		AmountMinor: item.AmountMinor,
		Status:      item.Status,
		SMSCode:     item.SMSCode,
		ExpiresAt:   item.ExpiresAt,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		Acquisition: item.Acquisition,
	}
}

func toPreferencesPayload(prefs domain.ProviderPreferences) preferencesPayload {
	out := preferencesPayload{
		PreferredProvider: prefs.PreferredProvider,
		FallbackEnabled:   prefs.FallbackEnabled,
		MinSuccessRate:    prefs.MinSuccessRate,
		MaxResponseTimeMs: prefs.MaxResponseTimeMs,
		RetryAttempts:     prefs.RetryAttempts,
		RetryDelayMs:      prefs.RetryDelayMs,
	}
	if !prefs.UpdatedAt.IsZero() {
		updated := prefs.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, errorCode, message string) {
	respondWithJSON(w, code, errorResponse{Code: errorCode, Message: message})
}

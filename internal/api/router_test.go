package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/api"
	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/metrics"
	"github.com/luonghoangminh88-hub/smsflex/internal/pricing"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider/mock"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/acquisition"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/idempotency"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/rental"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/routing"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
)

const adminToken = "ops-secret"

var authCfg = api.AuthConfig{Secret: []byte("test-secret"), Issuer: "smsflex-test"}

type server struct {
	srv      *httptest.Server
	adapter  *mock.Adapter
	balances *memory.BalanceRepository
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	adapter := mock.New("alpha")
	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	aggregator := health.NewAggregator(memory.NewHealthRepository(), nil)
	prefs := memory.NewPreferencesRepository()
	m := metrics.NewAcquisitionMetricsWithRegisterer(prometheus.NewRegistry())

	orch := acquisition.NewOrchestrator(
		registry,
		routing.NewStockProber(registry.Adapters(), time.Second, nil),
		aggregator,
		prefs,
		nil,
		acquisition.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		acquisition.WithMetrics(m),
	)

	catalog := memory.NewCatalogRepository()
	catalog.Put(domain.CatalogPrice{
		Country:         "6",
		Service:         "tg",
		BasePriceMinor:  1500,
		CostPriceMinor:  1000,
		RentalType:      pricing.RentalTypeActivation,
		DurationMinutes: 20,
	})
	balances := memory.NewBalanceRepository()
	_, err = balances.Credit(ctx, "user-1", 10000)
	require.NoError(t, err)

	coord, err := rental.NewCoordinator(rental.Dependencies{
		Acquirer:     orch,
		Registry:     registry,
		Guard:        idempotency.NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil),
		Catalog:      catalog,
		Balances:     balances,
		Rentals:      memory.NewRentalRepository(),
		Reservations: memory.NewReservationRepository(),
		Outbox:       memory.NewOutboxRepository(),
		Recorder:     aggregator,
		Metrics:      m,
	}, nil)
	require.NoError(t, err)

	handler := api.NewHandler(coord, aggregator, registry, prefs, balances, nil)
	srv := httptest.NewServer(api.NewRouter(handler, api.RouterConfig{Auth: authCfg, AdminToken: adminToken}, nil))
	t.Cleanup(srv.Close)

	return &server{srv: srv, adapter: adapter, balances: balances}
}

func (s *server) do(t *testing.T, method, path, user string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := api.IssueToken(authCfg, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func rentBody() map[string]interface{} {
	return map[string]interface{}{"country": "6", "service": "tg", "max_price_minor": 5000}
}

func TestRent_CreatesAndReplays(t *testing.T) {
	s := newServer(t)
	headers := map[string]string{api.IdempotencyKeyHeader: "key-1"}

	resp, body := s.do(t, http.MethodPost, "/rentals", "user-1", rentBody(), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alpha", body["provider"])
	assert.EqualValues(t, 1500, body["amount_minor"])
	assert.Empty(t, resp.Header.Get(api.ReplayedHeader))
	rentalID := body["rental_id"].(string)

	resp, replay := s.do(t, http.MethodPost, "/rentals", "user-1", rentBody(), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(api.ReplayedHeader))
	assert.Equal(t, rentalID, replay["rental_id"])

	balance, err := s.balances.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8500), balance, "replay must not charge again")
	assert.Equal(t, 1, s.adapter.Calls().Purchase)

	changed := rentBody()
	changed["max_price_minor"] = 9000
	resp, conflict := s.do(t, http.MethodPost, "/rentals", "user-1", changed, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(domain.ErrorCodeIdempotencyConflict), conflict["code"])
}

func TestRent_Validation(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodPost, "/rentals", "user-1", rentBody(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "idempotency key is required")
	assert.Equal(t, string(domain.ErrorCodeInvalidRequest), body["code"])

	resp, _ = s.do(t, http.MethodPost, "/rentals", "user-1", map[string]interface{}{"country": "6", "bogus": 1},
		map[string]string{api.IdempotencyKeyHeader: "k"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/rentals", "stranger", rentBody(), map[string]string{api.IdempotencyKeyHeader: "k"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode, "user without balance")
	assert.Equal(t, string(domain.ErrorCodeInsufficientBalance), body["code"])
}

func TestRent_NoStockExposesAcquisition(t *testing.T) {
	s := newServer(t)
	s.adapter.SetStock(0)

	resp, body := s.do(t, http.MethodPost, "/rentals", "user-1", rentBody(), map[string]string{api.IdempotencyKeyHeader: "k"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(domain.ErrorCodeNoStock), body["code"])
}

func TestAuth(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodGet, "/rentals", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	resp, _ = s.do(t, http.MethodGet, "/rentals", "", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	foreign, err := api.IssueToken(api.AuthConfig{Secret: []byte("other"), Issuer: authCfg.Issuer}, "user-1", time.Hour)
	require.NoError(t, err)
	resp, _ = s.do(t, http.MethodGet, "/rentals", "", nil, map[string]string{"Authorization": "Bearer " + foreign})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := api.IssueToken(authCfg, "user-1", -time.Minute)
	require.NoError(t, err)
	resp, _ = s.do(t, http.MethodGet, "/rentals", "", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRentalLifecycleRoutes(t *testing.T) {
	s := newServer(t)
	_, created := s.do(t, http.MethodPost, "/rentals", "user-1", rentBody(), map[string]string{api.IdempotencyKeyHeader: "k"})
	rentalID := created["rental_id"].(string)

	resp, got := s.do(t, http.MethodGet, "/rentals/"+rentalID, "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", got["status"])

	resp, _ = s.do(t, http.MethodGet, "/rentals/"+rentalID, "intruder", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/rentals/missing", "user-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, checked := s.do(t, http.MethodPost, "/rentals/"+rentalID+"/check", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", checked["status"])

	resp, cancelled := s.do(t, http.MethodPost, "/rentals/"+rentalID+"/cancel", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["status"])

	resp, _ = s.do(t, http.MethodPost, "/rentals/"+rentalID+"/finish", "user-1", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, balance := s.do(t, http.MethodGet, "/balance", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10000, balance["balance_minor"])

	resp, list := s.do(t, http.MethodGet, "/rentals?limit=5", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["rentals"], 1)

	resp, _ = s.do(t, http.MethodGet, "/rentals?limit=zero", "user-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProviderHealthAndPreferences(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodGet, "/providers/health", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	providers := body["providers"].([]interface{})
	require.Len(t, providers, 1)
	first := providers[0].(map[string]interface{})
	assert.Equal(t, "alpha", first["provider"])
	assert.Equal(t, true, first["usable"])

	update := map[string]interface{}{
		"preferred_provider":   "alpha",
		"fallback_enabled":     false,
		"min_success_rate":     80,
		"max_response_time_ms": 3000,
		"retry_attempts":       3,
		"retry_delay_ms":       500,
	}

	resp, _ = s.do(t, http.MethodPut, "/preferences", "", update, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, saved := s.do(t, http.MethodPut, "/preferences", "", update, map[string]string{api.AdminTokenHeader: adminToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", saved["preferred_provider"])
	assert.EqualValues(t, 3, saved["retry_attempts"])

	update["retry_attempts"] = 0
	resp, invalid := s.do(t, http.MethodPut, "/preferences", "", update, map[string]string{api.AdminTokenHeader: adminToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(domain.ErrorCodeInvalidRequest), invalid["code"])

	resp, current := s.do(t, http.MethodGet, "/preferences", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, current["retry_attempts"])
}

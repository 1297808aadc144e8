// Package api — HTTP-интерфейс сервиса аренды номеров.
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
)

// RouterConfig задаёт параметры маршрутизатора.
type RouterConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
	// RequestTimeout ограничивает обработку одного запроса; аренда с failover укладывается в него.
	RequestTimeout time.Duration
	// AdminToken защищает изменение настроек маршрутизации; пустой токен отключает маршрут PUT.
	AdminToken string
}

// NewRouter создаёт chi-маршрутизатор с публичными и защищёнными маршрутами.
func NewRouter(h *Handler, cfg RouterConfig, logger *log.Entry) *chi.Mux {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader, AdminTokenHeader},
		ExposedHeaders:   []string{ReplayedHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/providers/health", h.handleProviderHealth)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuth(cfg.Auth))

		r.Get("/balance", h.handleBalance)
		r.Post("/rentals", h.handleRent)
		r.Get("/rentals", h.handleList)
		r.Get("/rentals/{rentalID}", h.rentalAction(h.rentals.Get))
		r.Post("/rentals/{rentalID}/check", h.rentalAction(h.rentals.CheckStatus))
		r.Post("/rentals/{rentalID}/cancel", h.rentalAction(h.rentals.Cancel))
		r.Post("/rentals/{rentalID}/finish", h.rentalAction(h.rentals.Finish))
		r.Get("/preferences", h.handleGetPreferences)
	})

	if cfg.AdminToken != "" {
		r.With(adminOnly(cfg.AdminToken)).Put("/preferences", h.handlePutPreferences)
	}

	return r
}

// AdminTokenHeader — заголовок операторского токена.
const AdminTokenHeader = "X-Admin-Token"

// adminOnly пропускает запросы с заголовком AdminTokenHeader, равным token.
func adminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminTokenHeader)), []byte(token)) != 1 {
				respondWithError(w, http.StatusForbidden, "FORBIDDEN", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

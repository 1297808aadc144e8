package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

type contextKey string

const userIDKey contextKey = "smsflex.user_id"

// ErrUnauthenticated возвращается, когда в контексте нет пользователя.
var ErrUnauthenticated = errors.New("request is not authenticated")

// UserIDFromContext извлекает идентификатор пользователя, положенный JWTAuth.
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// WithUserID кладёт пользователя в контекст; используется тестами и внутренними вызовами.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// AuthConfig задаёт проверку HS256-токенов.
type AuthConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// JWTAuth проверяет Bearer-токен и кладёт claim sub в контекст запроса.
func JWTAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid authorization header format")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return cfg.Secret, nil
			})
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHENTICATED", fmt.Sprintf("invalid token: %v", err))
				return
			}
			if claims.Subject == "" {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "subject not found in token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.Subject)))
		})
	}
}

// IssueToken подписывает HS256-токен; нужен для локальной отладки и тестов.
func IssueToken(cfg AuthConfig, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// requestLogger пишет одну строку logrus на запрос.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(started).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request failed")
				return
			}
			entry.Debug("http request served")
		})
	}
}

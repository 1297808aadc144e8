package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// DefaultTTL — сколько хранится ключ идемпотентности.
const DefaultTTL = 24 * time.Hour

// Decision — результат регистрации ключа.
type Decision struct {
	// IsNew означает, что вызывающий владеет ключом и должен выполнить запрос.
	IsNew      bool
	Status     domain.IdempotencyStatus
	CachedData []byte
	HTTPStatus int
	// ReferenceID — идентификатор созданной сущности у завершённого запроса.
	ReferenceID string
}

// FailurePayload — тело, сохраняемое для неуспешного запроса.
type FailurePayload struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Guard — распределённый мьютекс над IdempotencyRepository.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewGuard создаёт guard; ttl <= 0 заменяется DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if logger == nil {
		logger = log.New().WithField("component", "idempotency-guard")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Fingerprint — SHA-256 от actor и параметров запроса в фиксированном порядке.
func Fingerprint(actor string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(actor))
	for _, p := range params {
		h.Write([]byte{0x1f})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ScopedKey ограничивает ключ клиента пространством пользователя.
func ScopedKey(actor, key string) string {
	return actor + ":" + strings.TrimSpace(key)
}

// Check регистрирует ключ как processing. Повтор во время обработки даёт ErrIdempotencyInProgress,
// завершённый ключ отдаёт кэш, упавший ключ можно забрать заново.
func (g *Guard) Check(ctx context.Context, key, actor, requestHash string) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, domain.ErrIdempotencyKeyRequired
	}

	ttlAt := g.now().Add(g.ttl)
	record, err := g.repo.CreateProcessing(ctx, key, actor, requestHash, ttlAt)
	if err == nil {
		return Decision{IsNew: true, Status: record.Status}, nil
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return Decision{Status: record.Status}, err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return g.existing(ctx, key, requestHash, ttlAt, record)
	default:
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("create idempotency record failed")
		return Decision{}, fmt.Errorf("%w: register idempotency key: %v", domain.ErrPersistence, err)
	}
}

func (g *Guard) existing(ctx context.Context, key, requestHash string, ttlAt time.Time, record domain.IdempotencyRecord) (Decision, error) {
	switch record.Status {
	case domain.IdempotencyStatusDone:
		return replay(record), nil
	case domain.IdempotencyStatusProcessing:
		return Decision{Status: record.Status}, domain.ErrIdempotencyInProgress
	case domain.IdempotencyStatusFailed:
		reclaimed, err := g.repo.Reclaim(ctx, key, requestHash, ttlAt)
		if err == nil {
			g.logger.WithField("idempotency_key", key).Info("failed idempotency key reclaimed for retry")
			return Decision{IsNew: true, Status: reclaimed.Status}, nil
		}
		if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
			// Ключ забрал параллельный запрос; он мог уже успеть завершиться.
			if current, getErr := g.repo.Get(ctx, key); getErr == nil && current.Status == domain.IdempotencyStatusDone {
				return replay(current), nil
			}
			return Decision{Status: domain.IdempotencyStatusProcessing}, domain.ErrIdempotencyInProgress
		}
		return Decision{}, fmt.Errorf("%w: reclaim idempotency key: %v", domain.ErrPersistence, err)
	default:
		return Decision{}, fmt.Errorf("unknown idempotency status %q", record.Status)
	}
}

func replay(record domain.IdempotencyRecord) Decision {
	return Decision{
		Status:      record.Status,
		CachedData:  record.ResponseBody,
		HTTPStatus:  record.HTTPStatus,
		ReferenceID: record.ReferenceID,
	}
}

// Complete помечает ключ выполненным и кэширует ответ.
func (g *Guard) Complete(ctx context.Context, key string, data []byte, httpStatus int, referenceID string) error {
	if err := g.repo.MarkDone(ctx, key, data, httpStatus, referenceID); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotent success response failed")
		return err
	}
	return nil
}

// Fail помечает ключ упавшим; повтор запроса клиентом разрешён.
func (g *Guard) Fail(ctx context.Context, key string, cause error, httpStatus int) error {
	payload, err := json.Marshal(FailurePayload{Code: domain.CodeOf(cause), Message: errorText(cause)})
	if err != nil {
		payload = nil
	}
	if err := g.repo.MarkFailed(ctx, key, payload, httpStatus); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotency failure response failed")
		return err
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

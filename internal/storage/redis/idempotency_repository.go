// Package redis хранит idempotency-ключи в Redis: TTL ключа совпадает с TTL записи,
// поэтому отдельная очистка не нужна.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// DefaultKeyPrefix — префикс ключей по умолчанию.
const DefaultKeyPrefix = "smsflex:idempotency"

const (
	reclaimOK       = 1
	reclaimMissing  = 0
	reclaimMismatch = 2
	reclaimBusy     = 3
)

// reclaimScript атомарно проверяет хеш и статус и перезаписывает failed-запись.
var reclaimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return {0, ""}
end
local record = cjson.decode(current)
if record.request_hash ~= ARGV[1] then
  return {2, current}
end
if record.status ~= "failed" then
  return {3, current}
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return {1, ARGV[2]}
`)

type record struct {
	Key          string    `json:"key"`
	Actor        string    `json:"actor"`
	RequestHash  string    `json:"request_hash"`
	ResponseBody []byte    `json:"response_body,omitempty"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Status       string    `json:"status"`
	TTLAt        time.Time `json:"ttl_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func fromDomain(r domain.IdempotencyRecord) record {
	return record{
		Key:          r.Key,
		Actor:        r.Actor,
		RequestHash:  r.RequestHash,
		ResponseBody: r.ResponseBody,
		HTTPStatus:   r.HTTPStatus,
		ReferenceID:  r.ReferenceID,
		Status:       string(r.Status),
		TTLAt:        r.TTLAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r record) toDomain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          r.Key,
		Actor:        r.Actor,
		RequestHash:  r.RequestHash,
		ResponseBody: append([]byte(nil), r.ResponseBody...),
		HTTPStatus:   r.HTTPStatus,
		ReferenceID:  r.ReferenceID,
		Status:       domain.IdempotencyStatus(r.Status),
		TTLAt:        r.TTLAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// IdempotencyRepository — реализация domain.IdempotencyRepository поверх Redis.
type IdempotencyRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий; пустой prefix заменяется DefaultKeyPrefix.
func NewIdempotencyRepository(client redis.UniversalClient, prefix string) *IdempotencyRepository {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &IdempotencyRepository{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) redisKey(key string) string {
	return r.prefix + ":" + key
}

func (r *IdempotencyRepository) ttl(ttlAt time.Time) time.Duration {
	ttl := ttlAt.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, actor, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}
	created := domain.IdempotencyRecord{
		Key:         key,
		Actor:       actor,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(fromDomain(created))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.redisKey(key), payload, r.ttl(ttlAt)).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if ok {
		return created, nil
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Reclaim(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	reclaimed := existing
	reclaimed.Status = domain.IdempotencyStatusProcessing
	reclaimed.ResponseBody = nil
	reclaimed.HTTPStatus = 0
	reclaimed.ReferenceID = ""
	reclaimed.TTLAt = ttlAt
	reclaimed.UpdatedAt = now
	payload, err := json.Marshal(fromDomain(reclaimed))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("marshal idempotency record: %w", err)
	}

	raw, err := reclaimScript.Run(ctx, r.client, []string{r.redisKey(key)}, requestHash, payload, r.ttl(ttlAt).Milliseconds()).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("reclaim idempotency record: %w", err)
	}
	code, body, err := parseReclaimReply(raw)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	switch code {
	case reclaimOK:
		return reclaimed, nil
	case reclaimMissing:
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}

	current, err := decode([]byte(body))
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if code == reclaimMismatch {
		return current, domain.ErrIdempotencyHashMismatch
	}
	return current, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return decode(raw)
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int, referenceID string) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus, referenceID)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus, "")
}

// DeleteExpired ничего не делает: Redis удаляет ключи по TTL сам.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// markStatus перезаписывает запись только если ключ ещё существует, сохраняя его TTL.
func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int, referenceID string) error {
	existing, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	existing.Status = status
	existing.ResponseBody = append([]byte(nil), responseBody...)
	existing.HTTPStatus = httpStatus
	existing.ReferenceID = referenceID
	existing.UpdatedAt = r.now()

	payload, err := json.Marshal(fromDomain(existing))
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	res, err := r.client.SetArgs(ctx, r.redisKey(existing.Key), payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrIdempotencyKeyNotFound
		}
		return fmt.Errorf("mark idempotency key status: %w", err)
	}
	if res != "OK" {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func decode(raw []byte) (domain.IdempotencyRecord, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	out := rec.toDomain()
	if !out.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", rec.Status, rec.Key)
	}
	return out, nil
}

func parseReclaimReply(raw interface{}) (int64, string, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, "", fmt.Errorf("unexpected reclaim reply shape: %T", raw)
	}
	code, ok := values[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected reclaim code type: %T", values[0])
	}
	body, ok := values[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("unexpected reclaim body type: %T", values[1])
	}
	return code, body, nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)

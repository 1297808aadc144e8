package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/idempotency"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
)

func TestFingerprint(t *testing.T) {
	a := idempotency.Fingerprint("u-1", "6", "tg", "0")
	assert.Len(t, a, 64)
	assert.Equal(t, a, idempotency.Fingerprint("u-1", "6", "tg", "0"))
	assert.NotEqual(t, a, idempotency.Fingerprint("u-2", "6", "tg", "0"))
	assert.NotEqual(t, idempotency.Fingerprint("u", "ab", "c"), idempotency.Fingerprint("u", "a", "bc"))
}

func TestGuard_Lifecycle(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)

	first, err := guard.Check(ctx, "k", "u", "h")
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	_, err = guard.Check(ctx, "k", "u", "h")
	require.ErrorIs(t, err, domain.ErrIdempotencyInProgress)
	assert.True(t, domain.IsIdempotencyConflict(err))

	_, err = guard.Check(ctx, "k", "u", "other")
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, guard.Complete(ctx, "k", []byte(`{"id":"r-1"}`), 201, "r-1"))

	replayed, err := guard.Check(ctx, "k", "u", "h")
	require.NoError(t, err)
	assert.False(t, replayed.IsNew)
	assert.Equal(t, domain.IdempotencyStatusDone, replayed.Status)
	assert.JSONEq(t, `{"id":"r-1"}`, string(replayed.CachedData))
	assert.Equal(t, 201, replayed.HTTPStatus)
	assert.Equal(t, "r-1", replayed.ReferenceID)
}

func TestGuard_FailedKeyCanBeRetried(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := idempotency.NewGuard(repo, time.Hour, nil)

	_, err := guard.Check(ctx, "k", "u", "h")
	require.NoError(t, err)
	require.NoError(t, guard.Fail(ctx, "k", domain.ErrPricingValidation, 409))

	record, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	var payload idempotency.FailurePayload
	require.NoError(t, json.Unmarshal(record.ResponseBody, &payload))
	assert.Equal(t, domain.ErrorCodePricingValidation, payload.Code)

	retry, err := guard.Check(ctx, "k", "u", "h")
	require.NoError(t, err)
	assert.True(t, retry.IsNew)
}

func TestGuard_ConcurrentDuplicatesHaveSingleOwner(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)

	const racers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		owners   int
		inFlight int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := guard.Check(ctx, "k", "u", "h")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && decision.IsNew:
				owners++
			case errors.Is(err, domain.ErrIdempotencyInProgress):
				inFlight++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, owners)
	assert.Equal(t, racers-1, inFlight)
}

func TestGuard_RequiresKey(t *testing.T) {
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), 0, nil)
	_, err := guard.Check(context.Background(), " ", "u", "h")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

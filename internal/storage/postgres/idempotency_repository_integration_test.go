package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

func TestIdempotencyRepository_PostgresCreateGetAndMarkDone(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, "user-1:key-done", "user-1", "hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone(ctx, "user-1:key-done", []byte(`{"rental_id":"r-1"}`), 201, "r-1"))

	got, err := repo.Get(ctx, "user-1:key-done")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Actor)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 201, got.HTTPStatus)
	require.Equal(t, "r-1", got.ReferenceID)
	require.JSONEq(t, `{"rental_id":"r-1"}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)
}

func TestIdempotencyRepository_PostgresConflictAndHashMismatch(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(ctx, "k-conflict", "u", "hash-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, "k-conflict", "u", "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = repo.CreateProcessing(ctx, "k-conflict", "u", "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_PostgresReclaim(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(ctx, "k-reclaim", "u", "hash", ttl)
	require.NoError(t, err)

	_, err = repo.Reclaim(ctx, "k-reclaim", "hash", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists, "processing keys cannot be reclaimed")

	require.NoError(t, repo.MarkFailed(ctx, "k-reclaim", []byte(`{"error":"x"}`), 503))

	_, err = repo.Reclaim(ctx, "k-reclaim", "other-hash", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	reclaimed, err := repo.Reclaim(ctx, "k-reclaim", "hash", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, reclaimed.Status)
	require.Empty(t, reclaimed.ResponseBody)

	_, err = repo.Reclaim(ctx, "k-reclaim", "hash", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists, "second reclaim loses")

	_, err = repo.Reclaim(ctx, "k-missing", "hash", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, offset := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute} {
		_, err := repo.CreateProcessing(ctx, "expired-"+string(rune('a'+i)), "u", "h", now.Add(offset))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "active-1", "u", "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "active-1")
	require.NoError(t, err)
}

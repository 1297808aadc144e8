package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
)

func TestIdempotencyRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, "idem-key-1", "user-1", "hash-1", ttl)
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected status %s, got %s", domain.IdempotencyStatusProcessing, created.Status)
	}

	got, err := repo.Get(ctx, "idem-key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestHash != "hash-1" || got.Actor != "user-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.TTLAt.Equal(ttl) {
		t.Fatalf("expected ttl %s, got %s", ttl, got.TTLAt)
	}
}

func TestIdempotencyRepository_ConflictAndHashMismatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	if _, err := repo.CreateProcessing(ctx, "idem-key-2", "u", "hash-a", ttl); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	if _, err := repo.CreateProcessing(ctx, "idem-key-2", "u", "hash-a", ttl); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}

	if _, err := repo.CreateProcessing(ctx, "idem-key-2", "u", "hash-b", ttl); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
}

func TestIdempotencyRepository_ReclaimOnlyFailed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	if _, err := repo.CreateProcessing(ctx, "idem-key-3", "u", "hash", ttl); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if _, err := repo.Reclaim(ctx, "idem-key-3", "hash", ttl); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("processing key must not be reclaimed, got %v", err)
	}

	if err := repo.MarkFailed(ctx, "idem-key-3", []byte(`{"error":"x"}`), 502); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	reclaimed, err := repo.Reclaim(ctx, "idem-key-3", "hash", ttl)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if reclaimed.Status != domain.IdempotencyStatusProcessing || len(reclaimed.ResponseBody) != 0 {
		t.Fatalf("unexpected reclaimed record: %+v", reclaimed)
	}

	if _, err := repo.Reclaim(ctx, "idem-key-3", "hash", ttl); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("second reclaim must lose, got %v", err)
	}
}

func TestIdempotencyRepository_MarkDoneAndDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	expiredTTL := time.Now().UTC().Add(-time.Minute)
	activeTTL := time.Now().UTC().Add(time.Hour)

	if _, err := repo.CreateProcessing(ctx, "idem-expired", "u", "hash-expired", expiredTTL); err != nil {
		t.Fatalf("CreateProcessing expired failed: %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, "idem-active", "u", "hash-active", activeTTL); err != nil {
		t.Fatalf("CreateProcessing active failed: %v", err)
	}

	if err := repo.MarkDone(ctx, "idem-active", []byte(`{"ok":true}`), 201, "rental-1"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	active, err := repo.Get(ctx, "idem-active")
	if err != nil {
		t.Fatalf("Get active failed: %v", err)
	}
	if active.Status != domain.IdempotencyStatusDone {
		t.Fatalf("expected status %s, got %s", domain.IdempotencyStatusDone, active.Status)
	}
	if active.HTTPStatus != 201 || active.ReferenceID != "rental-1" {
		t.Fatalf("unexpected done record: %+v", active)
	}

	removed, err := repo.DeleteExpired(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected removed=1, got %d", removed)
	}

	if _, err := repo.Get(ctx, "idem-expired"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected expired key to be deleted, got %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReusable(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing(ctx, "user-1:rent", "user-1", "hash-old", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.MarkDone(ctx, "user-1:rent", []byte(`{}`), 201, "rental-old"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	record, err := repo.CreateProcessing(ctx, "user-1:rent", "user-1", "hash-new", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("expired key must be reusable, got %v", err)
	}
	if record.Status != domain.IdempotencyStatusProcessing || record.RequestHash != "hash-new" || record.ReferenceID != "" {
		t.Fatalf("unexpected record after reuse: %+v", record)
	}
}

package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
)

func TestHealthRepository_LatestRequestsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewHealthRepository()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordRequest(ctx, domain.ProviderRequestLog{
			Provider:       "a",
			ResponseTimeMs: int64(i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	rows, err := repo.LatestRequests(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.EqualValues(t, 4, rows[0].ResponseTimeMs)
	assert.EqualValues(t, 2, rows[2].ResponseTimeMs)

	health, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, health, "no upsert yet means no record")

	require.NoError(t, repo.Upsert(ctx, domain.ProviderHealth{Provider: "a", TotalRequests: 5}))
	health, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, 5, health.TotalRequests)
}

func TestPreferencesRepository_DefaultsAndSave(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPreferencesRepository()

	prefs, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultProviderPreferences(), prefs)

	prefs.PreferredProvider = "fivesim"
	prefs.RetryAttempts = 3
	require.NoError(t, repo.Save(ctx, prefs))

	stored, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderID("fivesim"), stored.PreferredProvider)
	assert.Equal(t, 3, stored.RetryAttempts)

	prefs.RetryAttempts = 0
	assert.Error(t, repo.Save(ctx, prefs))
}

func TestBalanceRepository_ConcurrentDebitNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewBalanceRepository()
	_, err := repo.Credit(ctx, "u", 500)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Debit(ctx, "u", 100); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	balance, err := repo.Get(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = repo.Debit(ctx, "u", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = repo.Debit(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
}

func TestCatalogRepository_Price(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCatalogRepository()
	repo.Put(domain.CatalogPrice{Country: "6", Service: "tg", BasePriceMinor: 1500, CostPriceMinor: 1000})

	price, err := repo.Price(ctx, "6", "tg")
	require.NoError(t, err)
	assert.EqualValues(t, 1500, price.BasePriceMinor)

	_, err = repo.Price(ctx, "6", "wa")
	assert.ErrorIs(t, err, domain.ErrCatalogPriceNotFound)
}

func TestReservationRepository_ListStale(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()
	past := time.Now().UTC().Add(-10 * time.Minute)

	require.NoError(t, repo.Record(ctx, domain.Reservation{ExternalID: "e-1", Provider: "a", UserID: "u", CreatedAt: past}))
	require.NoError(t, repo.Record(ctx, domain.Reservation{ExternalID: "e-2", Provider: "a", UserID: "u", CreatedAt: past}))
	require.NoError(t, repo.Record(ctx, domain.Reservation{ExternalID: "e-3", Provider: "a", UserID: "u"}))
	require.NoError(t, repo.MarkStatus(ctx, "a", "e-2", domain.ReservationStatusSettled))

	stale, err := repo.ListStale(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "e-1", stale[0].ExternalID)

	assert.ErrorIs(t, repo.MarkStatus(ctx, "a", "missing", domain.ReservationStatusSettled), domain.ErrReservationNotFound)
	assert.Error(t, repo.Record(ctx, domain.Reservation{}))
}

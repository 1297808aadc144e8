package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

func TestAdapter_ScriptedPurchases(t *testing.T) {
	ctx := context.Background()
	adapter := New("a", WithPurchaseErrors(domain.ErrProviderTransient, nil))

	_, err := adapter.Purchase(ctx, "6", "tg", 0)
	require.ErrorIs(t, err, domain.ErrProviderTransient)

	purchase, err := adapter.Purchase(ctx, "6", "tg", 0)
	require.NoError(t, err)
	assert.Equal(t, "a-1", purchase.ExternalID)
	assert.EqualValues(t, 1000, purchase.CostMinor)
	assert.Equal(t, 2, adapter.Calls().Purchase)

	stock, err := adapter.Stock(ctx, "6", "tg")
	require.NoError(t, err)
	assert.Equal(t, 99, stock)
}

func TestAdapter_MaxPriceAndNoNumbers(t *testing.T) {
	ctx := context.Background()

	_, err := New("a", WithCost(500)).Purchase(ctx, "6", "tg", 100)
	assert.True(t, errors.Is(err, domain.ErrProviderPermanent))

	_, err = New("b", WithStock(0)).Purchase(ctx, "6", "tg", 0)
	assert.True(t, errors.Is(err, domain.ErrProviderNoNumbers))
}

func TestAdapter_LatencyRespectsContext(t *testing.T) {
	adapter := New("slow", WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := adapter.Purchase(ctx, "6", "tg", 0)
	assert.ErrorIs(t, err, domain.ErrProviderTransient)
}

func TestAdapter_ActivationLifecycle(t *testing.T) {
	ctx := context.Background()
	adapter := New("a", WithAutoCode(2))

	purchase, err := adapter.Purchase(ctx, "6", "tg", 0)
	require.NoError(t, err)

	status, err := adapter.CheckStatus(ctx, purchase.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationWaiting, status.State)

	status, err = adapter.CheckStatus(ctx, purchase.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationReceived, status.State)
	assert.NotEmpty(t, status.Code)

	require.NoError(t, adapter.Finish(ctx, purchase.ExternalID))
	require.NoError(t, adapter.Cancel(ctx, purchase.ExternalID))
	assert.Equal(t, []string{purchase.ExternalID}, adapter.Cancelled())

	_, err = adapter.CheckStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrProviderPermanent)
}

func TestAdapter_MarketOffers(t *testing.T) {
	ctx := context.Background()
	adapter := New("a", WithMarket(domain.MarketOffer{Operator: "mts", PriceMinor: 700, Stock: 20}))

	offers, err := adapter.MarketPrices(ctx, "6", "tg")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ProviderID("a"), offers[0].Provider)

	purchase, err := adapter.PurchaseAt(ctx, "6", "tg", offers[0])
	require.NoError(t, err)
	assert.EqualValues(t, 700, purchase.CostMinor)
}

package rental_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider/mock"
)

func rentOne(t *testing.T, f *fixture) domain.Rental {
	t.Helper()
	receipt, err := f.coord.Rent(context.Background(), rentRequest("k-life"))
	require.NoError(t, err)
	stored, err := f.rentals.Get(context.Background(), receipt.RentalID)
	require.NoError(t, err)
	return stored
}

func TestGet_ForeignRentalForbidden(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	r := rentOne(t, f)

	_, err := f.coord.Get(context.Background(), "intruder", r.ID)
	require.ErrorIs(t, err, domain.ErrRentalForbidden)

	_, err = f.coord.Get(context.Background(), testUser, "missing")
	require.ErrorIs(t, err, domain.ErrRentalNotFound)
}

func TestCheckStatus_WaitingThenCode(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	waiting, err := f.coord.CheckStatus(ctx, testUser, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusActive, waiting.Status)
	assert.Empty(t, waiting.SMSCode)

	f.adapter.DeliverCode(r.ExternalID, "424242")

	done, err := f.coord.CheckStatus(ctx, testUser, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusCompleted, done.Status)
	assert.Equal(t, "424242", done.SMSCode)
	assert.Equal(t, 1, f.adapter.Calls().Finish)

	stored, err := f.rentals.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "424242", stored.SMSCode)
	assert.Equal(t, startBalance-basePrice, f.balance(t), "completed rental keeps the charge")

	again, err := f.coord.CheckStatus(ctx, testUser, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusCompleted, again.Status)
	assert.Equal(t, 2, f.adapter.Calls().CheckStatus, "terminal rentals are not polled")
}

func TestCancel_RefundsOnce(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	cancelled, err := f.coord.Cancel(ctx, testUser, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusCancelled, cancelled.Status)
	assert.Equal(t, startBalance, f.balance(t))

	_, err = f.coord.Cancel(ctx, testUser, r.ID)
	require.ErrorIs(t, err, domain.ErrRentalNotActive)
	assert.Equal(t, startBalance, f.balance(t))

	assert.Equal(t,
		[]string{domain.EventRentalCreated, domain.EventRentalCancelled, domain.EventRentalRefunded},
		eventTypes(f.outbox.AllPending()),
	)
}

func TestCancel_AfterCodeRejected(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	r.SMSCode = "111111"
	require.NoError(t, f.rentals.Save(ctx, r))

	_, err := f.coord.Cancel(ctx, testUser, r.ID)
	require.ErrorIs(t, err, domain.ErrRentalCodeReceived)
	assert.Equal(t, startBalance-basePrice, f.balance(t))
}

func TestCancel_ProviderRefusalKeepsRental(t *testing.T) {
	f := newFixture(t, mock.New("alpha", mock.WithCancelError(domain.ErrProviderPermanent)))
	ctx := context.Background()
	r := rentOne(t, f)

	_, err := f.coord.Cancel(ctx, testUser, r.ID)
	require.ErrorIs(t, err, domain.ErrProviderPermanent)

	stored, err := f.rentals.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusActive, stored.Status)
	assert.Equal(t, startBalance-basePrice, f.balance(t))
}

func TestFinish(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	finished, err := f.coord.Finish(ctx, testUser, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusCompleted, finished.Status)

	_, err = f.coord.Finish(ctx, testUser, r.ID)
	require.ErrorIs(t, err, domain.ErrRentalNotActive)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	n, err := f.coord.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "rental is not due yet")

	f.clock.Advance(21 * time.Minute)
	n, err = f.coord.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.rentals.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusExpired, stored.Status)
	assert.Equal(t, startBalance, f.balance(t))
	assert.Contains(t, f.adapter.Cancelled(), r.ExternalID)

	n, err = f.coord.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireDue_WithCodeCompletesWithoutRefund(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	ctx := context.Background()
	r := rentOne(t, f)

	r.SMSCode = "999999"
	require.NoError(t, f.rentals.Save(ctx, r))

	f.clock.Advance(time.Hour)
	n, err := f.coord.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.rentals.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusCompleted, stored.Status)
	assert.Equal(t, startBalance-basePrice, f.balance(t))
}

func TestList(t *testing.T) {
	f := newFixture(t, mock.New("alpha"))
	rentOne(t, f)

	list, err := f.coord.List(context.Background(), testUser, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

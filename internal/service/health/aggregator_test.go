package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestClassify(t *testing.T) {
	tests := []struct {
		rate float64
		ms   int64
		want domain.HealthStatus
	}{
		{rate: 49.99, ms: 100, want: domain.HealthStatusUnavailable},
		{rate: 0, ms: 100000, want: domain.HealthStatusUnavailable},
		{rate: 50, ms: 100, want: domain.HealthStatusDegraded},
		{rate: 89.9, ms: 100, want: domain.HealthStatusDegraded},
		{rate: 95, ms: 5001, want: domain.HealthStatusDegraded},
		{rate: 90, ms: 5000, want: domain.HealthStatusHealthy},
		{rate: 100, ms: 0, want: domain.HealthStatusHealthy},
	}

	for _, tt := range tests {
		assert.Equalf(t, tt.want, Classify(tt.rate, tt.ms), "rate=%v ms=%d", tt.rate, tt.ms)
	}
}

func TestClassify_BelowFiftyAlwaysUnavailable(t *testing.T) {
	for rate := 0.0; rate < 50; rate += 0.25 {
		for _, ms := range []int64{0, 1, 1999, 5000, 5001, 1 << 40} {
			require.Equal(t, domain.HealthStatusUnavailable, Classify(rate, ms))
		}
	}
}

func TestIsUsable(t *testing.T) {
	prefs := domain.DefaultProviderPreferences()

	assert.True(t, IsUsable(nil, prefs))
	assert.True(t, IsUsable(&domain.ProviderHealth{}, prefs))
	assert.True(t, IsUsable(&domain.ProviderHealth{TotalRequests: 10, SuccessRate: 90, AvgResponseTimeMs: 5000}, prefs))
	assert.False(t, IsUsable(&domain.ProviderHealth{TotalRequests: 10, SuccessRate: 89, AvgResponseTimeMs: 100}, prefs))
	assert.False(t, IsUsable(&domain.ProviderHealth{TotalRequests: 10, SuccessRate: 99, AvgResponseTimeMs: 5001}, prefs))
}

func TestSummarize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []domain.ProviderRequestLog{
		{Success: true, ResponseTimeMs: 100, CreatedAt: now.Add(-3 * time.Minute)},
		{Success: false, ResponseTimeMs: 300, CreatedAt: now.Add(-2 * time.Minute)},
		{Success: true, ResponseTimeMs: 200, CreatedAt: now.Add(-time.Minute)},
		{Success: true, ResponseTimeMs: 400, CreatedAt: now.Add(-4 * time.Minute)},
	}

	h := Summarize("a", rows, now)
	assert.Equal(t, 4, h.TotalRequests)
	assert.Equal(t, 3, h.SuccessfulRequests)
	assert.Equal(t, 1, h.FailedRequests)
	assert.InDelta(t, 75.0, h.SuccessRate, 0.001)
	assert.EqualValues(t, 250, h.AvgResponseTimeMs)
	assert.Equal(t, domain.HealthStatusDegraded, h.Status)
	require.NotNil(t, h.LastSuccessAt)
	assert.Equal(t, now.Add(-time.Minute), *h.LastSuccessAt)
	require.NotNil(t, h.LastFailureAt)
	assert.Equal(t, now.Add(-2*time.Minute), *h.LastFailureAt)

	empty := Summarize("a", nil, now)
	assert.Equal(t, domain.HealthStatusHealthy, empty.Status)
	assert.Nil(t, empty.LastSuccessAt)
	assert.Nil(t, empty.LastFailureAt)
}

func TestAggregator_RecordRequestRecomputesOverLatestWindow(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewHealthRepository()
	agg := NewAggregator(repo, nil, WithWindow(LatestRowsWindow{Size: 4}), WithClock(fixedClock(time.Now().UTC())))

	// Четыре провала вытесняются четырьмя успехами.
	for i := 0; i < 4; i++ {
		_, err := agg.RecordRequest(ctx, Observation{Provider: "a", Success: false, Latency: time.Second})
		require.NoError(t, err)
	}
	h, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, domain.HealthStatusUnavailable, h.Status)
	assert.Nil(t, h.LastSuccessAt)

	var last domain.ProviderHealth
	for i := 0; i < 4; i++ {
		last, err = agg.RecordRequest(ctx, Observation{Provider: "a", Success: true, Latency: 100 * time.Millisecond})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, last.TotalRequests)
	assert.InDelta(t, 100.0, last.SuccessRate, 0.001)
	assert.EqualValues(t, 100, last.AvgResponseTimeMs)
	assert.Equal(t, domain.HealthStatusHealthy, last.Status)
	assert.NotNil(t, last.LastSuccessAt)

	rows, err := repo.LatestRequests(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RequestTypePurchase, rows[0].RequestType)
}

type failingHealthRepo struct {
	domain.HealthRepository
}

func (failingHealthRepo) RecordRequest(context.Context, domain.ProviderRequestLog) error {
	return errors.New("db down")
}

func (failingHealthRepo) Get(context.Context, domain.ProviderID) (*domain.ProviderHealth, error) {
	return nil, errors.New("db down")
}

func TestAggregator_StoreFailuresAreReturned(t *testing.T) {
	agg := NewAggregator(failingHealthRepo{}, nil)

	_, err := agg.RecordRequest(context.Background(), Observation{Provider: "a", Success: true})
	require.Error(t, err)

	snapshot := agg.Snapshot(context.Background(), []domain.ProviderID{"a"})
	require.Contains(t, snapshot, domain.ProviderID("a"))
	assert.Nil(t, snapshot["a"])
}

func TestAggregator_RecordRequestEmitsSpan(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })
	tracer := tp.Tracer("health-test")

	ok := NewAggregator(memory.NewHealthRepository(), nil, WithTracer(tracer))
	_, err := ok.RecordRequest(ctx, Observation{Provider: "a", RequestType: domain.RequestTypePurchase, Success: true})
	require.NoError(t, err)

	broken := NewAggregator(failingHealthRepo{}, nil, WithTracer(tracer))
	_, err = broken.RecordRequest(ctx, Observation{Provider: "b"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "health.record", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("provider", "a"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("health_status", string(domain.HealthStatusHealthy)))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

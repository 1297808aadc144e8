package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luonghoangminh88-hub/smsflex/internal/api"
)

const testSecret = "load-secret"

// fakeRentalAPI повторяет контракт HTTP API аренды: JWT, ключ идемпотентности, отмена.
type fakeRentalAPI struct {
	mu        sync.Mutex
	seq       int
	byKey     map[string]string
	owners    map[string]string
	cancelled map[string]bool
	failRent  bool
}

func newFakeRentalAPI(t *testing.T) (*fakeRentalAPI, *httptest.Server) {
	t.Helper()

	f := &fakeRentalAPI{byKey: map[string]string{}, owners: map[string]string{}, cancelled: map[string]bool{}}
	r := chi.NewRouter()
	r.Use(api.JWTAuth(api.AuthConfig{Secret: []byte(testSecret)}))
	r.Post("/rentals", f.rent)
	r.Post("/rentals/{rentalID}/cancel", f.cancel)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRentalAPI) rent(w http.ResponseWriter, r *http.Request) {
	userID, err := api.UserIDFromContext(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	key := r.Header.Get(api.IdempotencyKeyHeader)
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRent {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"no_numbers"}`))
		return
	}

	scoped := userID + ":" + key
	id, replayed := f.byKey[scoped]
	if !replayed {
		f.seq++
		id = fmt.Sprintf("rental-%d", f.seq)
		f.byKey[scoped] = id
		f.owners[id] = userID
	} else {
		w.Header().Set(api.ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"rental_id": id, "provider": "alpha"})
}

func (f *fakeRentalAPI) cancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := api.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "rentalID")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[id] != userID {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.cancelled[id] = true
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

func testConfig(addr string, mode loadMode) config {
	return config{
		addr:        addr,
		secret:      testSecret,
		total:       6,
		concurrency: 3,
		users:       2,
		timeout:     2 * time.Second,
		mode:        mode,
		country:     "vn",
		service:     "telegram",
		userTag:     "load",
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []loadMode{modeRent, modeRentReplay, modeRentCancel} {
		got, err := parseMode(" " + string(mode) + " ")
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	_, err := parseMode("bad")
	assert.ErrorContains(t, err, "unsupported mode")
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-jwt-secret=s", "-mode=rent-cancel", "-total=5", "-users=3"})
		require.NoError(t, err)
		assert.Equal(t, modeRentCancel, cfg.mode)
		assert.Equal(t, 5, cfg.total)
		assert.True(t, cfg.totalSet)
		assert.Equal(t, 3, cfg.users)
	})

	t.Run("duration mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-jwt-secret=s", "-duration=2s"})
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.duration)
		assert.False(t, cfg.totalSet)
	})

	t.Run("secret from env", func(t *testing.T) {
		t.Setenv("SMSFLEX_JWT_SECRET", "env-secret")
		cfg, err := parseConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "env-secret", cfg.secret)
	})

	t.Run("validation", func(t *testing.T) {
		t.Setenv("SMSFLEX_JWT_SECRET", "")
		testCases := []struct {
			args []string
			want string
		}{
			{[]string{}, "jwt-secret is required"},
			{[]string{"-jwt-secret=s", "-total=0"}, "total must be > 0"},
			{[]string{"-jwt-secret=s", "-concurrency=0"}, "concurrency must be > 0"},
			{[]string{"-jwt-secret=s", "-users=0"}, "users must be > 0"},
			{[]string{"-jwt-secret=s", "-timeout=0s"}, "timeout must be > 0"},
			{[]string{"-jwt-secret=s", "-cancel-rate=101"}, "cancel-rate"},
			{[]string{"-jwt-secret=s", "-country="}, "country and service"},
			{[]string{"-jwt-secret=s", "-mode=bad"}, "unsupported mode"},
		}
		for _, tc := range testCases {
			_, err := parseConfig(tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("args %v: expected %q, got %v", tc.args, tc.want, err)
			}
		}
	})
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, result{ok: true, code: "ok"})
	c.record(scenarioMethod, 20*time.Millisecond, result{code: "failed"})
	c.record(methodRent, 15*time.Millisecond, statusResult(http.StatusCreated, http.StatusCreated))
	c.record(methodRent, 15*time.Millisecond, statusResult(http.StatusServiceUnavailable, http.StatusCreated))

	snap, ok := c.snapshot(methodRent)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Calls)
	assert.Equal(t, int64(1), snap.Codes["201"])
	assert.Equal(t, int64(1), snap.Codes["503"])

	r := c.buildReport(time.Now(), 2*time.Second)
	assert.Equal(t, int64(2), r.TotalScenarios)
	assert.Equal(t, int64(1), r.FailedScenarios)
	assert.Positive(t, r.RPS)

	var out bytes.Buffer
	printReport(&out, r, config{mode: modeRent, total: 2})
	assert.Contains(t, out.String(), "Load test summary")
	assert.Contains(t, out.String(), "Rent: calls=2")
	assert.Contains(t, out.String(), "201:1,503:1")
}

func TestUtilityFunctions(t *testing.T) {
	assert.Equal(t, 0.25, ratio(1, 4))
	assert.Equal(t, 0.0, ratio(1, 0))

	summary := buildLatencySummary([]float64{10, 20, 30, 40})
	assert.Equal(t, 40.0, summary.Max)
	assert.Equal(t, 25.0, summary.P50)

	assert.Equal(t, "count:50", runTarget(config{total: 50}))
	assert.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	assert.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))

	assert.False(t, shouldCancelScenario(5, 0))
	assert.True(t, shouldCancelScenario(5, 100))
	assert.True(t, shouldCancelScenario(105, 10))
	assert.False(t, shouldCancelScenario(15, 10))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, int64(2), decoded.SuccessScenarios)

	assert.Error(t, writeJSONReport(".", report{}))
}

func TestRentalClient_RentAndReplay(t *testing.T) {
	_, srv := newFakeRentalAPI(t)
	client := newRentalClient(srv.URL+"/", api.AuthConfig{Secret: []byte(testSecret)}, nil)

	body := rentBody{Country: "vn", Service: "telegram"}
	first, replayed, res, err := client.Rent(context.Background(), "user-1", "key-1", body)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "201", res.code)

	second, replayed, _, err := client.Rent(context.Background(), "user-1", "key-1", body)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.RentalID, second.RentalID)

	res, err = client.Cancel(context.Background(), "user-2", first.RentalID)
	assert.Error(t, err, "other users cannot cancel the rental")
	assert.Equal(t, "404", res.code)
}

func TestRentalClient_WrongSecretIsRejected(t *testing.T) {
	_, srv := newFakeRentalAPI(t)
	client := newRentalClient(srv.URL, api.AuthConfig{Secret: []byte("other")}, nil)

	_, _, res, err := client.Rent(context.Background(), "user-1", "key-1", rentBody{Country: "vn", Service: "telegram"})
	assert.Error(t, err)
	assert.Equal(t, "401", res.code)
}

func TestRun_Modes(t *testing.T) {
	t.Run("rent-replay", func(t *testing.T) {
		_, srv := newFakeRentalAPI(t)
		var out bytes.Buffer

		r, err := run(context.Background(), testConfig(srv.URL, modeRentReplay), &out)
		require.NoError(t, err)
		assert.Equal(t, int64(6), r.SuccessScenarios)
		assert.Equal(t, int64(6), r.Methods[methodReplay].Success)
	})

	t.Run("rent-cancel with report", func(t *testing.T) {
		fake, srv := newFakeRentalAPI(t)
		cfg := testConfig(srv.URL, modeRentCancel)
		cfg.outputPath = filepath.Join(t.TempDir(), "report.json")

		r, err := run(context.Background(), cfg, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), r.FailedScenarios)
		assert.Len(t, fake.cancelled, 6)
		_, err = os.Stat(cfg.outputPath)
		assert.NoError(t, err)
	})

	t.Run("failures are counted", func(t *testing.T) {
		fake, srv := newFakeRentalAPI(t)
		fake.failRent = true

		r, err := run(context.Background(), testConfig(srv.URL, modeRent), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, int64(6), r.FailedScenarios)
		assert.Equal(t, int64(6), r.Methods[methodRent].Codes["503"])
	})
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/api"
)

const (
	scenarioMethod = "scenario"
	methodRent     = "Rent"
	methodReplay   = "RentReplay"
	methodCancel   = "Cancel"
)

type loadMode string

const (
	modeRent       loadMode = "rent"
	modeRentReplay loadMode = "rent-replay"
	modeRentCancel loadMode = "rent-cancel"
)

type config struct {
	addr          string
	secret        string
	issuer        string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	users         int
	timeout       time.Duration
	mode          loadMode
	cancelRate    int
	country       string
	service       string
	maxPriceMinor int64
	userTag       string
	outputPath    string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	flags := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	flags.StringVar(&cfg.addr, "addr", "http://localhost:8080", "HTTP API base URL")
	flags.StringVar(&cfg.secret, "jwt-secret", os.Getenv("SMSFLEX_JWT_SECRET"), "HS256 secret used to sign user tokens (fallback: SMSFLEX_JWT_SECRET)")
	flags.StringVar(&cfg.issuer, "jwt-issuer", os.Getenv("SMSFLEX_JWT_ISSUER"), "token issuer (fallback: SMSFLEX_JWT_ISSUER)")
	flags.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flags.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	flags.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flags.IntVar(&cfg.users, "users", 10, "number of distinct users to spread rentals across")
	flags.DurationVar(&cfg.timeout, "timeout", 20*time.Second, "per-request timeout")
	flags.StringVar(&modeValue, "mode", string(modeRent), "load mode: rent | rent-replay | rent-cancel")
	flags.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for rent mode (0..100)")
	flags.StringVar(&cfg.country, "country", "vn", "country code to rent in")
	flags.StringVar(&cfg.service, "service", "telegram", "service code to rent for")
	flags.Int64Var(&cfg.maxPriceMinor, "max-price-minor", 0, "max provider cost in minor units (0 = no limit)")
	flags.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	flags.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	flags.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	switch {
	case strings.TrimSpace(cfg.secret) == "":
		return cfg, errors.New("jwt-secret is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.users <= 0:
		return cfg, errors.New("users must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.maxPriceMinor < 0:
		return cfg, errors.New("max-price-minor must be >= 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.country) == "" || strings.TrimSpace(cfg.service) == "":
		return cfg, errors.New("country and service are required")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeRent, modeRentReplay, modeRentCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := run(context.Background(), cfg, os.Stdout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run прогоняет сценарии и печатает отчёт в out.
func run(ctx context.Context, cfg config, out io.Writer) (report, error) {
	client := newRentalClient(cfg.addr, api.AuthConfig{Secret: []byte(cfg.secret), Issuer: cfg.issuer}, &http.Client{
		Timeout:   cfg.timeout,
		Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency},
	})

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(ctx, client, cfg, id, runID, col); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			return result, fmt.Errorf("write report: %w", err)
		}
	}
	return result, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario арендует номер и, в зависимости от режима, повторяет запрос
// с тем же ключом идемпотентности или отменяет аренду.
func runScenario(ctx context.Context, client *rentalClient, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		res := result{ok: err == nil, code: "ok"}
		if err != nil {
			res.code = "failed"
		}
		col.record(scenarioMethod, time.Since(scenarioStart), res)
	}()

	userID := fmt.Sprintf("%s-%d", cfg.userTag, index%cfg.users)
	key := fmt.Sprintf("lt-rent-%s-%d", runID, index)
	body := rentBody{Country: cfg.country, Service: cfg.service, MaxPriceMinor: cfg.maxPriceMinor}

	receipt, err := timedRent(ctx, client, cfg.timeout, methodRent, userID, key, body, col)
	if err != nil {
		return err
	}

	switch {
	case cfg.mode == modeRentReplay:
		replay, err := timedRent(ctx, client, cfg.timeout, methodReplay, userID, key, body, col)
		if err != nil {
			return err
		}
		if replay.RentalID != receipt.RentalID {
			return fmt.Errorf("replay returned rental %s, want %s", replay.RentalID, receipt.RentalID)
		}
	case cfg.mode == modeRentCancel || shouldCancelScenario(index, cfg.cancelRate):
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		res, err := client.Cancel(callCtx, userID, receipt.RentalID)
		cancel()
		col.record(methodCancel, time.Since(start), res)
		if err != nil {
			return err
		}
	}
	return nil
}

func timedRent(ctx context.Context, client *rentalClient, timeout time.Duration, method, userID, key string, body rentBody, col *collector) (rentReceipt, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, _, res, err := client.Rent(callCtx, userID, key, body)
	col.record(method, time.Since(start), res)
	return receipt, err
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

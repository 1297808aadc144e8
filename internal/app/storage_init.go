package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	healthcheck "github.com/luonghoangminh88-hub/smsflex/internal/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/pricing"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/rental"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/memory"
	"github.com/luonghoangminh88-hub/smsflex/internal/storage/postgres"
	redisstore "github.com/luonghoangminh88-hub/smsflex/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	rentalRepo      domain.RentalRepository
	balanceRepo     domain.BalanceRepository
	catalogRepo     domain.CatalogRepository
	reservationRepo domain.ReservationRepository
	idempotencyRepo domain.IdempotencyRepository
	outboxRepo      domain.OutboxRepository
	healthRepo      domain.HealthRepository
	prefsRepo       domain.PreferencesRepository

	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	catalogSeed, err := parseCatalogSeed(cfg.CatalogSeed)
	if err != nil {
		return nil, err
	}

	var deps *runtimeDependencies
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps, err = initMemoryStorage(ctx, cfg, catalogSeed)
	case StorageDriverPostgres:
		deps, err = initPostgresStorage(ctx, cfg, catalogSeed, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		if err := attachRedisIdempotency(ctx, cfg, deps, logger); err != nil {
			_ = deps.close()
			return nil, err
		}
	}
	return deps, nil
}

func initMemoryStorage(ctx context.Context, cfg Config, catalogSeed []domain.CatalogPrice) (*runtimeDependencies, error) {
	catalog := memory.NewCatalogRepository()
	for _, price := range catalogSeed {
		catalog.Put(price)
	}

	balances := memory.NewBalanceRepository()
	for _, item := range splitList(cfg.BalanceSeed) {
		userID, rawAmount, ok := strings.Cut(item, "=")
		amount, err := strconv.ParseInt(strings.TrimSpace(rawAmount), 10, 64)
		if !ok || strings.TrimSpace(userID) == "" || err != nil || amount < 0 {
			return nil, fmt.Errorf("invalid balance seed entry %q, expected user=amount", item)
		}
		if _, err := balances.Credit(ctx, strings.TrimSpace(userID), amount); err != nil {
			return nil, fmt.Errorf("seed balance for %s: %w", userID, err)
		}
	}

	return &runtimeDependencies{
		rentalRepo:      memory.NewRentalRepository(),
		balanceRepo:     balances,
		catalogRepo:     catalog,
		reservationRepo: memory.NewReservationRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		outboxRepo:      memory.NewOutboxRepository(),
		healthRepo:      memory.NewHealthRepository(),
		prefsRepo:       memory.NewPreferencesRepository(),
	}, nil
}

func initPostgresStorage(ctx context.Context, cfg Config, catalogSeed []domain.CatalogPrice, logger *log.Entry) (*runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("postgres storage requires dsn")
	}
	if cfg.BalanceSeed != "" {
		logger.Warn("balance seed is ignored for postgres storage")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		migrateCtx, cancel := postgres.MigrationContext(ctx)
		err := store.EnsureSchema(migrateCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	catalog := postgres.NewCatalogRepository(store)
	for _, price := range catalogSeed {
		if err := catalog.Put(ctx, price); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed catalog %s/%s: %w", price.Country, price.Service, err)
		}
	}

	logger.Info("postgres storage initialized")
	return &runtimeDependencies{
		rentalRepo:      postgres.NewRentalRepository(store),
		balanceRepo:     postgres.NewBalanceRepository(store),
		catalogRepo:     catalog,
		reservationRepo: postgres.NewReservationRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		healthRepo:      postgres.NewHealthRepository(store),
		prefsRepo:       postgres.NewPreferencesRepository(store),
		storageChecker:  healthcheck.NewSimpleChecker("postgres", store.Ping),
		closeFn:         store.Close,
	}, nil
}

// attachRedisIdempotency переносит ключи идемпотентности в Redis, общий для всех реплик.
func attachRedisIdempotency(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}

	deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client, redisstore.DefaultKeyPrefix)
	deps.redisChecker = healthcheck.NewSimpleChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	prevClose := deps.closeFn
	deps.closeFn = func() error {
		var errs []error
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		if prevClose != nil {
			if err := prevClose(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	logger.WithField("addr", cfg.RedisAddr).Info("redis idempotency store enabled")
	return nil
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// parseCatalogSeed разбирает "country:service:base:cost[,...]".
func parseCatalogSeed(raw string) ([]domain.CatalogPrice, error) {
	items := splitList(raw)
	prices := make([]domain.CatalogPrice, 0, len(items))
	for _, item := range items {
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid catalog seed entry %q, expected country:service:base:cost", item)
		}
		base, errBase := strconv.ParseInt(parts[2], 10, 64)
		cost, errCost := strconv.ParseInt(parts[3], 10, 64)
		if errBase != nil || errCost != nil || base <= 0 || cost < 0 {
			return nil, fmt.Errorf("invalid catalog seed prices in %q", item)
		}
		prices = append(prices, domain.CatalogPrice{
			Country:         parts[0],
			Service:         parts[1],
			BasePriceMinor:  base,
			CostPriceMinor:  cost,
			RentalType:      pricing.RentalTypeActivation,
			DurationMinutes: int(rental.DefaultRentalDuration / time.Minute),
		})
	}
	return prices, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/spotmaker/internal/cache/redis"
	"github.com/alanyoungcy/spotmaker/internal/config"
	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/notify"
	"github.com/alanyoungcy/spotmaker/internal/ratelimit"
	"github.com/alanyoungcy/spotmaker/internal/server/ws"
	"github.com/alanyoungcy/spotmaker/internal/store/postgres"
)

// Dependencies bundles the infrastructure shared by both trading modes. Every
// store may be nil when its backend is disabled.
type Dependencies struct {
	Redis    *redis.Client
	Postgres *postgres.Client

	// Journal
	OrderStore domain.OrderStore
	FillStore  domain.FillStore
	AuditStore domain.AuditStore

	// Exchange-call limiter. Redis-backed when executor.shared_limiter is set.
	RateLimiter domain.RateLimiter
	// API limiter, always in-process.
	APILimiter domain.RateLimiter

	// Bus fans out to the WebSocket hub and, when enabled, Redis.
	Bus domain.EventBus
	Hub *ws.Hub

	Notifier *notify.Notifier
}

// Wire constructs the infrastructure from cfg and returns it together with a
// cleanup function that releases every connection in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		RateLimiter: ratelimit.NewSlidingWindow(),
		APILimiter:  ratelimit.NewSlidingWindow(),
		Hub:         ws.NewHub(cfg.Mode, logger),
	}
	buses := fanoutBus{deps.Hub}

	// --- PostgreSQL journal ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.FillStore = postgres.NewFillStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		buses = append(buses, redis.NewEventBus(redisClient))
		if cfg.Executor.SharedLimiter {
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
		}
	}
	deps.Bus = buses

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// fanoutBus delivers to every bus and joins their errors.
type fanoutBus []domain.EventBus

func (f fanoutBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanoutBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	var errs []error
	for _, b := range f {
		if err := b.StreamAppend(ctx, stream, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.EventBus = fanoutBus(nil)

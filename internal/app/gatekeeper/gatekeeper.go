// Package gatekeeper собирает приложение целиком: хранилище, кеш,
// брокер аудита, клиенты внешних API, сервисы и командный слой бота.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/alfredwatch/gatekeeper/internal/bot"
	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/cryptopay"
	"github.com/alfredwatch/gatekeeper/internal/events"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
	"github.com/alfredwatch/gatekeeper/internal/migrations"
	"github.com/alfredwatch/gatekeeper/internal/ops"
	"github.com/alfredwatch/gatekeeper/internal/services/enforcer"
	"github.com/alfredwatch/gatekeeper/internal/services/sweeper"
	"github.com/alfredwatch/gatekeeper/internal/services/watcher"
	"github.com/alfredwatch/gatekeeper/internal/storage/cache"
	"github.com/alfredwatch/gatekeeper/internal/storage/repository"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
	"github.com/alfredwatch/gatekeeper/internal/tron"
)

// App связывает все компоненты бота доступа.
type App struct {
	bot     *bot.Bot
	sweeper *sweeper.Sweeper
	ops     *ops.Server
	db      *repository.Storage
	conn    *amqp.Connection
	ch      *amqp.Channel
	logger  *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		closeResources(nil, nil, db, logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := waitForDB(db); err != nil {
		closeResources(nil, nil, db, logger)
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		closeResources(nil, nil, db, logger)
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	// Недоступный брокер не валит приложение: аудит-поток best-effort.
	var conn *amqp.Connection
	var ch *amqp.Channel
	if cfg.Flags.AuditEvents {
		conn, err = events.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
		if err != nil {
			logger.Warn("audit broker unavailable, events disabled", slog.Any("err", err))
		} else {
			ch, err = events.SetupChannel(conn, events.GetAuditQueues())
			if err != nil {
				logger.Warn("failed to setup audit channel, events disabled", slog.Any("err", err))
			}
		}
	}
	audit := events.NewPublisher(ch, logger)

	provider, err := texts.Load(cfg.TextsPath)
	if err != nil {
		closeResources(ch, conn, db, logger)
		return nil, fmt.Errorf("failed to load texts: %w", err)
	}

	m := metrics.New()
	tg := telegram.NewClient(cfg.Telegram)
	invoices := cryptopay.NewClient(cfg.CryptoPayToken, cfg.CryptoPayURL)
	chain := tron.NewClient(cfg.TronAPIKey, cfg.TronAPIURL, cfg.USDTContract)

	registry := cache.NewChannelRegistry(db, cacheRedis, 5*time.Minute, logger)
	enf := enforcer.New(tg, registry, m, logger)
	pay := watcher.New(db, db, db, invoices, chain, tg, provider, audit, m, logger,
		cfg.Watcher, cfg.Tron, cfg.Flags)
	swp := sweeper.New(db, enf, tg, provider, audit, m, logger, cfg.Sweeper, cfg.Flags)
	b := bot.New(tg, db, registry, db, pay, enf, provider, logger, cfg.Telegram)
	opsSrv := ops.New(cfg.OpsServer, db.DB, m, logger)

	return &App{
		bot:     b,
		sweeper: swp,
		ops:     opsSrv,
		db:      db,
		conn:    conn,
		ch:      ch,
		logger:  logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, db *repository.Storage, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", "error", err)
		}
	}
	if db != nil {
		if err := db.DB.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}
}

// Run запускает все контуры: служебный сервер, свип и long polling.
// Возврат любого из них с ошибкой гасит остальные через общий контекст.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ops.Run(gctx)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		return a.bot.Run(gctx)
	})

	err := g.Wait()

	a.logger.Info("shutting down")
	closeResources(a.ch, a.conn, a.db, a.logger)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/api"
	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/capital"
	"github.com/Coding-With-Josh/aegis/internal/clock"
	"github.com/Coding-With-Josh/aegis/internal/config"
	"github.com/Coding-With-Josh/aegis/internal/execution"
	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/keystore"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solrpc"
	"github.com/Coding-With-Josh/aegis/internal/notify"
	"github.com/Coding-With-Josh/aegis/internal/observability/metrics"
	"github.com/Coding-With-Josh/aegis/internal/oracle"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/internal/spend"
	"github.com/Coding-With-Josh/aegis/internal/storage/sqlstore"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("aegisd")

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Oracle.CacheDriver == config.DriverRedis || cfg.Notify.QueueDriver == config.DriverRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
		defer redisClient.Close()
	}

	queue, err := openNotifyQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close notify queue", slog.Any("error", err))
		}
	}()

	ledgerClient, err := solrpc.Dial(ctx, solrpc.Config{
		RPCURL:         cfg.Ledger.RPCURL,
		JupiterURL:     cfg.Ledger.JupiterURL,
		JupiterTimeout: cfg.Ledger.JupiterTimeout,
		Commitment:     cfg.Ledger.Commitment,
		ConfirmPoll:    cfg.Ledger.ConfirmPoll,
	})
	if err != nil {
		return err
	}
	defer ledgerClient.Close()

	keys, err := keystore.New(cfg.Keystore.Passphrase)
	if err != nil {
		return err
	}

	realClock := clock.Real()
	dispatcher := notify.NewDispatcher(queue, notify.WithDispatcherClock(realClock))
	alerter := notify.NewFanout(notify.LogAlerter{}, &notify.WebhookAlerter{Notifier: dispatcher, URL: cfg.Notify.AlertWebhook})

	var cache oracle.Cache = oracle.NewMemoryCache(realClock)
	if cfg.Oracle.CacheDriver == config.DriverRedis {
		cache = oracle.NewRedisCache(redisClient, cfg.Oracle.CachePrefix)
	}
	prices := oracle.NewAggregator(
		oracle.NewPythFeed(cfg.Oracle.PythURL, cfg.Oracle.PythTimeout),
		oracle.NewCoinGeckoFeed(cfg.Oracle.CoinGeckoURL, cfg.Oracle.CoinGeckoTimeout),
		oracle.WithCache(cache),
		oracle.WithCacheTTL(cfg.Oracle.CacheTTL),
	)

	agents := agent.NewService(st.agents, keys, agent.WithClock(realClock))
	trail := audit.NewTrail(st.audit, realClock)
	tracker := spend.NewTracker(st.spend, realClock)
	approvals := hitl.NewQueue(st.pending,
		hitl.WithClock(realClock),
		hitl.WithTTL(cfg.HITL.TTL),
		hitl.WithNotifier(dispatcher),
		hitl.WithAuditTrail(trail),
	)
	ledgerCapital := capital.NewService(st.capital, st.transactions, realClock)

	orchestrator, err := execution.New(execution.Dependencies{
		Agents:       agents,
		Intents:      intent.DefaultRegistry(),
		Spend:        tracker,
		Oracle:       prices,
		Ledger:       ledgerClient,
		Simulator:    simulation.NewAnalyzer(ledgerClient, cfg.Ledger.SimulateTimeout),
		Approvals:    approvals,
		Audit:        trail,
		Transactions: st.transactions,
		Notifier:     dispatcher,
		Alerter:      alerter,
	}, execution.WithClock(realClock), execution.WithSubmitTimeout(cfg.Ledger.SubmitTimeout))
	if err != nil {
		return err
	}

	sweeper, err := hitl.NewSweeper(approvals, cfg.HITL.SweepSchedule)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	server := api.NewServer(api.Config{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		RateLimit:         cfg.Server.RateLimit,
		RateBurst:         cfg.Server.RateBurst,
	}, api.Dependencies{
		Agents:       agents,
		Executor:     orchestrator,
		Approvals:    approvals,
		Audit:        trail,
		Capital:      ledgerCapital,
		Spend:        tracker,
		Transactions: st.transactions,
		Oracle:       prices,
		Balances:     ledgerClient,
	})
	worker := notify.NewWorker(queue,
		notify.WithWorkerCount(cfg.Notify.Workers),
		notify.WithWebhookTimeout(cfg.Notify.WebhookTimeout),
	)

	log.Info("aegisd starting",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("notify_queue", cfg.Notify.QueueDriver),
		slog.String("oracle_cache", cfg.Oracle.CacheDriver))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		if err := worker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("webhook worker: %w", err)
		}
		return nil
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Address) })
	}

	err = g.Wait()
	log.Info("aegisd stopped")
	return err
}

func migrate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Storage.Driver == config.DriverMemory {
		fmt.Fprintln(out, "memory storage has no schema; nothing to migrate")
		return nil
	}
	db, err := openSQL(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "applied %d migration(s) to %s\n", n, db.Dialect())
	return nil
}

// stores 汇总各模块使用的持久化实现。
type stores struct {
	agents       agent.Store
	spend        spend.Store
	audit        audit.Store
	pending      hitl.Store
	transactions txhistory.Store
	capital      capital.Store
	closer       io.Closer
}

func (s *stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	if cfg.Driver == config.DriverMemory {
		return &stores{
			agents:       agent.NewMemoryStore(),
			spend:        spend.NewMemoryStore(),
			audit:        audit.NewMemoryStore(),
			pending:      hitl.NewMemoryStore(),
			transactions: txhistory.NewMemoryStore(),
			capital:      capital.NewMemoryStore(),
		}, nil
	}

	db, err := openSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if _, err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &stores{
		agents:       db.Agents(),
		spend:        db.Spend(),
		audit:        db.Audit(),
		pending:      db.Pending(),
		transactions: db.Transactions(),
		capital:      db.Capital(),
		closer:       db,
	}, nil
}

func openSQL(ctx context.Context, cfg config.StorageConfig) (*sqlstore.DB, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

func openNotifyQueue(cfg *config.Config, client *redis.Client) (notify.Queue, error) {
	switch cfg.Notify.QueueDriver {
	case config.DriverRedis:
		return notify.NewRedisQueue(client, notify.RedisQueueConfig{Queue: cfg.Notify.QueueName})
	case config.DriverRabbitMQ:
		return notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.Notify.QueueName,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return notify.NewMemoryQueue(cfg.Notify.QueueSize), nil
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tokendesk/position-engine/internal/api"
	"github.com/tokendesk/position-engine/internal/config"
	"github.com/tokendesk/position-engine/internal/execution"
	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/monitor"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/price"
	"github.com/tokendesk/position-engine/internal/risk"
	"github.com/tokendesk/position-engine/internal/scheduler"
	"github.com/tokendesk/position-engine/internal/store"
	"github.com/tokendesk/position-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("position-engine exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
	logger.Info("position-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		logger.Info("connected to Redis", slog.String("addr", cfg.Redis.Addr))
	}

	// --- Store ---
	var st store.Store
	if cfg.Database.DSN != "" {
		pool, err := store.Connect(ctx, store.PostgresConfig{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis record cache enabled")
		}
	} else {
		logger.Warn("database.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Prices ---
	var lastPrices price.LastPrices = price.NewMemoryCache()
	if rdb != nil {
		lastPrices = price.NewRedisCache(rdb, cfg.Redis.PriceTTL.Duration, logger)
	}
	httpClient := &http.Client{Timeout: cfg.Price.Timeout.Duration}
	var sources []price.Source
	if cfg.Price.CurveURL != "" {
		sources = append(sources, price.NewCurveSource(cfg.Price.CurveURL, httpClient))
	}
	if cfg.Price.AggregatorURL != "" {
		sources = append(sources, price.NewAggregatorSource(cfg.Price.AggregatorURL, httpClient))
	}
	if cfg.Price.DiscoveryURL != "" {
		sources = append(sources, price.NewDiscoverySource(cfg.Price.DiscoveryURL, httpClient))
	}
	prices := price.NewChain(cfg.Price.Timeout.Duration, sources,
		price.WithRecorder(lastPrices),
		price.WithLogger(logger),
	)

	// --- Execution gateway ---
	var gw execution.Gateway = execution.NewHTTPGateway(
		cfg.Execution.BaseURL,
		cfg.Execution.APIKey,
		cfg.Execution.WalletID,
		cfg.Execution.Timeout.Duration,
		logger,
	)
	gw = execution.NewRetryingGateway(gw, cfg.Execution.SellMaxAttempts, logger)

	// --- Notifications ---
	notifier := notify.NewNotifier(nil, cfg.Notify.Events, logger)
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		notifier.Add(tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		notifier.Add(notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if rdb != nil && cfg.Redis.Channel != "" {
		notifier.Add(notify.NewRedisSender(rdb, cfg.Redis.Channel))
	}
	hub := notify.NewWSHub(cfg.Server.CORSOrigins, logger)
	notifier.Add(hub)
	outbox := notify.NewOutbox(notifier, cfg.Notify.QueueSize, logger)

	// --- Engine ---
	limiter := risk.NewExposureLimiter(
		decimal.NewFromFloat(cfg.Risk.MaxPerMintUSD),
		decimal.NewFromFloat(cfg.Risk.MaxTotalUSD),
	)
	exec := lifecycle.NewExecutor(st, gw, limiter, outbox, lifecycle.Defaults{
		SlippageBps:     cfg.Execution.DefaultSlippageBps,
		PriorityFeeMode: cfg.Execution.DefaultPriorityFeeMode,
	}, logger)

	lease := cfg.Monitor.ClaimLease.Duration
	targetSell := monitor.NewTargetSell(exec, prices, logger)
	rebuy := monitor.NewRebuy(exec, prices, logger)
	emergency := monitor.NewEmergencySell(exec, prices, logger)
	limitFill := monitor.NewLimitOrderFill(exec, prices, logger)
	recovery := monitor.NewRecovery(exec, lease, logger)

	sched := scheduler.New(lease, logger)
	jobs := []struct {
		r       monitor.Runner
		every   time.Duration
		enabled bool
	}{
		{targetSell, cfg.Monitor.TargetSellInterval.Duration, cfg.Monitor.TargetSellEnabled},
		{rebuy, cfg.Monitor.RebuyInterval.Duration, cfg.Monitor.RebuyEnabled},
		{emergency, cfg.Monitor.EmergencyInterval.Duration, cfg.Monitor.EmergencyEnabled},
		{limitFill, cfg.Monitor.LimitOrderInterval.Duration, cfg.Monitor.LimitOrderEnabled},
		{recovery, cfg.Monitor.RecoveryInterval.Duration, true},
	}
	for _, j := range jobs {
		if !j.enabled {
			logger.Info("loop disabled", slog.String("loop", j.r.Name()))
			continue
		}
		if err := sched.Add(j.r, j.every); err != nil {
			return err
		}
	}

	// --- HTTP ---
	router := api.NewRouter(api.Config{
		Trade:       trade.NewHandler(trade.NewService(exec, prices, lease, logger)),
		Monitors:    []monitor.Runner{targetSell, rebuy, emergency, limitFill, recovery},
		Prices:      lastPrices,
		Hub:         hub,
		CORSOrigins: cfg.Server.CORSOrigins,
		RunTimeout:  lease,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The outbox outlives the scheduler so events from invocations still
	// finishing at shutdown are delivered.
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	g.Go(func() error { return outbox.Run(outboxCtx) })
	g.Go(func() error {
		defer stopOutbox()
		return sched.Run(gctx)
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("position-engine listening", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down position-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

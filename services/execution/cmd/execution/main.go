package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/trademaster/execd/libs/health"
	"github.com/trademaster/execd/libs/httpmiddleware"
	"github.com/trademaster/execd/libs/kafka"
	"github.com/trademaster/execd/libs/logging"
	"github.com/trademaster/execd/libs/metrics"
	"github.com/trademaster/execd/libs/trace"
	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/config"
	"github.com/trademaster/execd/services/execution/internal/consumer"
	"github.com/trademaster/execd/services/execution/internal/handlers"
	"github.com/trademaster/execd/services/execution/internal/instrument"
	"github.com/trademaster/execd/services/execution/internal/position"
	"github.com/trademaster/execd/services/execution/internal/reconcile"
	"github.com/trademaster/execd/services/execution/internal/recovery"
	"github.com/trademaster/execd/services/execution/internal/routing"
	"github.com/trademaster/execd/services/execution/internal/service"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
	"github.com/trademaster/execd/services/execution/internal/translation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	svcMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()
	consumerGroup = consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)

	instruments := instrument.NewCache()
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := instruments.Load(loadCtx, store); err != nil {
		logger.Error("instrument cache load failed", "error", err)
		cancelLoad()
		os.Exit(1)
	}
	cancelLoad()
	logger.Info("instrument cache loaded", "instruments", instruments.Size())

	marks := position.NewStaticMarkSource(nil)
	for symbol, raw := range cfg.Marks {
		mark, err := decimal.NewFromString(raw)
		if err != nil {
			logger.Warn("skipping invalid mark price", "symbol", symbol, "value", raw)
			continue
		}
		marks.SetMark(symbol, mark)
	}

	quality := routing.NewQualityTracker()
	aggregator := position.NewAggregator(store, marks, publisher, cfg.Kafka.Topics.PositionUpdates, logger)
	engine := reconcile.NewEngine(store, aggregator, quality, svcMetrics, publisher, cfg.Kafka.Topics.OrderState, logger)

	sessions := session.NewRegistry()
	recoveryMgr := recovery.NewManager(recovery.Policy{
		MaxAttempts:   cfg.Recovery.MaxAttempts,
		BaseBackoff:   cfg.Recovery.BaseBackoff,
		MaxBackoff:    cfg.Recovery.MaxBackoff,
		Multiplier:    cfg.Recovery.Multiplier,
		CallTimeout:   cfg.Recovery.CallTimeout,
		SweepInterval: cfg.Recovery.SweepInterval,
	}, sessions, store, engine, logger)

	healthPolicy := session.Policy{
		FailureThreshold:  cfg.Health.FailureThreshold,
		WindowSize:        cfg.Health.WindowSize,
		WindowErrorRate:   cfg.Health.WindowErrorRate,
		DownThreshold:     cfg.Health.DownThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
		HeartbeatInterval: cfg.Health.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Health.HeartbeatTimeout,
	}

	for _, brokerCfg := range cfg.Brokers {
		adapter, err := buildAdapter(brokerCfg, engine, logger)
		if err != nil {
			logger.Error("broker adapter init failed", "broker", brokerCfg.ID, "error", err)
			os.Exit(1)
		}

		var limiter session.Limiter
		if redisClient != nil {
			limiter = session.NewRedisLimiter(redisClient, brokerCfg.RateLimit, brokerCfg.RateWindow(), "")
		} else {
			limiter = session.NewMemoryLimiter(brokerCfg.RateLimit, brokerCfg.RateWindow())
		}

		sessions.Register(session.NewSession(session.SessionConfig{
			ID:      brokerCfg.ID,
			Adapter: adapter,
			Capabilities: translation.Capabilities{
				OrderTypes:  brokerCfg.OrderTypes,
				TimeInForce: brokerCfg.TimeInForce,
			},
			CostBps:      brokerCfg.CostBps,
			Limiter:      limiter,
			RateLimit:    brokerCfg.RateLimit,
			RateWindow:   brokerCfg.RateWindow(),
			Policy:       healthPolicy,
			OnTransition: recoveryMgr.NotifyDown,
		}, logger))
	}

	router := routing.NewRouter(sessions, quality, store, routing.Weights{
		Cost:    cfg.Routing.CostWeight,
		Quality: cfg.Routing.QualityWeight,
		Rate:    cfg.Routing.RateWeight,
	}, logger)

	execSvc := service.NewExecutionService(store, translation.NewTranslator(instruments), router, quality, sessions, recoveryMgr, engine, logger, svcMetrics)
	recoveryMgr.SetRerouter(execSvc)

	eventConsumer := consumer.NewBrokerEventConsumer(engine, logger)

	handler := handlers.New(execSvc, aggregator, logger)
	ginRouter := gin.New()
	ginRouter.Use(httpmiddleware.RequestID())
	ginRouter.Use(httpmiddleware.Logger(logger))
	ginRouter.Use(httpmiddleware.Recovery(logger))
	ginRouter.Use(trace.Middleware(cfg.App.ServiceName))

	ginRouter.GET("/healthz", health.LivenessHandler)
	ginRouter.GET("/readyz", health.ReadinessHandler(ready))
	ginRouter.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(ginRouter, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("execution http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("execution consumer starting", "topic", cfg.Kafka.Topics.BrokerEvents)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.BrokerEvents}, eventConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go sessions.Run(workerCtx)
	go recoveryMgr.Run(workerCtx)
	go refreshInstruments(workerCtx, instruments, store, cfg.InstrumentRefresh, logger)

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func buildAdapter(cfg config.BrokerConfig, sink broker.EventSink, logger *slog.Logger) (broker.Adapter, error) {
	switch cfg.Mode {
	case "paper":
		fillDelay := time.Duration(0)
		if cfg.PaperFillDelay != "" {
			parsed, err := time.ParseDuration(cfg.PaperFillDelay)
			if err != nil {
				return nil, fmt.Errorf("invalid paper_fill_delay: %w", err)
			}
			fillDelay = parsed
		}
		return broker.NewPaperAdapter(broker.PaperConfig{
			Name:         cfg.ID,
			FillDelay:    fillDelay,
			PartialSteps: cfg.PaperPartSteps,
		}, sink, logger), nil
	case "rest":
		return broker.NewRESTAdapter(broker.RESTConfig{
			Name:    cfg.ID,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
	}
}

func refreshInstruments(ctx context.Context, cache *instrument.Cache, store *storage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Refresh(ctx, store); err != nil {
				logger.Error("instrument cache refresh failed", "error", err)
			}
		}
	}
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

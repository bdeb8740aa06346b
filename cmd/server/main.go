package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/ksred/brokerx/internal/auth"
	"github.com/ksred/brokerx/internal/broadcast"
	"github.com/ksred/brokerx/internal/database"
	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/matching"
	"github.com/ksred/brokerx/internal/metrics"
	"github.com/ksred/brokerx/internal/notify"
	"github.com/ksred/brokerx/internal/orders"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/saga"
	"github.com/ksred/brokerx/internal/settlement"
	"github.com/ksred/brokerx/internal/trading"
	"github.com/ksred/brokerx/pkg/config"
	"github.com/ksred/brokerx/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// handlers groups everything setupRoutes mounts.
type handlers struct {
	auth       *auth.GinHandlers
	tokens     *auth.Service
	trading    *trading.GinHandlers
	settlement *settlement.GinHandlers
	hub        *broadcast.Hub
	limiter    *middleware.RateLimiter
	metrics    http.Handler
	internal   string
}

// main wires the order lifecycle service and runs it until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database, cfg.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := broadcast.NewHub(64)
	broadcaster := newBroadcaster(ctx, cfg.Broadcast, hub)

	l := ledger.NewLedger(db, cfg.Settle.Currency)
	repo := orders.NewRepository(db)
	hub.AuthorizeOrders(repo.OwnedBy)
	store := outbox.NewStore(db)
	settlementService := settlement.NewService(db, l, cfg.Settle.Cycle)

	engine := matching.NewEngine(db, repo, settlementService, broadcaster, m, matching.Config{
		QueueSize:    cfg.Matching.QueueSize,
		Workers:      cfg.Matching.Workers,
		RestartDelay: cfg.Matching.RestartDelay,
	})
	if err := engine.Recover(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to rebuild order books")
	}
	engine.Start(ctx)

	bus := newBus(cfg.Broker, cfg.Saga.HandlerTimeout, m)
	ledger.NewFundsHandler(db, l, store).Subscribe(bus)

	sagaCfg := saga.Config{
		PriceBandMin:   cfg.Saga.PriceBandMin,
		PriceBandMax:   cfg.Saga.PriceBandMax,
		SlippageBuffer: cfg.Saga.SlippageBuffer,
		HandlerTimeout: cfg.Saga.HandlerTimeout,
	}
	var placer trading.Placer
	switch cfg.Saga.Mode {
	case config.SagaChoreographed:
		c := saga.NewChoreographer(l, repo, engine, store, sagaCfg)
		c.Subscribe(bus)
		placer = c
	default:
		placer = saga.NewOrchestrator(l, repo, engine, store, sagaCfg)
	}
	zlog.Info().Str("saga_mode", cfg.Saga.Mode).Str("broker", cfg.Broker.Kind).Msg("order placement configured")

	if err := bus.Start(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start event bus")
	}

	dispatcher := outbox.NewDispatcher(store, outbox.DispatcherConfig{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		RetryInitial:   cfg.Outbox.RetryInitial,
		RetryMax:       cfg.Outbox.RetryMax,
		HandlerTimeout: cfg.Saga.HandlerTimeout,
		StaleAfter:     cfg.Outbox.StaleAfter,
	}, m)
	notify.NewRouter(engine, bus, broadcaster, m).Register(dispatcher)

	settlementProcessor := settlement.NewProcessor(settlementService.GetDB(), cfg.Settle.Interval)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !cfg.IsProduction() {
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestAccountID)
	}
	if cfg.Auth.APIKey != "" {
		authService.RegisterAPICredentials(cfg.Auth.APIKey, cfg.Auth.APISecret, cfg.Auth.APIAccount)
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits(), cfg.Auth.RateBurst)

	var background conc.WaitGroup
	background.Go(func() { dispatcher.Start(ctx) })
	background.Go(func() { settlementProcessor.Start(ctx) })
	background.Go(func() { limiter.Run(ctx) })

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	setupRoutes(router, handlers{
		auth:       auth.NewGinHandlers(authService),
		tokens:     authService,
		trading:    trading.NewGinHandlers(trading.NewService(db, repo, l, settlementService, engine, placer, sagaCfg)),
		settlement: settlement.NewGinHandlers(settlementService),
		hub:        hub,
		limiter:    limiter,
		metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		internal:   cfg.Auth.InternalKey,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop intake first so nothing new is queued, then drain the loops.
	engine.Stop()
	cancel()
	background.Wait()
	if err := bus.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close event bus")
	}

	zlog.Info().Msg("Server exiting")
}

func newBroadcaster(ctx context.Context, cfg config.BroadcastConfig, hub *broadcast.Hub) broadcast.Broadcaster {
	switch cfg.Kind {
	case "none":
		return broadcast.Nop{}
	case "redis":
		client, err := broadcast.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to redis")
		}
		return broadcast.Multi{hub, broadcast.NewRedisBroadcaster(client, cfg.RedisPrefix)}
	default:
		return hub
	}
}

func newBus(cfg config.BrokerConfig, handlerTimeout time.Duration, m *metrics.Metrics) eventbus.Bus {
	if cfg.Kind == "kafka" {
		return eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:        cfg.KafkaBrokers,
			GroupID:        cfg.KafkaGroup,
			HandlerTimeout: handlerTimeout,
		}, m)
	}
	return eventbus.NewMemoryBus(8, handlerTimeout, m)
}

// setupRoutes mounts the public API under /api/v1:
// - auth: token issuance
// - orders, trades, accounts, depth, settlements: JWT protected
// - internal: shared key protected
func setupRoutes(router *gin.Engine, h handlers) {
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(h.metrics))

	v1 := router.Group("/api/v1")
	v1.Use(h.limiter.Handler())
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		jwt := middleware.JWTAuth(h.tokens)

		ordersGroup := v1.Group("/orders", jwt)
		{
			ordersGroup.POST("", h.trading.PlaceOrderHandler())
			ordersGroup.GET("", h.trading.ListOrdersHandler())
			ordersGroup.GET("/:order_id", h.trading.GetOrderHandler())
			ordersGroup.PATCH("/:order_id", h.trading.ModifyOrderHandler())
			ordersGroup.DELETE("/:order_id", h.trading.CancelOrderHandler())
		}

		v1.GET("/trades", jwt, h.trading.ListTradesHandler())
		v1.GET("/depth/:symbol", jwt, h.trading.DepthHandler())
		v1.GET("/accounts/:account_id/balance", jwt, h.trading.BalanceHandler())
		v1.GET("/ws", jwt, h.hub.ServeWS())

		settlements := v1.Group("/settlements", jwt)
		{
			settlements.GET("", h.settlement.GetAccountSettlementsHandler())
			settlements.GET("/:settlement_id", h.settlement.GetSettlementHandler())
		}

		internal := v1.Group("/internal", middleware.InternalAuth(h.internal))
		{
			internal.POST("/deposits", h.trading.DepositHandler())
			internal.POST("/tokens", h.auth.IssueTokenHandler())
		}
	}
}

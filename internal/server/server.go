// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/settlehub/internal/auth"
	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/config"
	"github.com/mbd888/settlehub/internal/deposits"
	"github.com/mbd888/settlehub/internal/events"
	"github.com/mbd888/settlehub/internal/health"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/provider"
	"github.com/mbd888/settlehub/internal/ratelimit"
	"github.com/mbd888/settlehub/internal/realtime"
	"github.com/mbd888/settlehub/internal/reconciliation"
	"github.com/mbd888/settlehub/internal/security"
	"github.com/mbd888/settlehub/internal/settlement"
	"github.com/mbd888/settlehub/internal/traces"
	"github.com/mbd888/settlehub/internal/validation"
	"github.com/mbd888/settlehub/internal/webhooks"
	"github.com/mbd888/settlehub/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	engine         *settlement.Engine
	catalog        *catalog.Catalog
	authMgr        *auth.Manager
	webhooks       *webhooks.Dispatcher
	webhookStore   webhooks.Store
	publisher      *events.Publisher
	realtimeHub    *realtime.Hub
	providers      *provider.Runner
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	stripe         *deposits.StripeHandler
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	traceShutdown  func(context.Context) error
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	background     *errgroup.Group

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		settlementStore settlement.Store
		catalogStore    catalog.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		settlementStore = settlement.NewPostgresStore(db)
		catalogStore = catalog.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.RegisterPinger("postgres", db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		settlementStore = settlement.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Catalog, optionally fronted by Redis for quotes
	s.catalog = catalog.New(catalogStore, s.logger)
	var quotes catalog.SnapshotSource = s.catalog
	if cfg.RedisURL != "" {
		client, err := catalog.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		cache := catalog.NewRedisCache(client, s.catalog, cfg.CatalogTTL, s.logger)
		s.catalog.OnChange(cache.Invalidate)
		quotes = cache
		s.health.RegisterPing("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		s.logger.Info("catalog quote cache enabled", "ttl", cfg.CatalogTTL)
	}

	// Outcome fan-out: websocket clients, webhooks, optionally Kafka
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	if cfg.WebhookURL != "" {
		s.webhooks.WithPlatformEndpoint(cfg.WebhookURL, cfg.WebhookSecret)
		s.logger.Info("platform webhook enabled")
	}
	notifiers := settlement.MultiNotifier{s.realtimeHub, s.webhooks}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = events.NewPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger), s.logger)
		notifiers = append(notifiers, s.publisher)
		s.logger.Info("kafka outcome stream enabled", "topic", cfg.KafkaTopic)
	}

	s.engine = settlement.NewEngine(settlementStore, s.catalog).
		WithLogger(s.logger).
		WithNotifier(notifiers).
		WithQuoteSource(quotes)

	// Providers that run submitted requests
	registry := provider.NewRegistry()
	for serviceID, endpoint := range cfg.ProviderEndpoints {
		registry.Register(serviceID, provider.NewHTTPProvider(endpoint))
	}
	providerCfg := provider.DefaultConfig()
	providerCfg.Timeout = cfg.ProviderTimeout
	providerCfg.Attempts = cfg.ProviderAttempts
	s.providers = provider.NewRunner(s.engine, registry, providerCfg, s.logger)

	s.authMgr = auth.NewManager(cfg.JWTSecret, "settlehub", cfg.TokenTTL, cfg.AdminSecret)

	s.reconciler = reconciliation.NewRunner(s.engine, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.StripeWebhookSecret != "" {
		s.stripe = deposits.NewStripeHandler(s.engine, cfg.StripeWebhookSecret, s.logger)
		s.logger.Info("stripe deposits enabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request ID and access log
	s.router.Use(logging.Middleware(s.logger))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxRequestBody))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime outcome stream, scoped to the caller's account
	s.router.GET("/ws", auth.Middleware(s.authMgr), s.realtimeHub.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Public
	catalogHandler := catalog.NewHandler(s.catalog)
	catalogHandler.RegisterRoutes(v1)
	authHandler := auth.NewHandler(s.authMgr, s.engine)
	authHandler.RegisterRoutes(v1)
	if s.stripe != nil {
		s.stripe.RegisterRoutes(v1)
	}

	// Authenticated callers
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Middleware())
	settlementHandler := settlement.NewHandler(s.engine).WithDispatcher(s.providers)
	settlementHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(protected)

	// Operators
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.authMgr))
	settlementHandler.RegisterAdminRoutes(admin)
	catalogHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	admin.POST("/reconcile/run", s.reconcileHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.cfg.Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconcileHandler runs a reconciliation pass on demand and returns the
// report, recording the same metrics as the periodic timer.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy":    report.Healthy(),
		"checked":    report.Checked,
		"mismatches": report.Mismatches,
		"durationMs": report.Duration.Milliseconds(),
		"ranAt":      report.RanAt,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the reconciliation timer and the
// database pool collector. They all stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	g := &errgroup.Group{}
	g.Go(func() error {
		s.realtimeHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.reconcileTimer.Start(ctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
			return nil
		})
	}
	s.background = g
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// In-flight provider calls settle before the stores close
	if err := s.providers.Shutdown(ctx); err != nil {
		s.logger.Warn("provider calls still in flight at shutdown", "error", err)
	}

	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.background != nil {
		_ = s.background.Wait()
	}

	s.rateLimiter.Stop()
	s.webhooks.Wait()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return firstErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine exposes the settlement engine, mainly for seeding in tests.
func (s *Server) Engine() *settlement.Engine {
	return s.engine
}

// Catalog exposes the service catalog.
func (s *Server) Catalog() *catalog.Catalog {
	return s.catalog
}

// AuthManager exposes the token manager.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

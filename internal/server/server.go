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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/chat"
	"github.com/shareandsave/marketplace/internal/config"
	"github.com/shareandsave/marketplace/internal/health"
	"github.com/shareandsave/marketplace/internal/listings"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/notifications"
	"github.com/shareandsave/marketplace/internal/ratelimit"
	"github.com/shareandsave/marketplace/internal/realtime"
	"github.com/shareandsave/marketplace/internal/reconciliation"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/requests"
	"github.com/shareandsave/marketplace/internal/security"
	"github.com/shareandsave/marketplace/internal/traces"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/users"
	"github.com/shareandsave/marketplace/internal/validation"
	"github.com/shareandsave/marketplace/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// dbStatsInterval is how often pool statistics are sampled.
const dbStatsInterval = 15 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	runner txn.Runner

	authMgr         *auth.Manager
	reputationStore reputation.Store
	engine          *reputation.Engine
	users           *users.Service
	listings        *listings.Service
	chat            *chat.Service
	requests        *requests.Service
	notifications   *notifications.Service
	reconciler      *reconciliation.Service
	reconcileTimer  *reconciliation.Timer
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	health          *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay time.Duration
	hashCost      int

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

// WithShutdownDelay sets how long Shutdown waits for load balancers to
// drain before closing listeners.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// WithHashCost overrides the bcrypt cost used for passwords (for testing)
func WithHashCost(cost int) Option {
	return func(s *Server) {
		s.hashCost = cost
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
		health:        health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Realtime hub receives every committed award
	s.realtimeHub = realtime.NewHub(s.logger)

	var (
		userStore    users.Store
		listingStore listings.Store
		chatStore    chat.Store
		requestStore requests.Store
		noticeStore  notifications.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.runner = txn.NewSQLRunner(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.reputationStore = reputation.NewPostgresStore(db, s.runner)
		userStore = users.NewPostgresStore(db)
		listingStore = listings.NewPostgresStore(db)
		chatStore = chat.NewPostgresStore(db)
		requestStore = requests.NewPostgresStore(db)
		noticeStore = notifications.NewPostgresStore(db)

		s.health.Register("database", health.Database(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.runner = txn.NewMemoryRunner()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.reputationStore = reputation.NewMemoryStore()
		userStore = users.NewMemoryStore()
		listingStore = listings.NewMemoryStore()
		chatStore = chat.NewMemoryStore()
		requestStore = requests.NewMemoryStore()
		noticeStore = notifications.NewMemoryStore()
	}

	s.engine = reputation.NewEngine(s.reputationStore,
		reputation.WithLogger(s.logger),
		reputation.WithRetry(cfg.AwardMaxAttempts, cfg.AwardRetryBaseDelay),
		reputation.WithListener(s.realtimeHub.Listener()),
	)

	s.users = users.NewService(userStore, s.reputationStore, s.engine, s.authMgr, s.runner, s.logger)
	if s.hashCost > 0 {
		s.users.WithHashCost(s.hashCost)
	}
	s.notifications = notifications.NewService(noticeStore, s.users, s.realtimeHub, s.logger)
	s.listings = listings.NewService(listingStore, s.engine, s.runner, s.logger).WithNotifier(s.notifications)
	s.requests = requests.NewService(requestStore, s.runner, s.logger)
	s.chat = chat.NewService(chatStore, s.users, s.engine, s.runner, s.logger)

	s.reconciler = reconciliation.NewService(s.reputationStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health.Register("realtime", health.Loop("realtime", s.realtimeHub.Running))
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconcileTimer.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	return db, nil
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
		logging.LOr(c.Request.Context(), s.logger).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware writes one access log line per request. Server errors
// log at error, client errors at warn, everything else at debug.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request completed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", path,
			"status", status,
			"bytes", c.Writer.Size(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
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

	// Live award feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	usersHandler := users.NewHandler(s.users)
	reputationHandler := reputation.NewHandler(s.engine)
	listingsHandler := listings.NewHandler(s.listings)
	chatHandler := chat.NewHandler(s.chat)
	requestsHandler := requests.NewHandler(s.requests)
	notificationsHandler := notifications.NewHandler(s.notifications)
	keysHandler := auth.NewHandler(s.authMgr)
	reconcileHandler := reconciliation.NewHandler(s.reconciler)

	v1 := s.router.Group("/v1")

	// Public
	usersHandler.RegisterRoutes(v1)
	reputationHandler.RegisterRoutes(v1)
	listingsHandler.RegisterRoutes(v1)
	requestsHandler.RegisterRoutes(v1)

	// Authenticated
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	usersHandler.RegisterProtectedRoutes(protected)
	keysHandler.RegisterProtectedRoutes(protected)
	reputationHandler.RegisterProtectedRoutes(protected)
	listingsHandler.RegisterProtectedRoutes(protected)
	chatHandler.RegisterProtectedRoutes(protected)
	requestsHandler.RegisterProtectedRoutes(protected)
	notificationsHandler.RegisterProtectedRoutes(protected)

	// Admin
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	reputationHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
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
	healthy, checks := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops (realtime hub, reconciliation timer,
// pool stats) bound to ctx and marks the server ready.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.shutdownDelay > 0 {
		time.Sleep(s.shutdownDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

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

	"github.com/bruno-dias18/rivvlock-sub001/internal/admin"
	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/circuitbreaker"
	"github.com/bruno-dias18/rivvlock-sub001/internal/config"
	"github.com/bruno-dias18/rivvlock-sub001/internal/dispute"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escalation"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/gateway"
	"github.com/bruno-dias18/rivvlock-sub001/internal/gatewayevents"
	"github.com/bruno-dias18/rivvlock-sub001/internal/health"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
	"github.com/bruno-dias18/rivvlock-sub001/internal/negotiation"
	"github.com/bruno-dias18/rivvlock-sub001/internal/notify"
	"github.com/bruno-dias18/rivvlock-sub001/internal/ratelimit"
	"github.com/bruno-dias18/rivvlock-sub001/internal/realtime"
	"github.com/bruno-dias18/rivvlock-sub001/internal/reconciliation"
	"github.com/bruno-dias18/rivvlock-sub001/internal/security"
	"github.com/bruno-dias18/rivvlock-sub001/internal/settlement"
	"github.com/bruno-dias18/rivvlock-sub001/internal/traces"
	"github.com/bruno-dias18/rivvlock-sub001/internal/validation"
	"github.com/bruno-dias18/rivvlock-sub001/internal/webhooks"
)

const (
	// gatewayRetryBaseDelay is the first backoff step for transient gateway errors.
	gatewayRetryBaseDelay = 200 * time.Millisecond
	// breakerThreshold consecutive failures open the gateway circuit for breakerCooldown.
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second

	reconciliationInterval = 5 * time.Minute
	dbStatsInterval        = 15 * time.Second
	healthCheckTimeout     = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	store        escrow.Store
	webhookStore webhooks.Store
	gateway      gateway.Client // unwrapped; the services see the resilient wrapper

	dispatcher      *webhooks.Dispatcher
	realtimeHub     *realtime.Hub
	notifier        *notify.Fanout
	executor        *settlement.Executor
	escalator       *escalation.Escalator
	escalationTimer *escalation.Timer
	disputes        *dispute.Service
	negotiations    *negotiation.Service
	events          *gatewayevents.Processor
	reconciler      *reconciliation.Runner
	reconTimer      *reconciliation.Timer
	health          *health.Registry

	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithGateway replaces the payment gateway chosen from config (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Database(db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = escrow.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway
	if s.gateway == nil {
		if cfg.UsesSimulator() {
			s.gateway = gateway.NewSimulator()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-process gateway simulator")
		} else {
			s.gateway = gateway.NewStripe(cfg.StripeSecretKey)
			s.logger.Info("stripe gateway enabled")
		}
	}
	breaker := circuitbreaker.New(breakerThreshold, breakerCooldown).WithLogger(s.logger)
	gw := gateway.NewResilient(s.gateway, s.logger).
		WithTimeout(cfg.GatewayTimeout).
		WithRetry(cfg.GatewayMaxAttempts, gatewayRetryBaseDelay).
		WithBreaker(breaker)
	s.health.Register("gateway_circuits", health.Circuits("gateway_circuits", breaker))

	// Notifications go to registered collaborator webhooks and live UI streams
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger).WithTimeout(cfg.NotifyWebhookTimeout)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = notify.NewFanout(s.logger,
		webhooks.NewEmitter(s.dispatcher, s.logger),
		s.realtimeHub,
	)

	// Dispute lifecycle
	s.executor = settlement.NewExecutor(s.store, gw, s.store, s.logger).WithNotifier(s.notifier)
	s.escalator = escalation.NewEscalator(s.store, s.logger).
		WithChannelOpener(escalation.LogChannelOpener{Logger: s.logger}).
		WithNotifier(s.notifier).
		WithConcurrency(cfg.EscalationConcurrency)
	s.escalationTimer = escalation.NewTimer(s.escalator, s.logger).WithInterval(cfg.EscalationInterval)
	s.disputes = dispute.NewService(s.store, s.logger).
		WithEscalator(s.escalator).
		WithNotifier(s.notifier).
		WithResponseWindow(cfg.DisputeWindow)
	s.negotiations = negotiation.NewService(s.store, s.executor, s.logger).
		WithNotifier(s.notifier).
		WithValidity(cfg.ProposalValidity)
	s.events = gatewayevents.NewProcessor(s.store, s.logger)
	s.reconciler = reconciliation.NewRunner(s.store, gw, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger).WithInterval(reconciliationInterval)
	s.logger.Info("dispute engine configured",
		"dispute_window", cfg.DisputeWindow,
		"proposal_validity", cfg.ProposalValidity,
		"escalation_interval", cfg.EscalationInterval,
		"notification_sinks", s.notifier.Len(),
	)

	// A timer is stale after missing three ticks.
	s.health.Register("escalation_timer",
		health.Timer("escalation_timer", s.escalationTimer, 3*cfg.EscalationInterval, time.Now))
	s.health.Register("reconciliation_timer",
		health.Timer("reconciliation_timer", s.reconTimer, 3*reconciliationInterval, time.Now))

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

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS; the UI collaborator is served from its own origin
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Server span per request
	s.router.Use(traces.Middleware())

	// Request ID and request-scoped logger
	s.router.Use(logging.Middleware(s.logger))

	// Logging
	s.router.Use(logging.AccessLog())
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

	v1 := s.router.Group("/v1")

	// Gateway callbacks authenticate by signature, not by actor
	gatewayevents.NewHandler(s.events, s.cfg.StripeWebhookSecret).RegisterRoutes(v1)

	protected := v1.Group("", auth.Middleware(), auth.RequireActor(), validation.IDParamMiddleware())
	dispute.NewHandler(s.disputes).RegisterProtectedRoutes(protected)
	negotiation.NewHandler(s.negotiations).RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore).RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterProtectedRoutes(protected)

	adminHandler := admin.NewHandler().
		WithTransactions(s.store).
		WithPayouts(s.store).
		WithSweeper(s.escalator).
		WithReconciler(s.reconciler).
		WithReportSource(s.reconTimer)
	if seeder, ok := s.gateway.(admin.AuthorizationSeeder); ok {
		adminHandler = adminHandler.WithAuthorizationSeeder(seeder)
	}
	adminHandler.RegisterRoutes(protected.Group("", auth.RequireArbitrator()))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start deadline escalation sweeps
	go s.escalationTimer.Start(runCtx)

	// Start settlement reconciliation
	go s.reconTimer.Start(runCtx)

	// Sample connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Cancel the context for all background goroutines (hub, timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escalationTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Let in-flight webhook deliveries finish
	s.dispatcher.Wait()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

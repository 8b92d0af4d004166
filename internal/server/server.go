// Package server sets up the HTTP server with all routes
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/agentcoin/marketplace/internal/auth"
	"github.com/agentcoin/marketplace/internal/chainadapter"
	"github.com/agentcoin/marketplace/internal/config"
	"github.com/agentcoin/marketplace/internal/eventbus"
	"github.com/agentcoin/marketplace/internal/inbox"
	"github.com/agentcoin/marketplace/internal/job"
	"github.com/agentcoin/marketplace/internal/ledger"
	"github.com/agentcoin/marketplace/internal/logging"
	"github.com/agentcoin/marketplace/internal/metrics"
	"github.com/agentcoin/marketplace/internal/negotiation"
	"github.com/agentcoin/marketplace/internal/ratelimit"
	"github.com/agentcoin/marketplace/internal/registry"
	"github.com/agentcoin/marketplace/internal/reputation"
	"github.com/agentcoin/marketplace/internal/security"
	"github.com/agentcoin/marketplace/internal/traces"
	"github.com/agentcoin/marketplace/internal/validation"
	"github.com/agentcoin/marketplace/internal/verifier"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db       *sql.DB // nil if using in-memory
	registry registry.Store
	authMgr  *auth.Manager
	bus      *eventbus.Bus
	ledger   *ledger.Ledger

	negotiationService *negotiation.Service
	negotiationTimer   *negotiation.Timer
	jobService         *job.Service
	reputationUpdater  *reputation.Updater
	verifierService    *verifier.Verifier
	chainAdapter       chainadapter.Adapter

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error

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

// WithChainAdapter sets a custom chain adapter (for testing or pointing at
// a non-default RPC endpoint).
func WithChainAdapter(a chainadapter.Adapter) Option {
	return func(s *Server) {
		s.chainAdapter = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/chain adapter)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize distributed tracing (no-op if endpoint not configured)
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	s.bus = eventbus.New(s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.registry = registry.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		authStore := auth.NewPostgresStore(db)
		s.authMgr = auth.NewManager(authStore)

		ledgerStore := ledger.NewPostgresStore(db)
		s.ledger = ledger.New(ledgerStore, s.bus, s.logger)
		s.logger.Info("agent balance tracking enabled (postgres)")

		negotiationStore := negotiation.NewPostgresStore(db)
		s.negotiationService = negotiation.NewService(negotiationStore, s.bus, s.logger, s.ledger, cfg.NegotiationMaxRounds, cfg.NegotiationTTL)
		s.negotiationTimer = negotiation.NewTimer(s.negotiationService, s.logger)
		s.logger.Info("negotiation enabled (postgres)")

		jobStore := job.NewPostgresStore(db)
		reputationStore := reputation.NewPostgresStore(db)
		s.reputationUpdater = reputation.New(reputationStore)
		inboxStore := inbox.NewPostgresStore(db)
		s.jobService = job.NewService(jobStore, s.ledger, s.reputationUpdater, s.registry, s.negotiationService, nil, inboxStore, s.bus, s.logger)
		s.logger.Info("jobs enabled (postgres)")

		verifierStore := verifier.NewPostgresStore(db)
		chain, err := resolveChainAdapter(s)
		if err != nil {
			return nil, err
		}
		s.chainAdapter = chain
		s.verifierService = verifier.New(verifierStore, s.chainAdapter, s.ledger, s.registry, s.bus, s.logger, cfg.PlatformWalletAddress, cfg.AgntTokenAddress)
		s.logger.Info("payment verifier enabled (postgres)")
	} else {
		s.registry = registry.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")

		s.authMgr = auth.NewManager(auth.NewMemoryStore())

		ledgerStore := ledger.NewMemoryStore()
		s.ledger = ledger.New(ledgerStore, s.bus, s.logger)
		s.logger.Info("agent balance tracking enabled (in-memory)")

		negotiationStore := negotiation.NewMemoryStore()
		s.negotiationService = negotiation.NewService(negotiationStore, s.bus, s.logger, s.ledger, cfg.NegotiationMaxRounds, cfg.NegotiationTTL)
		s.negotiationTimer = negotiation.NewTimer(s.negotiationService, s.logger)
		s.logger.Info("negotiation enabled (in-memory)")

		jobStore := job.NewMemoryStore()
		reputationStore := reputation.NewMemoryStore()
		s.reputationUpdater = reputation.New(reputationStore)
		inboxStore := inbox.NewMemoryStore()
		s.jobService = job.NewService(jobStore, s.ledger, s.reputationUpdater, s.registry, s.negotiationService, nil, inboxStore, s.bus, s.logger)
		s.logger.Info("jobs enabled (in-memory)")

		verifierStore := verifier.NewMemoryStore()
		chain, err := resolveChainAdapter(s)
		if err != nil {
			return nil, err
		}
		s.chainAdapter = chain
		s.verifierService = verifier.New(verifierStore, s.chainAdapter, s.ledger, s.registry, s.bus, s.logger, cfg.PlatformWalletAddress, cfg.AgntTokenAddress)
		s.logger.Info("payment verifier enabled (in-memory)")
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// resolveChainAdapter returns the explicitly configured chain adapter
// (WithChainAdapter, used by tests) or dials the configured RPC endpoint.
func resolveChainAdapter(s *Server) (chainadapter.Adapter, error) {
	if s.chainAdapter != nil {
		return s.chainAdapter, nil
	}
	client, err := chainadapter.Dial(s.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}
	return client, nil
}

// registryServiceAdapter adapts registry.Store to negotiation.ServiceLookup
// so the negotiation handler can resolve a service's owner and price bounds
// without negotiation importing internal/registry directly.
type registryServiceAdapter struct {
	store registry.Store
}

func (a *registryServiceAdapter) GetService(ctx context.Context, id string) (*negotiation.ServiceDescriptor, error) {
	svc, err := a.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, nil
	}
	return &negotiation.ServiceDescriptor{
		ID:               svc.ID,
		AgentAddress:     svc.AgentAddress,
		MinPrice:         svc.MinPrice,
		MaxPrice:         svc.MaxPrice,
		AllowNegotiation: svc.AllowNegotiation,
	}, nil
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
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Gzip compression (after CORS, before request size limit)
	s.router.Use(gzipMiddleware())

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Request timeout (after logging so timeouts are logged)
	s.router.Use(s.timeoutMiddleware())

	// Authentication (non-fatal: sets authAgentAddr if a valid key is present)
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	jobHandler := job.NewHandler(s.jobService)
	negotiationHandler := negotiation.NewHandler(s.negotiationService, &registryServiceAdapter{s.registry})
	verifierHandler := verifier.NewHandler(s.verifierService)

	jobHandler.RegisterRoutes(v1)
	negotiationHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	jobHandler.RegisterProtectedRoutes(protected)
	negotiationHandler.RegisterProtectedRoutes(protected)
	verifierHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

	checks := make(map[string]string)
	allOK := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			allOK = false
		} else {
			checks["database"] = "healthy"
		}
	}

	checks["negotiation_timer"] = timerStatus(s.negotiationTimer)

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

type runnable interface{ Running() bool }

func timerStatus(t interface{}) string {
	if t == nil {
		return "not_configured"
	}
	if tr, ok := t.(runnable); ok {
		if tr.Running() {
			return "running"
		}
		return "stopped"
	}
	return "unknown"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start negotiation deadline timer
	if s.negotiationTimer != nil {
		go s.negotiationTimer.Start(runCtx)
	}

	// Start DB connection pool stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.logger.Info("negotiation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("db close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// maskDSN redacts the password component of a Postgres connection string
// before it is logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// appendDSNParams appends connect_timeout and statement_timeout query
// parameters to dsn if not already present.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

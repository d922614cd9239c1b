// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/edumatch/edumatch/internal/auth"
	"github.com/edumatch/edumatch/internal/booking"
	"github.com/edumatch/edumatch/internal/config"
	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/idgen"
	"github.com/edumatch/edumatch/internal/ledger"
	"github.com/edumatch/edumatch/internal/logging"
	"github.com/edumatch/edumatch/internal/metrics"
	"github.com/edumatch/edumatch/internal/ratelimit"
	"github.com/edumatch/edumatch/internal/realtime"
	"github.com/edumatch/edumatch/internal/reputation"
	"github.com/edumatch/edumatch/internal/security"
	"github.com/edumatch/edumatch/internal/session"
	"github.com/edumatch/edumatch/internal/settlement"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	authMgr      *auth.Manager
	escrows      *escrow.Service
	availability booking.AvailabilityStore
	bookings     *booking.Service
	controller   *session.Controller
	sweeper      *session.Sweeper
	engine       *settlement.Engine
	reputation   *reputation.Service
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore     escrow.Store
		reputationStore reputation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore)

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = es

		rs := reputation.NewPostgresStore(db)
		if err := rs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate reputation store", "error", err)
		}
		reputationStore = rs

		as := booking.NewPostgresAvailabilityStore(db)
		if err := as.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate availability store", "error", err)
		}
		s.availability = as
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		escrowStore = escrow.NewMemoryStore()
		reputationStore = reputation.NewMemoryStore()
		s.availability = booking.NewMemoryAvailabilityStore()
	}

	// Platform fee account must exist before the first settlement
	if _, err := s.ledger.CreateAccount(ctx, cfg.PlatformAccountID, ledger.RolePlatform); err != nil &&
		!errors.Is(err, ledger.ErrAccountExists) {
		return nil, fmt.Errorf("failed to create platform account: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrows = escrow.NewService(escrowStore, s.ledger).WithEvents(s.realtimeHub)
	s.reputation = reputation.NewService(reputationStore)
	s.controller = session.NewController(s.escrows)

	reward, ok := new(big.Int).SetString(cfg.CompletionReward, 10)
	if !ok || reward.Sign() < 0 {
		return nil, fmt.Errorf("invalid COMPLETION_REWARD %q", cfg.CompletionReward)
	}
	s.engine = settlement.NewEngine(s.escrows, s.ledger, s.reputation, cfg.PlatformAccountID, reward)
	s.sweeper = session.NewSweeper(s.escrows, s.engine, cfg.SweepInterval, s.logger)

	s.bookings = booking.NewService(
		s.availability,
		escrowStore,
		s.ledger,
		s.escrows,
		int64(cfg.PlatformFeePercent),
		cfg.GracePeriod,
	)

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(security.MaxBodyBytes(1 << 20))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an upstream request ID from the load balancer
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
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for live escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.SetReputation(s.reputation)
	escrowHandler := escrow.NewHandler(s.escrows)
	bookingHandler := booking.NewHandler(s.bookings, s.availability)
	sessionHandler := session.NewHandler(s.controller)
	settlementHandler := settlement.NewHandler(s.engine)
	reputationHandler := reputation.NewHandler(s.reputation)

	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	v1.GET("/accounts/:id", ledgerHandler.GetAccount)
	v1.GET("/accounts/:id/reputation", reputationHandler.GetSummary)
	v1.GET("/accounts/:id/reputation/entries", reputationHandler.ListEntries)
	v1.GET("/accounts/:id/escrows", escrowHandler.ListByAccount)
	v1.GET("/escrows/:id", escrowHandler.GetEscrow)
	v1.GET("/tutors/:id/availability", bookingHandler.ListWindows)

	// REGISTRATION (public but returns API key)
	v1.POST("/accounts", s.registerAccount)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		protected.POST("/bookings", bookingHandler.Submit)

		// Ledger history is visible only to the account owner
		protected.GET("/accounts/:id/ledger", auth.RequireOwnership("id"), ledgerHandler.GetHistory)

		protected.POST("/escrows/:id/join", sessionHandler.Join)
		protected.POST("/escrows/:id/end", sessionHandler.End)
		protected.POST("/escrows/:id/dispute", escrowHandler.Dispute)
		protected.POST("/escrows/:id/cancel", escrowHandler.Cancel)
		protected.POST("/escrows/:id/settle", settlementHandler.Settle)

		protected.POST("/availability", bookingHandler.PublishWindow)
		protected.DELETE("/availability/:id", bookingHandler.RemoveWindow)
	}

	// ADMIN ROUTES (shared operator secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		admin.POST("/accounts/:id/deposits", ledgerHandler.RecordDeposit)
		admin.POST("/escrows/:id/resolve", settlementHandler.Resolve)
	}
}

// registerAccount handles POST /v1/accounts: creates the ledger account
// and issues its primary API key in one step.
func (s *Server) registerAccount(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Role string `json:"role" binding:"required"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	role := ledger.Role(req.Role)
	if role != ledger.RoleStudent && role != ledger.RoleTutor {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be \"student\" or \"tutor\"",
		})
		return
	}

	accountID := idgen.WithPrefix("acc_")
	account, err := s.ledger.CreateAccount(ctx, accountID, role)
	if err != nil {
		s.logger.Error("failed to create account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register account",
		})
		return
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, account.ID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"account": account,
			"warning": "Account registered but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("account registered",
		"account_id", account.ID,
		"role", role,
		"key_id", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"account": account,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)
	status := "ok"

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unreachable"
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "in-memory"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
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
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

	// Cancel background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

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

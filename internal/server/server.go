// Package server wires the settlement services together and serves the
// HTTP API.
package server

import (
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/circuitbreaker"
	"github.com/mbd888/p2pdesk/internal/config"
	"github.com/mbd888/p2pdesk/internal/dispute"
	"github.com/mbd888/p2pdesk/internal/escrow"
	"github.com/mbd888/p2pdesk/internal/fees"
	"github.com/mbd888/p2pdesk/internal/health"
	"github.com/mbd888/p2pdesk/internal/ledger"
	"github.com/mbd888/p2pdesk/internal/logging"
	"github.com/mbd888/p2pdesk/internal/merchant"
	"github.com/mbd888/p2pdesk/internal/metrics"
	"github.com/mbd888/p2pdesk/internal/ratelimit"
	"github.com/mbd888/p2pdesk/internal/realtime"
	"github.com/mbd888/p2pdesk/internal/reconciliation"
	"github.com/mbd888/p2pdesk/internal/referral"
	"github.com/mbd888/p2pdesk/internal/security"
	"github.com/mbd888/p2pdesk/internal/traces"
	"github.com/mbd888/p2pdesk/internal/trade"
	"github.com/mbd888/p2pdesk/internal/txn"
	"github.com/mbd888/p2pdesk/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// Server is the settlement engine process: services, background loops and
// the HTTP API.
type Server struct {
	cfg     *config.Config
	db      *sql.DB // nil if using in-memory
	ownsDB  bool
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	runner      txn.Runner
	audit       *audit.Recorder
	ledger      *ledger.Ledger
	escrow      *escrow.Controller
	referrals   *referral.Service
	fees        *fees.Distributor
	trades      *trade.Service
	disputes    *dispute.Service
	merchants   *merchant.Service
	reconciler  *reconciliation.Runner
	hub         *realtime.Hub
	breaker     *circuitbreaker.Breaker
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	tradeTimer     *trade.Timer
	feeTimer       *fees.Timer
	reconcileTimer *reconciliation.Timer
	merchantWorker *merchant.Worker

	startedAt       time.Time
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB uses an already opened database instead of DATABASE_URL. The
// caller keeps ownership and closes it.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores is one backend's set of persistence implementations.
type stores struct {
	runner   txn.Runner
	audit    audit.Store
	ledger   ledger.Store
	escrow   escrow.Store
	referral referral.Store
	fees     fees.Store
	trade    trade.Store
	dispute  dispute.Store
	merchant merchant.Store
}

func postgresStores(db *sql.DB) stores {
	return stores{
		runner:   txn.NewSQLRunner(db),
		audit:    audit.NewPostgresStore(db),
		ledger:   ledger.NewPostgresStore(db),
		escrow:   escrow.NewPostgresStore(db),
		referral: referral.NewPostgresStore(db),
		fees:     fees.NewPostgresStore(db),
		trade:    trade.NewPostgresStore(db),
		dispute:  dispute.NewPostgresStore(db),
		merchant: merchant.NewPostgresStore(db),
	}
}

func memoryStores() stores {
	return stores{
		runner:   txn.NewMemoryRunner(),
		audit:    audit.NewMemoryStore(),
		ledger:   ledger.NewMemoryStore(),
		escrow:   escrow.NewMemoryStore(),
		referral: referral.NewMemoryStore(),
		fees:     fees.NewMemoryStore(),
		trade:    trade.NewMemoryStore(),
		dispute:  dispute.NewMemoryStore(),
		merchant: merchant.NewMemoryStore(),
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		startedAt:  time.Now(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Postgres if DATABASE_URL is set, otherwise in-memory
	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.ownsDB = true
	}

	var st stores
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		st = postgresStores(s.db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = memoryStores()
		s.logger.Warn("using in-memory storage, balances are lost on restart")
	}

	s.build(st)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.setupHealth()

	return s, nil
}

// build constructs every service once and passes collaborators explicitly.
func (s *Server) build(st stores) {
	log := s.logger
	s.runner = st.runner

	s.audit = audit.NewRecorder(st.audit).WithLogger(log)
	s.ledger = ledger.New(st.ledger, s.audit, s.runner).WithLogger(log)
	s.escrow = escrow.NewController(st.escrow, s.ledger, s.runner).WithLogger(log)

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		log.Warn("circuit state changed", "key", key, "from", from.String(), "to", to.String())
	})
	s.referrals = referral.NewService(st.referral).WithBreaker(s.breaker).WithLogger(log)

	s.fees = fees.NewDistributor(st.fees, s.ledger, s.referrals, s.audit, s.runner, s.cfg.PlatformAccount).
		WithWithdrawals(s.ledger, s.cfg.WithdrawalFeeRate).
		WithLogger(log)

	s.merchants = merchant.NewService(st.merchant).WithLogger(log)
	s.hub = realtime.NewHub(log)

	// trades open disputes and disputes settle trades; wire both halves
	s.disputes = dispute.NewService(st.dispute, s.audit, s.runner).WithLogger(log)
	s.trades = trade.NewService(st.trade, s.escrow, s.fees, s.audit, s.runner).
		WithFeeRates(s.cfg.BuyerFeeRate, s.cfg.SellerFeeRate).
		WithPaymentWindow(s.cfg.PaymentWindow).
		WithDisputes(s.disputes).
		WithNotifier(&hubNotifier{hub: s.hub}).
		WithStats(s.merchants).
		WithLogger(log)
	s.disputes.WithSettler(s.trades)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.audit, s.escrow, log)

	s.tradeTimer = trade.NewTimer(s.trades, s.cfg.ExpiryInterval, log)
	s.feeTimer = fees.NewTimer(s.fees, st.fees, s.cfg.FeeRetryInterval, log)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, log)
	s.merchantWorker = merchant.NewWorker(s.merchants, s.cfg.MerchantInterval, log)
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, s.cfg.RateLimitRPM/5),
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// userContextMiddleware carries the caller's identity into the request
// context so service logs and audit entries can name them.
func userContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetString(security.ContextKeyUserID); id != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id))
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
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

	// Trade events for the connected user
	s.router.GET("/ws", security.Identity(), s.hub.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(security.Identity(), s.rateLimiter.Middleware(), userContextMiddleware())

	users := v1.Group("")
	users.Use(security.RequireUser())
	trade.NewHandler(s.trades).RegisterRoutes(users)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(users)
	escrow.NewHandler(s.escrow).RegisterRoutes(users)
	fees.NewHandler(s.fees).RegisterRoutes(users)
	referral.NewHandler(s.referrals).RegisterRoutes(users)
	merchant.NewHandler(s.merchants).RegisterRoutes(users)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	trade.NewHandler(s.trades).RegisterAdminRoutes(admin)
	ledger.NewHandler(s.ledger, s.logger).WithWithdrawer(s.fees).RegisterAdminRoutes(admin)
	fees.NewHandler(s.fees).RegisterAdminRoutes(admin)
	referral.NewHandler(s.referrals).RegisterAdminRoutes(admin)
	dispute.NewHandler(s.disputes).RegisterAdminRoutes(admin)
	audit.NewHandler(s.audit).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No route for " + c.Request.URL.Path})
	})
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}
	s.health.Register("referral_lookup", health.Circuits(s.breaker.OpenKeys))

	// Two missed cycles make reconciliation stale.
	s.health.Register("reconciliation_freshness", health.Fresh(func() time.Time {
		if r := s.reconciler.Last(); r != nil {
			return r.RunAt
		}
		return time.Time{}
	}, s.startedAt, 2*s.cfg.ReconcileInterval+time.Minute))

	s.health.Register("ledger_consistency", health.Func(func(context.Context) error {
		r := s.reconciler.Last()
		if r == nil || r.Healthy {
			return nil
		}
		return errors.New("last reconciliation found mismatches")
	}))
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    checks,
		Realtime:  s.hub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
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

// Run starts the HTTP server and background loops, and blocks until a
// signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without export", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env,
			"platformAccount", s.cfg.PlatformAccount)
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

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.tradeTimer.Start(ctx)
	go s.feeTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
	go s.merchantWorker.Start(ctx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	// in-flight requests are done; stop the loops that could still mutate
	s.tradeTimer.Stop()
	s.feeTimer.Stop()
	s.reconcileTimer.Stop()
	s.merchantWorker.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil && s.ownsDB {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// hubNotifier pushes trade events to both parties' websocket connections.
type hubNotifier struct {
	hub *realtime.Hub
}

func (n *hubNotifier) Notify(_ context.Context, ev trade.Event, t *trade.Trade) {
	n.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventType(ev),
		Timestamp: time.Now().UTC(),
		TradeID:   t.ID,
		Users:     []string{t.BuyerID, t.SellerID},
		Data:      t,
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

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

	"github.com/mbd888/fieldguard/internal/config"
	"github.com/mbd888/fieldguard/internal/custody"
	"github.com/mbd888/fieldguard/internal/health"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/notify"
	"github.com/mbd888/fieldguard/internal/qrledger"
	"github.com/mbd888/fieldguard/internal/ratelimit"
	"github.com/mbd888/fieldguard/internal/realtime"
	"github.com/mbd888/fieldguard/internal/risk"
	"github.com/mbd888/fieldguard/internal/route"
	"github.com/mbd888/fieldguard/internal/security"
	"github.com/mbd888/fieldguard/internal/traces"
	"github.com/mbd888/fieldguard/internal/validation"
	"github.com/mbd888/fieldguard/internal/visit"
	"github.com/mbd888/fieldguard/migrations"
)

// Version is reported by the health endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *risk.Engine
	ledger      *qrledger.Ledger
	custody     *custody.Tracker
	auditor     *route.Auditor
	recorder    *visit.Recorder
	webhooks    notify.Store
	dispatcher  *notify.Dispatcher
	notifier    *notify.Notifier
	sweeper     *custody.Sweeper
	decayTimer  *risk.DecayTimer
	realtimeHub *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		riskStore    risk.Store
		docStore     qrledger.Store
		custodyStore custody.Store
		routeStore   route.Store
		targetStore  visit.TargetStore
		outcomeStore visit.OutcomeStore
	)

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

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.Ping("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		riskStore = risk.NewPostgresStore(db)
		docStore = qrledger.NewPostgresStore(db)
		custodyStore = custody.NewPostgresStore(db)
		routeStore = route.NewPostgresStore(db)
		targetStore = visit.NewPostgresTargetStore(db)
		outcomeStore = visit.NewPostgresOutcomeStore(db)
		s.webhooks = notify.NewPostgresStore(db)
	} else {
		s.checks.Register("database", health.Static("database", "in-memory"))
		s.logger.Info("using in-memory storage (data will not persist)")

		riskStore = risk.NewMemoryStore()
		docStore = qrledger.NewMemoryStore()
		custodyStore = custody.NewMemoryStore()
		routeStore = route.NewMemoryStore()
		targetStore = visit.NewMemoryTargetStore()
		outcomeStore = visit.NewMemoryOutcomeStore()
		s.webhooks = notify.NewMemoryStore()
	}

	// Deadline index (Redis sorted set if REDIS_URL set). Without one the
	// sweeper queries the store on every run, which also covers deadlines
	// restored from postgres after a restart.
	var index custody.DeadlineIndex
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		redisIndex := custody.NewRedisIndex(s.redis, custody.DefaultIndexKey)
		if err := redisIndex.Ping(ctx); err != nil {
			// The store stays authoritative, so a cold index only slows the sweep down.
			s.logger.Warn("deadline index unreachable at startup", "error", err)
		}
		s.checks.RegisterDegraded("redis", health.Ping("redis", redisPinger{redisIndex}))
		index = redisIndex
		s.logger.Info("deadline index enabled", "backend", "redis")
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook notifications (OTP gateway, supervisor alerts)
	s.dispatcher = notify.NewDispatcher(s.webhooks, s.logger)
	if cfg.IsDevelopment() {
		s.dispatcher.WithPrivateEndpoints()
	}
	s.notifier = notify.NewNotifier(s.dispatcher, s.logger).WithCodeLogging(cfg.IsDevelopment())

	// Risk engine
	weights := risk.DefaultWeights()
	weights.Increment[risk.SignalFlaggedLate] = cfg.LateIncrement
	weights.ClassifierWeight = cfg.ClassifierWeight
	weights.ReplayFullCount = cfg.QRReplayThreshold

	s.engine = risk.NewEngine(riskStore, s.logger).
		WithWeights(weights).
		WithDecayPolicy(risk.DecayPolicy{
			Cooldown: cfg.DecayCooldown,
			Factor:   cfg.DecayFactor,
			Floor:    cfg.DecayFloor,
		}).
		WithEscalator(s.notifier).
		WithBroadcaster(s.realtimeHub)
	if cfg.ClassifierURL != "" {
		s.engine.WithClassifier(risk.NewHTTPClassifier(cfg.ClassifierURL))
		s.checks.RegisterDegraded("classifier", health.Static("classifier", "remote"))
		s.logger.Info("risk classifier enabled")
	} else {
		s.checks.RegisterDegraded("classifier", health.Static("classifier", "rules only"))
	}
	s.decayTimer = risk.NewDecayTimer(s.engine, cfg.DecayInterval, s.logger)

	// QR ledger
	s.ledger = qrledger.NewLedger(docStore, s.engine, s.logger).
		WithReplayThreshold(cfg.QRReplayThreshold)

	// Payment custody
	s.custody = custody.NewTracker(custodyStore, s.engine, s.logger).
		WithDeadline(cfg.DepositDeadline).
		WithBlockThreshold(cfg.CollectionBlockThreshold).
		WithPatterns(s.engine).
		WithScores(s.engine).
		WithDocuments(documentLedgerAdapter{s.ledger}).
		WithNotifier(s.notifier).
		WithIndex(index).
		WithBroadcaster(s.realtimeHub)
	s.sweeper = custody.NewSweeper(s.custody, cfg.SweepInterval, s.logger)

	// Route auditing
	s.auditor = route.NewAuditor(routeStore, s.engine, s.logger).
		WithLimits(route.Limits{
			MaxDistanceKm:            cfg.RouteMaxDistanceKm,
			MaxStops:                 cfg.RouteMaxStops,
			WorkingHours:             cfg.RouteWorkingHours,
			DwellMinutes:             cfg.RouteDwellMinutes,
			SpeedKmh:                 cfg.RouteSpeedKmh,
			DeviationToleranceMeters: cfg.RouteDeviationToleranceMeters,
		}).
		WithBroadcaster(s.realtimeHub)

	// Visits
	s.recorder = visit.NewRecorder(targetStore, outcomeStore, s.ledger, s.engine, s.logger).
		WithTolerances(cfg.Tolerances())

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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if actor := c.GetHeader(ratelimit.ActorHeader); validation.IsValidID(actor) {
			ctx = logging.WithActorID(ctx, actor)
		}
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

		// Log level based on status code
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
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
	s.router.GET("/api", s.infoHandler)

	// WebSocket for live supervisor dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	risk.NewHandler(s.engine).RegisterRoutes(v1)
	qrledger.NewHandler(s.ledger).RegisterRoutes(v1)
	custody.NewHandler(s.custody).RegisterRoutes(v1)
	route.NewHandler(s.auditor).RegisterRoutes(v1)
	visit.NewHandler(s.recorder).RegisterRoutes(v1)
	notify.NewHandler(s.webhooks, s.dispatcher, s.cfg.WebhookSecret).RegisterRoutes(v1)

	v1.GET("/stats", s.statsHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range statuses {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "fieldguard",
		"description": "Field integrity and fraud scoring for field sales",
		"version":     Version,
		"storage":     s.storageKind(),
	})
}

// statsHandler reports background process state for operators.
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"storage":       s.storageKind(),
		"deadlineIndex": s.deadlineIndexKind(),
		"realtime":      s.realtimeHub.Stats(),
		"timers": gin.H{
			"deadlineSweeper": s.sweeper.Running(),
			"riskDecay":       s.decayTimer.Running(),
		},
		"tunables": gin.H{
			"geoToleranceMeters":       s.cfg.GeoToleranceMeters,
			"qrReplayThreshold":        s.cfg.QRReplayThreshold,
			"depositDeadline":          s.cfg.DepositDeadline.String(),
			"collectionBlockThreshold": s.cfg.CollectionBlockThreshold,
		},
	})
}

func (s *Server) deadlineIndexKind() string {
	if s.redis != nil {
		return "redis"
	}
	return "store"
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.decayTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeper, decay)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.decayTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("failed to flush traces", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("failed to close redis", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("shutdown complete")
	return nil
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// generateRequestID creates a random request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

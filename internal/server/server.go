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

	"github.com/mbd888/typeguard/internal/analyzer"
	"github.com/mbd888/typeguard/internal/config"
	"github.com/mbd888/typeguard/internal/health"
	"github.com/mbd888/typeguard/internal/idgen"
	"github.com/mbd888/typeguard/internal/ingest"
	"github.com/mbd888/typeguard/internal/logging"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/profile"
	"github.com/mbd888/typeguard/internal/ratelimit"
	"github.com/mbd888/typeguard/internal/realtime"
	"github.com/mbd888/typeguard/internal/retry"
	"github.com/mbd888/typeguard/internal/risk"
	"github.com/mbd888/typeguard/internal/security"
	"github.com/mbd888/typeguard/internal/session"
	"github.com/mbd888/typeguard/internal/traces"
	"github.com/mbd888/typeguard/internal/validation"
)

const (
	defaultDrainDelay = 5 * time.Second
	dbStatsInterval   = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	analyzer     *analyzer.Analyzer
	modelStore   analyzer.ModelStore // nil disables persistence
	riskEngine   *risk.Engine
	coordinator  *session.Coordinator
	realtimeHub  *realtime.Hub
	checkpoint   *analyzer.CheckpointTimer
	eventWriter  *ingest.Writer // nil without a database
	sessionCache ingest.SessionCache
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if using the in-memory session cache
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	stopTracing  func(context.Context) error
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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. It loads persisted models, or trains
// the bootstrap model when that fails and the config allows it.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: defaultDrainDelay,
		health:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory plus a
	// snapshot file.
	var riskStore risk.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		err = retry.Connect.Do(ctx, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		s.modelStore = analyzer.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.eventWriter = ingest.NewWriter(ingest.NewPostgresSink(db), s.logger)
		s.health.Register("database", health.PingChecker("database", db))
		s.health.RegisterAdvisory("event_sink", health.CircuitChecker("event_sink", s.eventWriter.SinkStats))
	} else {
		s.logger.Info("no DATABASE_URL, using in-memory storage")
		if cfg.ModelPath != "" {
			s.modelStore = analyzer.NewFileStore(cfg.ModelPath)
			s.logger.Info("model snapshots on disk", "path", cfg.ModelPath)
		}
		riskStore = risk.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		err = retry.Connect.Do(ctx, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return rdb.Ping(pingCtx).Err()
		})
		if err != nil {
			_ = rdb.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		cache := ingest.NewRedisSessionCache(rdb)
		s.sessionCache = cache
		s.health.Register("redis", health.PingChecker("redis", health.PingerFunc(cache.Ping)))
		s.logger.Info("session cache on redis", "addr", opt.Addr)
	} else {
		s.sessionCache = ingest.NewMemorySessionCache()
	}

	// Analyzer and risk policy
	analyzerOpts := []analyzer.Option{
		analyzer.WithMinProfileSamples(cfg.MinProfileSamples),
		analyzer.WithHistorySize(cfg.ProfileHistorySize),
		analyzer.WithFeedbackWeight(cfg.FeedbackWeight),
		analyzer.WithLogger(s.logger),
	}
	if s.modelStore != nil {
		analyzerOpts = append(analyzerOpts, analyzer.WithModelStore(s.modelStore))
	}
	s.analyzer = analyzer.New(profile.NewMemoryStore(), analyzerOpts...)

	if err := s.analyzer.LoadOrBootstrap(ctx, cfg.BootstrapOnLoadFailure); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to initialize models: %w", err)
	}
	s.health.Register("model", health.ModelChecker("model", s.analyzer.IsTrained, s.analyzer.ProfileCount))

	s.riskEngine = risk.NewEngine(riskStore, s.logger).
		WithHighThreshold(cfg.AlertHighThreshold).
		WithMediumThreshold(cfg.AlertMediumThreshold)

	if s.modelStore != nil && cfg.CheckpointInterval > 0 {
		s.checkpoint = analyzer.NewCheckpointTimer(s.analyzer, cfg.CheckpointInterval, s.logger)
	}

	// Realtime: the hub carries frames, the coordinator owns sessions.
	s.realtimeHub = realtime.NewHub(s.logger).
		WithMaxClients(cfg.MaxWSClients).
		WithAllowedOrigins(cfg.CORSOrigins)

	coordOpts := []session.Option{
		session.WithRiskEngine(s.riskEngine),
		session.WithAlertNotifier(s.realtimeHub),
		session.WithAuthToken(cfg.WSAuthToken),
		session.WithLogger(s.logger),
	}
	if rec := s.recorder(); rec != nil {
		coordOpts = append(coordOpts, session.WithRecorder(rec))
	}
	s.coordinator = session.New(s.analyzer, coordOpts...)
	s.realtimeHub.WithHandler(s.coordinator)
	if cfg.WSAuthToken != "" {
		s.logger.Info("websocket token handshake enabled")
	}

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

// recorder returns the event writer as an ingest.Recorder, or nil when
// event storage is disabled.
func (s *Server) recorder() ingest.Recorder {
	if s.eventWriter == nil {
		return nil
	}
	return s.eventWriter
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// Live behavioral stream and monitor alerts
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1", s.rateLimiter.Middleware())
	ingest.NewHandler(s.analyzer, s.riskEngine, s.sessionCache, s.recorder(), s.logger).RegisterRoutes(v1)
	analyzer.NewHandler(s.analyzer, s.riskEngine, s.logger).RegisterRoutes(v1)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)
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
	if !s.ready.Load() || !s.analyzer.IsTrained() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	stats := s.realtimeHub.Stats()
	stats["activeSessions"] = s.coordinator.SessionCount()
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"version", s.version,
			"model_trained", s.analyzer.IsTrained(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.eventWriter != nil {
		go s.eventWriter.Start(runCtx)
	}
	if s.checkpoint != nil {
		go s.checkpoint.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server. Listeners close first so no new
// batches arrive; then background workers stop, models are saved one last
// time and queued audit records and events are flushed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 && s.httpSrv != nil {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
		cancel()
	}

	// Stops the hub (closing websocket clients), the writer and the checkpoint timer.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.checkpoint != nil {
		s.checkpoint.Stop()
	}

	if s.modelStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.analyzer.SaveModels(ctx); err != nil {
			s.logger.Error("final model save failed", "error", err)
		}
		cancel()
	}

	s.riskEngine.Wait()
	s.logger.Info("risk audit flushed")

	if s.eventWriter != nil {
		s.eventWriter.Stop()
		s.logger.Info("event writer stopped", "written", s.eventWriter.Written(), "dropped", s.eventWriter.Dropped())
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
		cancel()
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

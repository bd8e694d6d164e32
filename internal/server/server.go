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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/chainwatch/internal/alerting"
	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/config"
	"github.com/mbd888/chainwatch/internal/logging"
	"github.com/mbd888/chainwatch/internal/metrics"
	"github.com/mbd888/chainwatch/internal/monitor"
	"github.com/mbd888/chainwatch/internal/ratelimit"
	"github.com/mbd888/chainwatch/internal/realtime"
	"github.com/mbd888/chainwatch/internal/risk"
	"github.com/mbd888/chainwatch/internal/security"
	"github.com/mbd888/chainwatch/internal/validation"
)

// AlertStore is the combined registry, sink, and management surface the
// server needs. Satisfied by both alerting stores.
type AlertStore interface {
	alerting.Registry
	alerting.Sink
	CreateMonitor(ctx context.Context, m alerting.WalletMonitor) (alerting.WalletMonitor, error)
	CreateConfig(ctx context.Context, c alerting.AlertConfig) (alerting.AlertConfig, error)
	Monitors(ctx context.Context) ([]alerting.WalletMonitor, error)
	AlertsForUser(ctx context.Context, userID int64, status string, limit int) ([]*alerting.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID, status string) (*alerting.Alert, error)
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *risk.Engine
	riskStore    risk.Store
	sequence     *anomaly.SequenceModel
	outlier      *anomaly.OutlierModel
	alertStore   AlertStore
	correlator   *alerting.Correlator
	source       chain.Source
	poller       *chain.EthereumPoller
	monitorSvc   *monitor.Service
	retrainTimer *monitor.RetrainTimer
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

// WithSource sets a custom transaction source (for testing)
func WithSource(src chain.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set source/logger)
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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.riskStore = risk.NewPostgresStore(db)
		s.alertStore = alerting.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.riskStore = risk.NewMemoryStore()
		s.alertStore = alerting.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Detection engine
	s.engine = risk.NewEngine(s.riskStore).WithLargeTxThreshold(cfg.LargeTxThreshold)
	s.sequence = anomaly.NewSequenceModel(s.logger)
	s.outlier = anomaly.NewOutlierModel(s.logger)

	// Alert correlation with retried sink delivery
	sink := alerting.NewRetrySink(s.alertStore)
	s.correlator = alerting.NewCorrelator(s.alertStore, sink, s.logger).
		WithLargeTxThreshold(cfg.LargeTxThreshold)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Chain poller (optional, needs an RPC endpoint). Observed transfers
	// are buffered in a memory source the scan loop reads back.
	if s.source == nil && cfg.RPCURL != "" {
		memSource := chain.NewMemorySource(7 * 24 * time.Hour)
		poller, err := chain.NewEthereumPoller(chain.EthereumConfig{
			RPCURL:        cfg.RPCURL,
			TokenContract: common.HexToAddress(cfg.TokenContract),
			TokenDecimals: cfg.TokenDecimals,
			Blockchain:    cfg.Blockchain,
			PollInterval:  cfg.PollInterval,
		}, memSource.Handler(), s.logger)
		if err != nil {
			s.logger.Warn("failed to create chain poller", "error", err)
		} else {
			s.poller = poller
			s.source = memSource
			s.logger.Info("chain poller configured",
				"blockchain", cfg.Blockchain, "contract", cfg.TokenContract)
		}
	}

	// Monitor service and retrain timer (need a transaction source)
	if s.source != nil {
		s.monitorSvc = monitor.NewService(
			s.source, s.sequence, s.outlier, s.engine, s.correlator, s.alertStore, s.logger,
		).
			WithHub(s.realtimeHub).
			WithScanInterval(cfg.ScanInterval).
			WithHistoryWindow(cfg.HistoryWindow).
			WithAnomalyThreshold(cfg.AnomalyThreshold).
			WithWorkers(cfg.Workers)
		s.retrainTimer = monitor.NewRetrainTimer(s.source, s.sequence, s.outlier, s.alertStore, s.logger)
		s.logger.Info("monitoring enabled", "scanInterval", cfg.ScanInterval)
	} else {
		s.logger.Info("no transaction source configured, monitoring disabled")
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
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Detection engine
	v1.POST("/transactions/analyze", s.analyzeTransaction)
	v1.POST("/addresses/:address/risk", s.calculateAddressRisk)
	v1.GET("/addresses/:address/assessments", s.listAssessments)
	v1.POST("/models/train", s.trainModels)
	v1.GET("/models", s.modelStatus)
	v1.POST("/anomalies/detect", s.detectAnomalies)
	v1.POST("/predictions/next", s.predictNext)

	// Monitors & alert configuration
	v1.POST("/monitors", s.createMonitor)
	v1.GET("/monitors", s.listMonitors)
	v1.POST("/alert-configs", s.createAlertConfig)

	// Alerts
	v1.GET("/users/:userId/alerts", s.listAlerts)
	v1.PUT("/alerts/:alertId/status", s.updateAlertStatus)
}

// -----------------------------------------------------------------------------
// Health handlers
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "chainwatch",
		"description": "Transaction risk and anomaly detection engine",
		"version":     "0.1.0",
		"blockchain":  s.cfg.Blockchain,
	})
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start chain poller
	if s.poller != nil {
		if err := s.poller.Start(runCtx); err != nil {
			s.logger.Error("failed to start chain poller", "error", err)
		}
	}

	// Start monitor scan loop and retrain timer
	if s.monitorSvc != nil {
		go s.monitorSvc.Start(runCtx)
	}
	if s.retrainTimer != nil {
		go s.retrainTimer.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, timers, poller)
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

	if s.monitorSvc != nil {
		s.monitorSvc.Stop()
		s.logger.Info("monitor service stopped")
	}

	if s.retrainTimer != nil {
		s.retrainTimer.Stop()
		s.logger.Info("retrain timer stopped")
	}

	if s.poller != nil {
		s.poller.Stop()
		s.logger.Info("chain poller stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

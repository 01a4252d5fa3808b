// Package server wires the sweep jobs together and exposes the operator
// surface: health, metrics, and manual sweep triggers.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybill/relaybill/internal/autoreload"
	"github.com/relaybill/relaybill/internal/billing"
	"github.com/relaybill/relaybill/internal/config"
	"github.com/relaybill/relaybill/internal/expiry"
	"github.com/relaybill/relaybill/internal/gateway"
	"github.com/relaybill/relaybill/internal/logging"
	"github.com/relaybill/relaybill/internal/org"
	"github.com/relaybill/relaybill/internal/orphan"
	"github.com/relaybill/relaybill/internal/reconcile"
	"github.com/relaybill/relaybill/internal/traces"
)

// Server owns the timers and the HTTP operator surface.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db     *sql.DB
	ledger billing.Store
	orgs   org.Store
	gw     gateway.Gateway

	sweeper     *expiry.Sweeper
	runner      *reconcile.Runner
	expiryTimer *expiry.Timer
	sweepTimer  *reconcile.Timer
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGateway overrides the billing gateway (used by tests).
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) { s.gw = gw }
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initStores(); err != nil {
		return nil, err
	}
	s.initGateway()
	s.initJobs()
	s.initRouter()
	return s, nil
}

func (s *Server) initStores() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		s.ledger = billing.NewMemoryStore()
		s.orgs = org.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	s.db = db

	ledger := billing.NewPostgresStore(db)
	orgs := org.NewPostgresStore(db)
	if !s.cfg.IsProduction() {
		ctx := context.Background()
		if err := ledger.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger store: %w", err)
		}
		if err := orgs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate org store: %w", err)
		}
	}
	s.ledger = ledger
	s.orgs = orgs
	return nil
}

func (s *Server) initGateway() {
	if s.gw != nil {
		return
	}
	if s.cfg.StripeAPIKey == "" {
		s.logger.Info("no STRIPE_API_KEY set, using development gateway")
		s.gw = gateway.NewDevGateway()
		return
	}
	s.gw = gateway.NewStripeGateway(s.cfg.StripeAPIKey, s.cfg.GatewayTimeout)
}

func (s *Server) initJobs() {
	s.sweeper = expiry.NewSweeper(s.ledger, s.logger)
	s.expiryTimer = expiry.NewTimer(s.sweeper, s.cfg.ExpiryInterval, s.logger)

	engine := reconcile.NewEngine(s.ledger, s.gw, s.cfg.SweepBatchSize, s.cfg.DeadLetterWindow, s.logger)
	reload := autoreload.NewEngine(s.orgs, s.gw, s.cfg.ReloadCooldown, s.cfg.ReloadBatchSize, s.logger)
	orphans := orphan.NewCleaner(s.orgs, s.gw, s.cfg.OrphanGrace, s.cfg.SweepBatchSize, s.logger)
	s.runner = reconcile.NewRunner(engine, reload, orphans, s.logger)
	s.sweepTimer = reconcile.NewTimer(s.runner, s.cfg.SweepInterval, s.logger)
}

func (s *Server) initRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin", s.requireAdmin)
	admin.POST("/sweep", s.handleSweep)
	admin.POST("/expire", s.handleExpire)

	s.router = r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sweeping": s.sweepTimer.Running(),
	})
}

// requireAdmin guards the manual trigger endpoints. With no ADMIN_SECRET
// configured the endpoints are disabled outright.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (s *Server) handleSweep(c *gin.Context) {
	result := s.runner.RunAll(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExpire(c *gin.Context) {
	n, err := s.sweeper.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// Run starts the timers and the HTTP server, blocking until the context
// is cancelled or a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.expiryTimer.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	s.logger.Info("sweep timers started",
		"expiry_interval", s.cfg.ExpiryInterval,
		"sweep_interval", s.cfg.SweepInterval,
	)

	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	s.expiryTimer.Stop()
	s.sweepTimer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
	if err := shutdownTraces(shutdownCtx); err != nil {
		s.logger.Warn("traces shutdown error", "error", err)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return nil
}

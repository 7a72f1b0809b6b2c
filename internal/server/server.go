// Package server sets up the HTTP server exposing the checkout API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lacrypta/checkout/internal/alerts"
	"github.com/lacrypta/checkout/internal/config"
	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/health"
	"github.com/lacrypta/checkout/internal/idgen"
	"github.com/lacrypta/checkout/internal/invoice"
	"github.com/lacrypta/checkout/internal/logging"
	"github.com/lacrypta/checkout/internal/metrics"
	"github.com/lacrypta/checkout/internal/relay"
	"github.com/lacrypta/checkout/internal/retry"
	"github.com/lacrypta/checkout/internal/session"
	"github.com/lacrypta/checkout/internal/traces"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	identity *event.Identity
	relay    relay.Client
	issuer   invoice.Issuer
	sessions *session.Manager
	notifier *alerts.Notifier
	checks   *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error

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

// WithRelay sets a custom relay client (for testing)
func WithRelay(c relay.Client) Option {
	return func(s *Server) {
		s.relay = c
	}
}

// WithIssuer sets a custom invoice issuer (for testing)
func WithIssuer(i invoice.Issuer) Option {
	return func(s *Server) {
		s.issuer = i
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set relay/issuer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Signing identity: configured key, or a throwaway one in development.
	if cfg.PrivateKey != "" {
		id, err := event.NewIdentity(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		s.identity = id
	} else {
		id, err := event.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
		s.identity = id
		s.logger.Warn("no PRIVATE_KEY configured, generated a throwaway identity",
			"pubkey", id.PublicKey())
	}

	// Relay network: websocket relay when configured, in-process otherwise.
	if s.relay == nil {
		if len(cfg.RelayURLs) > 0 {
			// TODO: fan out to every configured relay, not just the first.
			var ws *relay.WSClient
			err := retry.Do(context.Background(), 3, time.Second, func() error {
				var err error
				ws, err = relay.DialWS(context.Background(), cfg.RelayURLs[0], s.logger)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to relay: %w", err)
			}
			s.relay = ws
			s.logger.Info("connected to relay", "url", cfg.RelayURLs[0])
		} else {
			s.relay = relay.NewMemoryRelay(s.logger)
			s.logger.Info("using in-process relay (events will not leave this process)")
		}
	}

	// Invoice issuing: LNURL callback when configured, local HMAC issuer
	// otherwise.
	if s.issuer == nil {
		if cfg.LNURLCallback != "" {
			s.issuer = invoice.NewHTTPIssuer(cfg.LNURLCallback)
			s.logger.Info("invoice issuer configured", "callback", cfg.LNURLCallback)
		} else {
			s.issuer = invoice.NewLocalIssuer(invoice.NewCodec(cfg.InvoiceSecret))
			s.logger.Info("using local invoice issuer")
		}
	}

	s.notifier = alerts.NewNotifier(cfg.AlertWebhookURL, s.logger)
	if s.notifier != nil {
		s.logger.Info("spoofed-receipt alerting enabled")
	}

	s.sessions = session.NewManager(s.newSession)

	s.registerHealthChecks()

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

// newSession is the factory handed to the session manager.
func (s *Server) newSession() *session.Session {
	return session.New(session.Config{
		Relay:           s.relay,
		Issuer:          s.issuer,
		Signer:          s.identity,
		Decoder:         invoice.Decode,
		RecipientPubkey: s.cfg.RecipientPubkey,
		RelayURLs:       s.cfg.RelayURLs,
		FiatCurrency:    s.cfg.FiatCurrency,
		SatRate:         s.cfg.SatRate,
		Logger:          s.logger,
		Alerts:          s.notifier,
	})
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("relay", func(ctx context.Context) (string, error) {
		// Fetching an id that cannot exist proves the round trip works:
		// a healthy relay answers "not found".
		_, err := s.relay.Get(ctx, "healthcheck-"+idgen.Hex(8))
		if err != nil && !errors.Is(err, relay.ErrEventNotFound) {
			return "", err
		}
		return "reachable", nil
	})

	s.checks.Register("issuer", func(ctx context.Context) (string, error) {
		if s.issuer == nil {
			return "", errors.New("no issuer configured")
		}
		if s.cfg.LNURLCallback != "" {
			return s.cfg.LNURLCallback, nil
		}
		return "local", nil
	})

	s.checks.Register("sessions", func(ctx context.Context) (string, error) {
		return fmt.Sprintf("%d live", s.sessions.Count()), nil
	})
}

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
			requestID = idgen.WithPrefix("req_")
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

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.GET("/info", s.infoHandler)
		v1.POST("/orders", s.createOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.releaseOrder)
		v1.POST("/orders/:id/invoice", s.requestInvoice)
		v1.GET("/orders/:id/receipts", s.listReceipts)
	}
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Tracing
	shutdown, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"pubkey", s.identity.PublicKey(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Tear down every live order session (unsubscribes from the relay)
	s.sessions.CloseAll()
	s.logger.Info("order sessions closed")

	if ws, ok := s.relay.(*relay.WSClient); ok {
		if err := ws.Close(); err != nil {
			s.logger.Error("relay close error", "error", err)
		} else {
			s.logger.Info("relay connection closed")
		}
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy,
		"checks":  statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pubkey":       s.identity.PublicKey(),
		"fiatCurrency": s.cfg.FiatCurrency,
		"satRate":      s.cfg.SatRate,
		"relays":       s.cfg.RelayURLs,
	})
}

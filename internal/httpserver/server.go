package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinytelemetry/aiemu/internal/broadcast"
	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/metrics"
	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

// Banner is the plain-text response to GET / without an upgrade.
const Banner = "aiemu telemetry emulator running"

// Ingester runs a raw payload through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (model.IngestionResult, error)
}

// Config tunes the HTTP server.
type Config struct {
	MaxBodyBytes int64
	Live         broadcast.WSConfig
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	// Gatherer enables GET /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

// Server exposes ingestion, the live stream and the query API on one port.
type Server struct {
	addr     string
	store    model.ReadAPI
	ingester Ingester
	live     *broadcast.Broadcaster
	cfg      Config
	logger   *zap.Logger
	engine   *gin.Engine

	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	stopOnce  sync.Once
}

// NewServer creates the HTTP server. live may be nil, in which case the
// live-stream endpoints answer 503.
func NewServer(addr string, store model.ReadAPI, ingester Ingester, live *broadcast.Broadcaster, cfgs ...Config) *Server {
	if addr == "" {
		addr = "0.0.0.0:5000"
	}
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = model.DefaultMaxBodyBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		store:     store,
		ingester:  ingester,
		live:      live,
		cfg:       cfg,
		logger:    logger.OrNop(cfg.Logger),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	r.GET("/", s.handleRoot)
	r.GET("/live", s.handleLive)

	r.POST("/", s.handleIngest)
	r.POST("/v2/track", s.handleIngest)
	r.POST("/v2.1/track", s.handleIngest)

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	api.GET("/telemetry", s.handleTelemetry)
	api.GET("/telemetry/stats", s.handleStats)

	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// SDKs post to whatever path their connection string names.
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && !isAPIPath(c.Request.URL.Path) {
			s.handleIngest(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// corsMiddleware lets a browser viewer on any origin call the query API
// and post telemetry. Preflight requests are answered without routing.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Accept", "Content-Type", "Content-Encoding", "Content-Length"},
		MaxAge:          12 * time.Hour,
	})
}

func isAPIPath(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured address. Serve must be called afterwards.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	s.startTime = time.Now()
	return nil
}

// Serve blocks serving HTTP requests on the bound listener. It returns nil
// once Stop has been called and the listener error otherwise.
func (s *Server) Serve() error {
	if s.server == nil {
		return errors.New("httpserver: Serve called before Listen")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpserver: serve: %w", err)
	}
	return nil
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server. Hijacked live-stream
// connections are not tracked here; closing the broadcaster ends them.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.server == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	})
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	if broadcast.IsUpgradeRequest(c.Request) {
		s.handleLive(c)
		return
	}
	c.String(http.StatusOK, Banner)
}

func (s *Server) handleLive(c *gin.Context) {
	if s.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live stream disabled"})
		return
	}
	if !broadcast.IsUpgradeRequest(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}
	// ServeWS writes its own handshake error response.
	if err := broadcast.ServeWS(s.live, c.Writer, c.Request, s.cfg.Live, s.logger); err != nil {
		s.logger.Debug("live stream ended", zap.Error(err))
	}
}

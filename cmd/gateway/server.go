package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/api/handlers"
	"github.com/aimi9933/llmgateway/internal/backup"
	"github.com/aimi9933/llmgateway/internal/config"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/cursorstore"
	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/health"
	"github.com/aimi9933/llmgateway/internal/metrics"
	"github.com/aimi9933/llmgateway/internal/pipeline"
	"github.com/aimi9933/llmgateway/internal/routing"
	server "github.com/aimi9933/llmgateway/internal/server"
	"github.com/aimi9933/llmgateway/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires every gateway component together and owns the process's
// two listeners: the public API on cfg.Server.HTTPPort and the
// Prometheus scrape endpoint on cfg.Server.MetricsPort.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	apiServer  *server.Manager
	metricsSrv *server.Manager
	checker    *health.Checker
}

// NewServer builds every internal component from cfg and db, and
// assembles the HTTP mux.
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger, metricsCollector *metrics.Collector) (*Server, error) {
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init connection pool: %w", err)
	}

	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	st := store.New(pool, logger)
	cipher, err := crypto.New(cfg.Security.APIKeySecret)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	cursors := cursorstore.NewMemoryStore()
	router := routing.New(st, cursors, logger)
	pipe := pipeline.New(st, router, cipher, metricsCollector, logger)

	backupMgr := backup.New(st, cfg.Backup.FilePath, logger)

	checkerCfg := health.Config{
		Interval:         cfg.HealthCheck.Interval(),
		ProbeTimeout:     cfg.HealthCheck.Timeout(),
		FailureThreshold: cfg.HealthCheck.FailureThreshold,
	}
	checker := health.New(st, cipher, backupMgr, metricsCollector, logger, checkerCfg)

	mux := http.NewServeMux()
	registerRoutes(mux, st, cipher, router, pipe, checker, backupMgr, cfg, logger)

	var apiHandler http.Handler = mux
	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		MetricsMiddleware(metricsCollector),
		OTelTracing(),
		CORS(cfg.Server.CORSOrigins),
		RateLimiter(context.Background(), cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
	}
	if cfg.Security.AdminAuthEnabled() {
		middlewares = append(middlewares, JWTAuth(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, cfg.Security.JWTAudience,
			[]string{"/ping", "/v1/chat/completions", "/v1/models"}, logger))
	}
	apiHandler = Chain(apiHandler, middlewares...)

	apiServer := server.NewManager(apiHandler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, logger)

	return &Server{cfg: cfg, logger: logger, apiServer: apiServer, metricsSrv: metricsServer, checker: checker}, nil
}

func registerRoutes(
	mux *http.ServeMux,
	st *store.Store,
	cipher *crypto.Cipher,
	router *routing.Router,
	pipe *pipeline.Pipeline,
	checker *health.Checker,
	backupMgr *backup.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) {
	chat := handlers.NewChatHandler(pipe, logger, cfg.Server.RequestTimeout(), 3)
	models := handlers.NewModelsHandler(st, logger)
	providers := handlers.NewProviderHandler(st, cipher, checker, logger)
	routes := handlers.NewRouteHandler(st, router, logger)
	admin := handlers.NewAdminHandler(backupMgr, logger)

	mux.HandleFunc("GET /ping", handlers.HandlePing)

	mux.HandleFunc("POST /v1/chat/completions", chat.HandleCompletion)
	mux.HandleFunc("GET /v1/models", models.HandleList)

	mux.HandleFunc("GET /api/providers", providers.HandleList)
	mux.HandleFunc("POST /api/providers", providers.HandleCreate)
	mux.HandleFunc("POST /api/providers/test-direct", providers.HandleTestDirect)
	mux.HandleFunc("GET /api/providers/{id}", providers.HandleGet)
	mux.HandleFunc("PATCH /api/providers/{id}", providers.HandlePatch)
	mux.HandleFunc("DELETE /api/providers/{id}", providers.HandleDelete)
	mux.HandleFunc("POST /api/providers/{id}/test", providers.HandleTest)
	mux.HandleFunc("PATCH /api/providers/{id}/health", providers.HandleSetHealth)

	mux.HandleFunc("GET /api/model-routes", routes.HandleList)
	mux.HandleFunc("POST /api/model-routes", routes.HandleCreate)
	mux.HandleFunc("GET /api/model-routes/{id}", routes.HandleGet)
	mux.HandleFunc("PATCH /api/model-routes/{id}", routes.HandlePatch)
	mux.HandleFunc("DELETE /api/model-routes/{id}", routes.HandleDelete)
	mux.HandleFunc("POST /api/model-routes/{id}/select", routes.HandleSelect)
	mux.HandleFunc("GET /api/model-routes/{id}/state", routes.HandleState)
	mux.HandleFunc("POST /api/model-routes/{id}/reset", routes.HandleReset)

	mux.HandleFunc("POST /api/admin/providers/restore", admin.HandleRestore)
}

// Start launches both listeners and, when health checks are enabled, the
// background health sweep.
func (s *Server) Start() error {
	if err := s.apiServer.Start(); err != nil {
		return err
	}
	if err := s.metricsSrv.Start(); err != nil {
		return err
	}
	if s.cfg.HealthCheck.Enabled {
		s.checker.Start()
	}
	return nil
}

// WaitForShutdown blocks until a termination signal, then drains both
// listeners and stops the health sweep.
func (s *Server) WaitForShutdown() {
	s.apiServer.WaitForShutdown()
	s.checker.Stop()
	_ = s.metricsSrv.Shutdown(context.Background())
}

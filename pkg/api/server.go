// Package api is the HTTP surface of the orchestrator: sandbox lifecycle,
// capability execution, file transfer, cargo management and administrative
// operations, served over gin.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/events"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/router"
	"github.com/cuemby/bay/pkg/sandbox"
)

// Server hosts the HTTP API.
type Server struct {
	cfg       *config.Config
	sandboxes *sandbox.Manager
	cargos    *cargo.Manager
	router    *router.Router
	idem      *idempotency.Service
	gc        *gc.Scheduler
	broker    *events.Broker

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the HTTP surface. idem, gcs and broker may be nil; the
// corresponding features are then disabled.
func NewServer(cfg *config.Config, sandboxes *sandbox.Manager, cargos *cargo.Manager,
	rt *router.Router, idem *idempotency.Service, gcs *gc.Scheduler, broker *events.Broker) *Server {
	s := &Server{
		cfg:       cfg,
		sandboxes: sandboxes,
		cargos:    cargos,
		router:    rt,
		idem:      idem,
		gc:        gcs,
		broker:    broker,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestMetrics())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	v1.Use(s.authenticate())

	sb := v1.Group("/sandboxes")
	sb.POST("", s.idempotent(), s.handleCreateSandbox)
	sb.GET("", s.handleListSandboxes)
	sb.GET("/:id", s.handleGetSandbox)
	sb.DELETE("/:id", s.handleDeleteSandbox)
	sb.POST("/:id/extend_ttl", s.idempotent(), s.handleExtendTTL)
	sb.POST("/:id/keepalive", s.handleKeepalive)
	sb.POST("/:id/stop", s.handleStopSandbox)

	sb.POST("/:id/exec/python", s.handleExecPython)
	sb.POST("/:id/exec/shell", s.handleExecShell)
	sb.POST("/:id/exec/browser", s.handleExecBrowser)

	sb.POST("/:id/files/read", s.handleFileRead)
	sb.POST("/:id/files/write", s.handleFileWrite)
	sb.POST("/:id/files/list", s.handleFileList)
	sb.POST("/:id/files/delete", s.handleFileDelete)
	sb.POST("/:id/files/upload", s.handleFileUpload)
	sb.GET("/:id/files/download", s.handleFileDownload)

	cg := v1.Group("/cargos")
	cg.POST("", s.idempotent(), s.handleCreateCargo)
	cg.GET("", s.handleListCargos)
	cg.GET("/:id", s.handleGetCargo)
	cg.DELETE("/:id", s.handleDeleteCargo)

	v1.POST("/gc/run", s.handleGCRun)
	v1.GET("/events", s.handleEvents)

	s.engine = engine
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve http api: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

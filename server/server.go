package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/config"
	"github.com/chaos-io/sinfondo/rembg"
)

//go:embed templates/*.html
var templatesFS embed.FS

type Server struct {
	httpServer *http.Server
	health     *HealthMonitor
	cfg        *config.Config
	log        *zap.Logger
}

func New(cfg *config.Config, remover rembg.Remover, log *zap.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	health := NewHealthMonitor(cfg.Rembg.Backend, remover, log)
	h := NewHandler(remover, health, cfg.App, batchTimeout(cfg.Server.WriteTimeout), log)

	if worst := time.Duration(cfg.App.MaxFiles) * cfg.Rembg.Timeout; worst > cfg.Server.WriteTimeout {
		log.Warn("A full batch can outlast SERVER_WRITE_TIMEOUT; it will be cut off with 504",
			zap.Duration("worst_case", worst),
			zap.Duration("write_timeout", cfg.Server.WriteTimeout))
	}

	server := &Server{
		httpServer: &http.Server{
			Addr:           cfg.Addr(),
			Handler:        newRouter(h, tmpl, log),
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		health: health,
		cfg:    cfg,
		log:    log,
	}

	log.Info("Server created successfully",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Rembg.Backend),
		zap.Int64("max_request_body", h.MaxRequestBody()))

	return server, nil
}

func newRouter(h *Handler, tmpl *template.Template, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(log))
	router.SetHTMLTemplate(tmpl)

	router.GET("/", h.GetUI)
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/remove", h.RemoveBackgrounds)
	}

	return router
}

// batchTimeout leaves a tenth of the write timeout for sending the result.
func batchTimeout(writeTimeout time.Duration) time.Duration {
	return writeTimeout - writeTimeout/10
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the health monitor and serves until Shutdown.
func (s *Server) Run() error {
	if err := s.health.Start(s.cfg.Rembg.ProbeSchedule); err != nil {
		return err
	}

	s.log.Info("Server is running",
		zap.String("host", s.cfg.Server.Host),
		zap.String("port", s.cfg.Server.Port),
		zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	s.health.Stop()
	return s.httpServer.Shutdown(ctx)
}

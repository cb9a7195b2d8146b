package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/api/docs"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// Ensure docs are initialized
var _ = docs.SwaggerInfo

const shutdownCtxTimeout = 10 * time.Second

// Server represents the API HTTP server.
type Server struct {
	config  *config.APIConfig
	control Control
	handler *Handler
	server  *http.Server
	log     *logger.Logger
}

// NewServer creates a new API server. topics and maintenance may be nil.
func NewServer(
	cfg *config.APIConfig,
	control Control,
	topics TopicLister,
	maintenance Maintainer,
	log *logger.Logger,
) *Server {
	log = log.WithComponent(common.ComponentAPI)
	handler := NewHandler(control, topics, maintenance, log)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.Health)

	mux.HandleFunc("POST /api/v1/manifests", handler.AddManifest)

	mux.HandleFunc("GET /api/v1/indexers", handler.ListIndexers)
	mux.HandleFunc("POST /api/v1/indexers", handler.CreateIndexer)
	mux.HandleFunc("GET /api/v1/indexers/{name}", handler.GetIndexer)
	mux.HandleFunc("POST /api/v1/indexers/{name}/start", handler.StartIndexer)
	mux.HandleFunc("POST /api/v1/indexers/{name}/stop", handler.StopIndexer)

	mux.HandleFunc("GET /api/v1/indexers/{name}/entities/{type}", handler.GetEntities)
	mux.HandleFunc("GET /api/v1/indexers/{name}/entities/{type}/{id}", handler.GetEntity)

	mux.HandleFunc("GET /api/v1/hub/topics", handler.ListTopics)

	mux.HandleFunc("GET /api/v1/maintenance", handler.GetMaintenance)
	mux.HandleFunc("POST /api/v1/maintenance", handler.RunMaintenance)

	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
	))

	var h http.Handler = mux
	h = RecoveryMiddleware(log)(h)
	h = LoggingMiddleware(log)(h)

	if cfg.CORS.Enabled {
		h = CORSMiddleware(cfg.CORS.AllowedOrigins)(h)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
	}

	return &Server{
		config:  cfg,
		control: control,
		handler: handler,
		server:  httpServer,
		log:     log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API server is disabled")
		return nil
	}

	s.log.Infow("starting API server", "address", s.config.ListenAddress)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCtxTimeout)
	defer cancel()

	s.log.Info("shutting down API server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown error: %w", err)
	}

	s.log.Info("API server stopped")
	return nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"OpenMCP-Mesh/internal/discovery"
	"OpenMCP-Mesh/internal/mesh"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/internal/registry"
	"OpenMCP-Mesh/internal/topology"
)

// Dependencies 汇总 API 需要的核心组件。Metrics 与 Instances 可以为空。
type Dependencies struct {
	Plugins   *registry.Registry
	Services  *discovery.Registry
	Mesh      *mesh.Mesh
	Topology  *topology.Engine
	Instances InstanceProvider
	Metrics   *metrics.Metrics
}

// Option 调整 Server 行为。
type Option func(*Server)

// WithTokens 启用 Bearer Token 鉴权，空列表表示不鉴权。
func WithTokens(tokens ...string) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithTimeouts 设置 HTTP 服务器的读写与关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	deps   Dependencies
	tokens []string
	router chi.Router

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewServer 构造 API 服务实例并注册全部路由。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		readTimeout:     15 * time.Second,
		writeTimeout:    60 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回路由处理器，便于测试或嵌入其他服务器。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handleListPlugins)
			r.Post("/", s.handleRegisterPlugin)
			r.Get("/stats", s.handlePluginStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPlugin)
				r.Patch("/", s.handleUpdatePlugin)
				r.Put("/", s.handleUpdatePlugin)
				r.Delete("/", s.handleUnregisterPlugin)
				r.Post("/enable", s.handleEnablePlugin)
				r.Post("/disable", s.handleDisablePlugin)
				r.Post("/start", s.handleStartPlugin)
				r.Post("/stop", s.handleStopPlugin)
				r.Post("/reload", s.handleReloadPlugin)
				r.Get("/health", s.handlePluginHealth)
			})
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", s.handleListServices)
			r.Post("/", s.handleRegisterService)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetService)
				r.Patch("/", s.handleUpdateService)
				r.Put("/", s.handleUpdateService)
				r.Delete("/", s.handleUnregisterService)
				r.Post("/health", s.handleServiceHealth)
				r.Get("/breaker", s.handleServiceBreaker)
				r.Post("/invoke", s.handleInvoke)
			})
		})

		r.Post("/routes/{name}", s.handleRoute)
		r.Get("/mesh/logs", s.handleRequestLog)
		r.Get("/mesh/stats", s.handleMeshStats)

		r.Route("/topology", func(r chi.Router) {
			r.Get("/", s.handleTopology)
			r.Get("/metrics", s.handleTopologyMetrics)
			r.Get("/cycles", s.handleCycles)
			r.Get("/nodes/{id}", s.handleDependencyGraph)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "服务已关闭", nil)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"bandburg/internal/auth"
	"bandburg/internal/bridge"
	"bandburg/internal/catalog"
	"bandburg/internal/classify"
	"bandburg/internal/eventbus"
	"bandburg/internal/install"
	"bandburg/internal/observability/metrics"
	"bandburg/internal/storage"
	"bandburg/pkg/logger"
)

// Bridge 是 API 依赖的桥接层能力，*bridge.Bridge 满足该接口。
type Bridge interface {
	Invoke(ctx context.Context, operation string, args map[string]any) (any, error)
	Subscribe(topic string, h eventbus.Handler) (cancel func())
	ClassifyFile(data []byte, name string) classify.Result
	InstallFile(ctx context.Context, req install.Request, onProgress install.ProgressHandler) (*install.Result, error)
	DeviceInfo(ctx context.Context, addr string) (map[string]any, error)
	State() bridge.State
}

// Market 是脚本市场与远程资源下载，*catalog.Client 满足该接口。
type Market interface {
	List(ctx context.Context) ([]catalog.MarketScript, error)
	Install(ctx context.Context, store catalog.ScriptCreator, script catalog.MarketScript) (*storage.Script, error)
	Download(ctx context.Context, rawURL string) (*catalog.File, error)
}

var (
	_ Bridge = (*bridge.Bridge)(nil)
	_ Market = (*catalog.Client)(nil)
)

// Option 配置 Server。
type Option func(*Server)

// WithStore 启用设备与脚本接口。
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMarket 启用脚本市场与远程安装。
func WithMarket(m Market) Option {
	return func(s *Server) { s.market = m }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 要求 /api/v1 下的请求携带令牌。nil 表示不认证。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithScriptListenLimit 限制脚本运行接口等待事件的最长时间。
func WithScriptListenLimit(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.maxListen = d
		}
	}
}

// Server 负责暴露 REST 与 WebSocket 接口。
type Server struct {
	addr            string
	bridge          Bridge
	store           storage.Store
	market          Market
	metrics         *metrics.Metrics
	auth            *auth.Service
	shutdownTimeout time.Duration
	maxListen       time.Duration
	log             *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, b Bridge, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		bridge:          b,
		shutdownTimeout: 5 * time.Second,
		maxListen:       time.Minute,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Instrument(routePattern))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions}))
		r.Get("/operations", s.handleOperations)
		r.Post("/invoke/{op}", s.handleInvoke)
		r.Post("/classify", s.handleClassify)
		r.Post("/install", s.handleInstall)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.requireStore)
			r.Get("/devices", s.handleListDevices)
			r.Post("/devices", s.handleCreateDevice)
			r.Route("/devices/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/connect", s.handleConnectDevice)
				r.Get("/info", s.handleDeviceInfo)
			})

			r.Get("/scripts", s.handleListScripts)
			r.Post("/scripts", s.handleCreateScript)
			r.Route("/scripts/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handleUpdateScript)
				r.Delete("/", s.handleDeleteScript)
				r.Post("/run", s.handleRunScript)
			})

			r.Post("/market/install", s.handleMarketInstall)
		})
		r.Get("/market", s.handleMarketList)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"module": s.bridge.State().String(),
	})
}

func (s *Server) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeMessage(w, http.StatusServiceUnavailable, "UNAVAILABLE", "存储未配置")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/triage/internal/auth"
	"github.com/oriys/triage/internal/metrics"
	"github.com/oriys/triage/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置
type RouterConfig struct {
	Handler *Handler
	// WatchHandler websocket 推送（可选）
	WatchHandler *WatchHandler
	// AuthHandler 令牌签发（可选）
	AuthHandler *AuthHandler
	// Auth 认证中间件，nil 表示不认证（所有请求视为管理员）
	Auth    *auth.Middleware
	Metrics *metrics.Metrics
	// MetricsHandler 指标端点，nil 时使用默认注册表
	MetricsHandler http.Handler
	Logger         *logrus.Logger
	// RequestTimeout 非 websocket 请求的超时时间
	RequestTimeout time.Duration
}

// NewRouter 创建并配置HTTP路由器。
//
// 路由结构：
//
//	/health                         - 基本健康检查
//	/health/ready                   - 就绪探针
//	/health/live                    - 存活探针
//	/metrics                        - Prometheus指标端点
//	/api/v1/analyze                 - 无状态分析
//	/api/v1/analyze/file            - 上传日志文件分析
//	/api/v1/categories              - 分类目录
//	/api/v1/runs                    - 分诊运行
//	/api/v1/runs/{id}/watch         - 运行状态推送（websocket）
//	/api/v1/auth/token              - 签发 JWT
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("triage-gateway"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(metricsMiddleware(cfg.Metrics))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		authn := cfg.Auth
		if authn == nil {
			authn = auth.NewMiddleware(nil, "", nil, false)
		}
		r.Use(authn.Authenticate)

		// websocket 长连接不受请求超时限制
		if cfg.WatchHandler != nil {
			r.With(auth.RequireRole(auth.RoleViewer)).Get("/runs/{id}/watch", cfg.WatchHandler.Watch)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			if cfg.AuthHandler != nil {
				r.Post("/auth/token", cfg.AuthHandler.IssueToken)
				r.Get("/auth/me", cfg.AuthHandler.Me)
			}

			// 只读接口
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleViewer))
				r.Get("/categories", h.ListCategories)
				r.Post("/analyze", h.Analyze)
				r.Post("/analyze/file", h.AnalyzeFile)
				r.Get("/runs", h.ListRuns)
				r.Get("/runs/{id}", h.GetRun)
				r.Get("/runs/{id}/history", h.GetRunHistory)
			})

			// 会改变运行状态的接口
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleOperator))
				r.Post("/runs", h.CreateRun)
				r.Post("/runs/{id}/select", h.SelectOption)
				r.Post("/runs/{id}/decline", h.DeclineRun)
				r.Post("/runs/{id}/cancel", h.CancelRun)
				r.Post("/runs/{id}/retry-dispatch", h.RetryDispatch)
			})
		})
	})

	return r
}

// corsMiddleware 处理跨域请求，预检请求直接返回
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware 按路由模板记录请求数和耗时，避免运行 ID 造成高基数
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), float64(time.Since(start).Microseconds())/1000)
		})
	}
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/metrics"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/todo"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionLookup     middleware.SessionLookup
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// 観測
	HTTPMetrics   middleware.HTTPStatusRecorder
	Gatherer      prometheus.Gatherer
	HealthChecker HealthChecker

	// 認証
	AuthService AuthServiceInterface
	UserStore   session.UserStore
	AuthConfig  AuthHandlerConfig
	AuthMetrics AuthMetrics

	// TODO
	TodoService TodoServiceInterface
	TodoWriter  todo.Writer
	LiveConfig  LiveConfig
	// LiveHandler を渡すと呼び出し側で停止を制御できる。nilならLiveConfigから生成する。
	LiveHandler *LiveHandler

	// ナビゲーション
	Guard     *guard.Guard
	StaticDir string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//
// APIルートはさらに Session → RateLimit(General) → CSRF を通る。
// 認証ルート（POST /auth/*）は RateLimit(Auth) → CSRF を通る。
// それ以外のGETはRoute Guardを通してアプリケーションシェルを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.HTTPMetrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.HTTPMetrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.UserStore, deps.Guard, deps.AuthMetrics, deps.AuthConfig)
	todoHandler := NewTodoHandler(deps.TodoService)
	liveHandler := deps.LiveHandler
	if liveHandler == nil {
		liveHandler = NewLiveHandler(deps.TodoWriter, deps.AuthService, deps.UserStore, deps.SessionLookup, deps.LiveConfig)
	}
	shell := deps.Guard.Middleware(NewStaticHandler(deps.StaticDir))
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.Route("/auth", func(r chi.Router) {
		// ログイン・登録ページ自体は公開ルートとしてシェルを返す
		r.Get("/login", shell.ServeHTTP)
		r.Get("/register", shell.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Use(csrf)

			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
			r.Post("/logout", authHandler.Logout)
		})

		r.Get("/me", authHandler.Me)

		// 外部IdPのOAuthフロー
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/{provider}/login", authHandler.ProviderLogin)
		r.Get("/{provider}/callback", authHandler.ProviderCallback)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionLookup))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrf)

		r.Route("/api/todos", func(r chi.Router) {
			r.Get("/", todoHandler.List)
			r.Post("/", todoHandler.Create)
			r.Get("/live", liveHandler.ServeHTTP)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", todoHandler.Update)
				r.Delete("/", todoHandler.Delete)
			})
		})
	})

	// --- ナビゲーション ---
	r.Get("/*", shell.ServeHTTP)
	r.Head("/*", shell.ServeHTTP)

	return r
}

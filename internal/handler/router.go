package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          middleware.EntryResolver
	Cookie            middleware.CookieConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	WaitTimeout       time.Duration

	// 死活監視
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// サービス
	AuthService      AuthServiceInterface
	UserService      UserServiceInterface
	AvatarFetcher    AvatarFetcher
	InferenceService InferenceServiceInterface
	CatalogService   CatalogServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BrowserSession → CSRF
//	  → (保護ルート) RequireSession → RateLimit(General) → RequireProfile / RequireRole
//
// /health と /metrics はブラウザセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- ブラウザセッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.Cookie))

	authHandler := NewAuthHandler(deps.AuthService, AuthHandlerConfig{WaitTimeout: deps.WaitTimeout})
	navHandler := NewNavHandler(deps.WaitTimeout)
	profileHandler := NewProfileHandler(deps.UserService, deps.AvatarFetcher)
	inferenceHandler := NewInferenceHandler(deps.InferenceService)
	catalogHandler := NewCatalogHandler(deps.CatalogService)

	requireSession := middleware.NewRequireSession(deps.WaitTimeout)
	rl := deps.RateLimiter

	r.Group(func(r chi.Router) {
		r.Use(rl.BrowserMintMiddleware())
		r.Use(middleware.NewBrowserSessionMiddleware(deps.Sessions, deps.Cookie))
		r.Use(middleware.NewCSRFMiddleware(deps.Cookie))

		// 認証フロー
		r.Route("/auth", func(r chi.Router) {
			r.With(rl.AuthMiddleware()).Post("/signup", authHandler.SignUp)
			r.With(rl.AuthMiddleware()).Post("/login", authHandler.SignIn)
			r.Get("/oauth/{provider}", authHandler.OAuth)
			r.Get("/confirm", authHandler.Confirm)
			r.Post("/logout", authHandler.SignOut)
			r.Get("/session", authHandler.Session)
		})

		r.With(rl.GeneralMiddleware()).Get("/api/nav", navHandler.Nav)

		// --- セッションが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Use(rl.GeneralMiddleware())

			// プロフィール（オンボーディング前でもアクセス可能）
			r.Route("/api/profile", func(r chi.Router) {
				r.Get("/", profileHandler.Profile)
				r.Put("/setup", profileHandler.Setup)
				r.Get("/avatar", profileHandler.Avatar)
			})

			// 推論
			r.Route("/api/inference", func(r chi.Router) {
				r.Use(middleware.NewRequireProfile())
				r.Get("/health", inferenceHandler.Health)

				r.Group(func(r chi.Router) {
					r.Use(rl.InferenceMiddleware())
					r.Post("/breast-cancer", inferenceHandler.BreastCancer)
					r.Post("/pneumonia", inferenceHandler.Pneumonia)
					r.Post("/symptoms", inferenceHandler.Symptoms)
				})
			})

			// データ提供者
			r.Route("/api/provider", func(r chi.Router) {
				r.Use(middleware.NewRequireRole(model.RoleDataProvider))
				r.With(rl.InferenceMiddleware()).Post("/agent", inferenceHandler.DataAgent)
				r.Get("/datasets", catalogHandler.ListOwnDatasets)
				r.Post("/datasets", catalogHandler.SubmitDataset)
			})

			// 管理者
			r.Route("/api/admin", func(r chi.Router) {
				r.Use(middleware.NewRequireRole(model.RoleAdmin))

				r.Get("/models", catalogHandler.ListModels)
				r.Post("/models/{id}/approve", catalogHandler.ApproveModel)
				r.Post("/models/{id}/retrain", catalogHandler.RetrainModel)

				r.Get("/datasets", catalogHandler.ListDatasets)
				r.Post("/datasets/{id}/approve", catalogHandler.ApproveDataset)
				r.Post("/datasets/{id}/reject", catalogHandler.RejectDataset)
			})
		})
	})

	return r
}

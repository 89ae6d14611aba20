package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/medhive/internal/auth"
	"github.com/hitoshi/medhive/internal/catalog"
	"github.com/hitoshi/medhive/internal/config"
	"github.com/hitoshi/medhive/internal/database"
	"github.com/hitoshi/medhive/internal/handler"
	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/inference"
	"github.com/hitoshi/medhive/internal/logger"
	"github.com/hitoshi/medhive/internal/metrics"
	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/repository"
	"github.com/hitoshi/medhive/internal/security"
	"github.com/hitoshi/medhive/internal/session"
	"github.com/hitoshi/medhive/internal/user"
	"github.com/hitoshi/medhive/internal/worker/cleanup"
)

// authStorageKeyPrefix はブラウザごとのIdPセッションを保存するキーの接頭辞。
const authStorageKeyPrefix = "medhive-auth-token:"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, nil)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_storage", cfg.Session.Storage),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openAuthSessionStorage は設定に応じたIdPセッションの保存先を返す。
// 戻り値のcloseは保存先が保持する接続を解放する。
func openAuthSessionStorage(ctx context.Context, cfg *config.Config, db *sql.DB) (identity.Storage, repository.AuthSessionRepository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Session.Storage {
	case config.StorageRedis:
		client := repository.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		repo := repository.NewRedisAuthSessionRepo(client)
		if err := repo.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.Redis.Addr))
		return repo, repo, client.Close, nil
	case config.StorageMemory:
		slog.Warn("session storage is in-memory; sessions are lost on restart")
		return identity.NewMemoryStorage(), nil, noop, nil
	default:
		repo := repository.NewPostgresAuthSessionRepo(db)
		return repo, repo, noop, nil
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	modelRepo := repository.NewPostgresModelRepo(db)
	datasetRepo := repository.NewPostgresDatasetRepo(db)

	authStorage, _, closeStorage, err := openAuthSessionStorage(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStorage()

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. ブラウザごとのセッションストア
	identityHTTP := &http.Client{Timeout: cfg.Session.FetchTimeout}
	newIdentityClient := func(browserID string) *identity.Client {
		return identity.NewClient(identity.Config{
			BaseURL:          cfg.Identity.URL,
			APIKey:           cfg.Identity.APIKey,
			JWTSecret:        cfg.Identity.JWTSecret,
			StorageKey:       authStorageKeyPrefix + browserID,
			SessionRetention: cfg.Identity.SessionRetention,
			HTTPClient:       identityHTTP,
			Logger:           slog.Default(),
		}, authStorage)
	}
	registry := session.NewRegistry(ctx, newIdentityClient, profileRepo, session.RegistryConfig{
		IdleTTL:      cfg.Session.IdleTTL,
		FetchTimeout: cfg.Session.FetchTimeout,
		MaxEntries:   cfg.Session.MaxEntries,
		Logger:       slog.Default(),
		Metrics:      collector,
	})
	registry.StartCleanup()
	defer registry.Stop()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(profileRepo, cfg.BaseURL, slog.Default())
	userService := user.NewService(profileRepo)
	catalogService := catalog.NewService(modelRepo, datasetRepo)
	inferenceClient := inference.NewClient(inference.Config{
		BreastCancerURL: cfg.Inference.BreastCancerURL,
		PneumoniaURL:    cfg.Inference.PneumoniaURL,
		SymptomsURL:     cfg.Inference.SymptomsURL,
		DataAgentURL:    cfg.Inference.DataAgentURL,
		MaxUploadBytes:  cfg.Inference.MaxUpload,
		HTTPClient:      &http.Client{Timeout: cfg.Inference.Timeout},
		Logger:          slog.Default(),
		Metrics:         collector,
		Sanitizer:       security.NewReplySanitizer(),
	})
	avatarFetcher := security.NewAvatarFetcher(cfg.Avatar.Timeout, cfg.Avatar.MaxSize)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute:     cfg.RateLimit.General,
		AuthPerMinute:        cfg.RateLimit.Auth,
		InferencePerMinute:   cfg.RateLimit.Inference,
		BrowserMintPerMinute: cfg.RateLimit.BrowserMint,
	})
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Sessions:          registry,
		Cookie:            middleware.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		WaitTimeout:       cfg.Session.WaitTimeout,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService:      authService,
		UserService:      userService,
		AvatarFetcher:    avatarFetcher,
		InferenceService: inferenceClient,
		CatalogService:   catalogService,
	})

	// 7. HTTPサーバーの起動
	// 推論のアップロードと応答待ちに合わせて書き込みタイムアウトを延ばす
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Inference.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れIdPセッションのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. セッション保存先の初期化
	_, sessions, closeStorage, err := openAuthSessionStorage(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStorage()

	if sessions == nil {
		return fmt.Errorf("worker requires persistent session storage, got %q", cfg.Session.Storage)
	}

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(sessions, slog.Default(), cfg.Identity.SessionRetention)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.Session.CleanupInterval),
		slog.Duration("retention", cleanupJob.Retention),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.Session.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

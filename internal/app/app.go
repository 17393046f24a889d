package app

import (
	"context"
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

	"github.com/hitoshi/chathub/internal/auth"
	"github.com/hitoshi/chathub/internal/broker"
	"github.com/hitoshi/chathub/internal/config"
	"github.com/hitoshi/chathub/internal/database"
	"github.com/hitoshi/chathub/internal/handler"
	"github.com/hitoshi/chathub/internal/logger"
	"github.com/hitoshi/chathub/internal/metrics"
	"github.com/hitoshi/chathub/internal/middleware"
	"github.com/hitoshi/chathub/internal/presence"
	"github.com/hitoshi/chathub/internal/repository"
	"github.com/hitoshi/chathub/internal/room"
	"github.com/hitoshi/chathub/internal/security"
	"github.com/hitoshi/chathub/internal/worker/cleanup"
	"github.com/hitoshi/chathub/internal/ws"
)

// cleanupInterval は古いメッセージを削除するジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("identity_provider", cfg.IdentityProviderURL),
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

// runServe はWebSocketサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	presenceRepo := repository.NewPostgresPresenceRepo(db)
	roomRepo := repository.NewPostgresRoomRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)

	// 3. メトリクスの初期化
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. ドメインサービスの初期化
	b := broker.New(log, collector)

	provider := auth.NewProviderClient(
		cfg.IdentityProviderURL,
		&http.Client{Timeout: cfg.IdentityTimeout},
		log,
		collector,
	)
	authService := auth.NewService(auth.NewGateway(provider, cfg.IdentityTimeout), userRepo)

	registry := presence.NewRegistry(presenceRepo, roomRepo, b, log)

	directory := room.NewDirectory(userRepo, roomRepo, messageRepo, security.NewContentSanitizer(), room.Config{
		MembershipRequired:    cfg.RoomMembershipRequired,
		HistoryLimit:          cfg.HistoryLimit,
		SearchLimit:           cfg.SearchLimit,
		TrustClientTimestamps: cfg.TrustClientTimestamps,
		SanitizeContent:       cfg.SanitizeContent,
		Location:              cfg.Location,
	})

	// 5. 前回のプロセスで残ったオンライン状態を整理する
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 10*time.Second)
	n, err := registry.Reconcile(reconcileCtx)
	cancelReconcile()
	if err != nil {
		return fmt.Errorf("failed to reconcile presences: %w", err)
	}
	log.Info("presences reconciled", slog.Int64("reset_count", n))

	// 6. WebSocketハンドラーの構築
	hub := ws.NewHub(log)
	wsHandler := ws.NewHandler(ws.Deps{
		Auth:     authService,
		Sessions: registry,
		Rooms:    directory,
		Broker:   b,
		Hub:      hub,
		Recorder: collector,
		Logger:   log,
	}, ws.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		MaxMessageSize:     cfg.MaxMessageSize,
		SendBufferSize:     cfg.SendBufferSize,
		PingInterval:       cfg.PingInterval,
		PongWait:           cfg.PongWait,
		WriteWait:          10 * time.Second,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Location:           cfg.Location,
	})

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.HandshakeRatePerMinute))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
		RateLimiter:    rateLimiter,
		WebSocket:      wsHandler,
	})

	// 8. HTTPサーバーの起動
	// WebSocket接続は長時間維持されるため、ReadTimeoutとWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
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
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// 新規ハンドシェイクの受け付けを止めてから、確立済みの接続を閉じる
	shutdownErr := server.Shutdown(ctx)
	if err := hub.Shutdown(ctx); err != nil {
		log.Warn("websocket connections did not close in time",
			slog.Int("remaining", hub.Count()),
			slog.String("error", err.Error()),
		)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	log.Info("server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、保持期間を過ぎたメッセージの削除ジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, log, cfg.MessageRetentionDays, nil)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		log.Info("shutting down worker...")
		cancel()
	}()

	log.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("retention_days", cfg.MessageRetentionDays),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cleanupInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	versions, err := database.MigrationVersions()
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("embedded_migrations", len(versions)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
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

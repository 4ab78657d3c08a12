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

	"github.com/hitoshi/booklend/internal/config"
	"github.com/hitoshi/booklend/internal/database"
	"github.com/hitoshi/booklend/internal/handler"
	"github.com/hitoshi/booklend/internal/logger"
	"github.com/hitoshi/booklend/internal/metrics"
	"github.com/hitoshi/booklend/internal/middleware"
	"github.com/hitoshi/booklend/internal/worker/overdue"
)

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

	// 3. LOG_LEVELを反映する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}
	logger.SetupDefaultWithLevel(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// newRegistry はGo runtimeとプロセスのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// ストレージを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストレージ
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービス
	services, err := NewServices(cfg, backend, collector, slog.Default())
	if err != nil {
		return err
	}

	// memoryドライバーはプロセス内にしか状態がないため、起動時にシードを投入できる
	if cfg.SeedFile != "" {
		result, err := services.ImportSeed(ctx, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to import seed file: %w", err)
		}
		slog.Info("seed imported",
			slog.String("file", cfg.SeedFile),
			slog.Int("books_added", result.BooksAdded),
			slog.Int("members_added", result.MembersAdded),
		)
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLoans),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,
		TrustedProxies:    cfg.TrustedProxies,
		Ledger:            services.Ledger,
		Catalog:           handler.NewCatalogServiceAdapter(services.Catalog),
		HealthChecker:     backend.Store,
		MetricsHandler:    metrics.Handler(reg),
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// 延滞スキャンを定期実行し、/metricsをMETRICS_PORTで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("worker with memory store only sees its own process state")
	}

	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	scanner := overdue.NewScanner(backend.Store, collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("overdue_scan_interval", cfg.OverdueScanInterval),
	)

	// 延滞スキャンをメインgoroutineで実行（ブロッキング）
	scanner.Start(ctx, cfg.OverdueScanInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case config.StoreDriverSQLite:
		slog.Info("running database migrations", slog.String("sqlite_path", cfg.SQLitePath))
		if err := database.RunSQLiteMigrations(cfg.SQLitePath); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	default:
		slog.Info("store driver has no schema to migrate", slog.String("store_driver", cfg.StoreDriver))
		return nil
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

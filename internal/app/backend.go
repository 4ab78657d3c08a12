package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/booklend/internal/catalog"
	"github.com/hitoshi/booklend/internal/config"
	"github.com/hitoshi/booklend/internal/database"
	"github.com/hitoshi/booklend/internal/directory"
	"github.com/hitoshi/booklend/internal/ledger"
	"github.com/hitoshi/booklend/internal/repository"
	"github.com/hitoshi/booklend/internal/security"
	"github.com/hitoshi/booklend/internal/seed"
)

// Backend はSTORE_DRIVERに応じて開いたストレージ一式。
type Backend struct {
	Driver  string
	Store   repository.LedgerStore
	Members repository.MemberRepository
}

// Close はストレージを閉じる。SQLドライバーの場合は接続プールも閉じる。
func (b *Backend) Close() error {
	return b.Store.Close()
}

// OpenBackend は設定に従ってストレージを開き、疎通を確認する。
// SQLiteはファイル単位で完結するため、開く時点でマイグレーションを適用する。
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established", slog.String("driver", cfg.StoreDriver))
		return &Backend{
			Driver:  cfg.StoreDriver,
			Store:   repository.NewPostgresLedgerStore(db),
			Members: repository.NewPostgresMemberRepo(db),
		}, nil

	case config.StoreDriverSQLite:
		if err := database.RunSQLiteMigrations(cfg.SQLitePath); err != nil {
			return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("driver", cfg.StoreDriver),
			slog.String("path", cfg.SQLitePath),
		)
		return &Backend{
			Driver:  cfg.StoreDriver,
			Store:   repository.NewSQLiteLedgerStore(db),
			Members: repository.NewSQLiteMemberRepo(db),
		}, nil

	case config.StoreDriverMemory:
		slog.Warn("using in-memory store; state is lost on exit")
		return &Backend{
			Driver:  cfg.StoreDriver,
			Store:   repository.NewMemoryLedgerStore(),
			Members: repository.NewMemoryMemberRepo(),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Services は台帳とその周辺サービス。
type Services struct {
	Catalog *catalog.Service
	Members *directory.StoreDirectory
	Ledger  *ledger.Ledger
}

// NewServices はバックエンド上にカタログ・利用者ディレクトリ・台帳を構築する。
// DIRECTORY_URLが設定されている場合、台帳の利用者解決はHTTPディレクトリを使う。
func NewServices(cfg *config.Config, b *Backend, recorder ledger.Recorder, logger *slog.Logger) (*Services, error) {
	sanitizer := security.NewTextSanitizer()
	members := directory.NewStoreDirectory(b.Members, sanitizer, logger)

	var resolver ledger.Directory = members
	if cfg.DirectoryURL != "" {
		httpDir, err := directory.NewHTTPDirectory(cfg.DirectoryURL, cfg.DirectoryTimeout, security.NewSSRFGuard())
		if err != nil {
			return nil, fmt.Errorf("failed to configure member directory: %w", err)
		}
		resolver = httpDir
		logger.Info("using HTTP member directory", slog.String("url", cfg.DirectoryURL))
	}

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithLoanPeriod(cfg.LoanPeriod),
		ledger.WithConflictRetry(cfg.LedgerMaxAttempts, cfg.LedgerRetryBaseDelay),
		ledger.WithReadRetry(cfg.ReadRetryAttempts),
	}
	if recorder != nil {
		opts = append(opts, ledger.WithRecorder(recorder))
	}
	l, err := ledger.New(b.Store, resolver, opts...)
	if err != nil {
		return nil, err
	}

	return &Services{
		Catalog: catalog.NewService(b.Store, sanitizer, logger),
		Members: members,
		Ledger:  l,
	}, nil
}

// ImportSeed はシードファイルを読み込み、未登録の書籍と利用者を投入する。
func (s *Services) ImportSeed(ctx context.Context, path string) (seed.Result, error) {
	f, err := seed.LoadFile(path)
	if err != nil {
		return seed.Result{}, err
	}
	return seed.Apply(ctx, f, s.Catalog, s.Members)
}

package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/booklend/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder
	// TrustedProxies は転送ヘッダーを信用するリバースプロキシ。空なら接続元IPで制限する。
	TrustedProxies    []netip.Prefix

	// 台帳・カタログ
	Ledger  LedgerService
	Catalog CatalogServiceInterface

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → TrustedRealIP → Recovery → SecurityHeaders → Logging → CORS → RateLimit(General)
//
// 貸出・返却（POST /api/loans, POST /api/loans/{bookId}/return）には貸出用レート制限を追加する。
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewTrustedRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	loanHandler := NewLoanHandler(deps.Ledger)
	bookHandler := NewBookHandler(deps.Catalog, deps.Ledger)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 蔵書カタログ
		r.Route("/api/books", func(r chi.Router) {
			r.Get("/", bookHandler.ListBooks)
			r.Post("/", bookHandler.AddBook)
			r.Get("/{bookId}", bookHandler.GetBook)
		})

		// 貸出台帳
		r.Route("/api/loans", func(r chi.Router) {
			r.Get("/", loanHandler.ListOutstanding)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.LoanMiddleware())
				r.Post("/", loanHandler.BorrowBook)
				r.Post("/{bookId}/return", loanHandler.ReturnBook)
			})
		})
	})

	return r
}

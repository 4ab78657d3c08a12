// Package ledger は貸出台帳を提供する。
// 書籍のAvailableフラグと未返却の貸出記録の対応を、同時実行下でも崩さずに維持する。
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/booklend/internal/model"
	"github.com/hitoshi/booklend/internal/repository"
)

// DefaultLoanPeriod は貸出期間のデフォルト値（14日）。
const DefaultLoanPeriod = 14 * 24 * time.Hour

const defaultPageSize = 100

// 操作名。ログとメトリクスのラベルに使用する。
const (
	OpBorrow = "borrow"
	OpReturn = "return"
)

// Directory は利用者IDを利用者情報に解決する。
// 見つからない場合は(nil, nil)を返す。
type Directory interface {
	Resolve(ctx context.Context, userID string) (*model.Member, error)
}

// Clock は現在時刻を返す。
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// IDGen は貸出記録のIDを生成する。
type IDGen interface{ NewID(t time.Time) string }

// ulidGen は時刻順に並ぶULIDを生成する。ulid.Monotonicは並行利用できないためロックで保護する。
type ulidGen struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newULIDGen() *ulidGen {
	return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGen) NewID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// Recorder は台帳操作の計測値を受け取る。
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	IncRetry(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) IncRetry(string)                                {}

// Ledger は貸出・返却の唯一の入口。
// 書籍のAvailableフラグと貸出記録はLedgerを通してのみ更新される。
type Ledger struct {
	store      repository.LedgerStore
	directory  Directory
	clock      Clock
	ids        IDGen
	logger     *slog.Logger
	recorder   Recorder
	loanPeriod time.Duration
	pageSize   int
	writeRetry retryPolicy
	readRetry  retryPolicy
}

// Option はLedgerの設定を変更する。
type Option func(*Ledger) error

// WithClock は時刻の取得元を差し替える。
func WithClock(c Clock) Option {
	return func(l *Ledger) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		l.clock = c
		return nil
	}
}

// WithIDGen は貸出記録IDの生成器を差し替える。
func WithIDGen(g IDGen) Option {
	return func(l *Ledger) error {
		if g == nil {
			return errors.New("id generator must not be nil")
		}
		l.ids = g
		return nil
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		l.logger = logger
		return nil
	}
}

// WithRecorder は計測値の送信先を設定する。
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) error {
		if r == nil {
			return errors.New("recorder must not be nil")
		}
		l.recorder = r
		return nil
	}
}

// WithLoanPeriod は貸出期間を設定する。
func WithLoanPeriod(d time.Duration) Option {
	return func(l *Ledger) error {
		if d <= 0 {
			return errors.New("loan period must be positive")
		}
		l.loanPeriod = d
		return nil
	}
}

// WithConflictRetry は競合時の再試行回数（初回を含む）と基準待機時間を設定する。
// 待機時間は baseDelay, baseDelay*2, baseDelay*4 ... と増加する。
func WithConflictRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(l *Ledger) error {
		if maxAttempts <= 0 {
			return errors.New("max attempts must be positive")
		}
		if baseDelay < 0 {
			return errors.New("base delay must not be negative")
		}
		l.writeRetry.maxAttempts = maxAttempts
		l.writeRetry.baseDelay = baseDelay
		return nil
	}
}

// WithReadRetry は一時的な障害に対する読み取りの試行回数（初回を含む）を設定する。
func WithReadRetry(maxAttempts int) Option {
	return func(l *Ledger) error {
		if maxAttempts <= 0 {
			return errors.New("read attempts must be positive")
		}
		l.readRetry.maxAttempts = maxAttempts
		return nil
	}
}

// WithPageSize は一覧取得時に1回のクエリで読み込む件数を設定する。
func WithPageSize(n int) Option {
	return func(l *Ledger) error {
		if n <= 0 {
			return errors.New("page size must be positive")
		}
		l.pageSize = n
		return nil
	}
}

// New はLedgerを生成する。
func New(store repository.LedgerStore, directory Directory, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store must not be nil")
	}
	if directory == nil {
		return nil, errors.New("directory must not be nil")
	}

	l := &Ledger{
		store:      store,
		directory:  directory,
		clock:      systemClock{},
		ids:        newULIDGen(),
		logger:     slog.Default(),
		recorder:   nopRecorder{},
		loanPeriod: DefaultLoanPeriod,
		pageSize:   defaultPageSize,
		writeRetry: retryPolicy{
			maxAttempts:  defaultMaxAttempts,
			baseDelay:    defaultBaseDelay,
			jitterFactor: defaultJitterFactor,
		},
		readRetry: retryPolicy{
			maxAttempts:  defaultReadMaxAttempts,
			baseDelay:    defaultBaseDelay,
			jitterFactor: defaultJitterFactor,
		},
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("invalid ledger option: %w", err)
		}
	}
	return l, nil
}

// BorrowBook は書籍を利用者に貸し出す。
// 書籍の読み取り、未返却記録の確認、Availableの反転、新しい貸出記録の挿入を1つの単位で行う。
// 同じ書籍を同時に借りようとした場合は1件のみが成功し、残りはErrAlreadyBorrowedとなる。
func (l *Ledger) BorrowBook(ctx context.Context, bookID, userID string) (receipt *model.LoanReceipt, err error) {
	started := time.Now()
	defer func() { l.finish(OpBorrow, bookID, started, err) }()

	if bookID == "" {
		return nil, ErrBookNotFound
	}
	if err := l.resolveUser(ctx, userID); err != nil {
		return nil, err
	}

	err = retryOnConflict(ctx, l.writeRetry, func(ctx context.Context) error {
		receipt = nil
		return l.store.WithinTx(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
			book, open, err := l.loadState(ctx, tx, bookID)
			if err != nil {
				return err
			}
			if len(open) == 1 {
				return fmt.Errorf("%w: book %s is on loan", ErrAlreadyBorrowed, bookID)
			}

			now := l.clock.Now().UTC().Truncate(time.Microsecond)
			rec := &model.BorrowRecord{
				ID:         l.ids.NewID(now),
				BookID:     bookID,
				UserID:     userID,
				BorrowedAt: now,
				DueAt:      now.Add(l.loanPeriod),
			}
			if err := tx.SetAvailability(ctx, bookID, false, book.Version, now); err != nil {
				return err
			}
			if err := tx.InsertLoan(ctx, rec); err != nil {
				return err
			}
			receipt = &model.LoanReceipt{
				LoanID:     rec.ID,
				BookID:     rec.BookID,
				UserID:     rec.UserID,
				BorrowedAt: rec.BorrowedAt,
				DueAt:      rec.DueAt,
			}
			return nil
		})
	}, l.onRetry(OpBorrow, bookID))
	if err != nil {
		return nil, err
	}

	l.logger.Debug("book borrowed",
		slog.String("book_id", bookID),
		slog.String("user_id", userID),
		slog.String("loan_id", receipt.LoanID),
		slog.Time("due_at", receipt.DueAt),
	)
	return receipt, nil
}

// ReturnBook は書籍の未返却記録を閉じ、書籍を貸出可能に戻す。
// 2回続けて呼び出した場合、2回目はErrNotBorrowedとなり記録は1件しか閉じられない。
func (l *Ledger) ReturnBook(ctx context.Context, bookID string) (receipt *model.ReturnReceipt, err error) {
	started := time.Now()
	defer func() { l.finish(OpReturn, bookID, started, err) }()

	if bookID == "" {
		return nil, ErrBookNotFound
	}

	err = retryOnConflict(ctx, l.writeRetry, func(ctx context.Context) error {
		receipt = nil
		return l.store.WithinTx(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
			book, open, err := l.loadState(ctx, tx, bookID)
			if err != nil {
				return err
			}
			if len(open) == 0 {
				return fmt.Errorf("%w: book %s has no open loan", ErrNotBorrowed, bookID)
			}

			rec := open[0]
			now := l.clock.Now().UTC().Truncate(time.Microsecond)
			if err := tx.CloseLoan(ctx, rec.ID, now); err != nil {
				return err
			}
			if err := tx.SetAvailability(ctx, bookID, true, book.Version, now); err != nil {
				return err
			}
			receipt = &model.ReturnReceipt{
				ClosedLoanID: rec.ID,
				BookID:       rec.BookID,
				UserID:       rec.UserID,
				ReturnedAt:   now,
				LoanDuration: now.Sub(rec.BorrowedAt),
			}
			return nil
		})
	}, l.onRetry(OpReturn, bookID))
	if err != nil {
		return nil, err
	}

	l.logger.Debug("book returned",
		slog.String("book_id", bookID),
		slog.String("user_id", receipt.UserID),
		slog.String("loan_id", receipt.ClosedLoanID),
		slog.Duration("loan_duration", receipt.LoanDuration),
	)
	return receipt, nil
}

// loadState は書籍と未返却記録を読み取り、両者の対応を検証する。
// 未返却記録は0件（貸出可能）または1件（貸出中）のいずれかで、Availableと一致していなければならない。
func (l *Ledger) loadState(ctx context.Context, tx repository.LedgerTx, bookID string) (*model.Book, []*model.BorrowRecord, error) {
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read book: %w", err)
	}
	if book == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}

	open, err := tx.FindOpenLoans(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read open loans: %w", err)
	}

	switch {
	case len(open) > 1:
		return nil, nil, fmt.Errorf("%w: book %s has %d open loans", ErrInconsistentState, bookID, len(open))
	case len(open) == 1 && book.Available:
		return nil, nil, fmt.Errorf("%w: book %s is marked available but loan %s is open", ErrInconsistentState, bookID, open[0].ID)
	case len(open) == 0 && !book.Available:
		return nil, nil, fmt.Errorf("%w: book %s is marked unavailable without an open loan", ErrInconsistentState, bookID)
	}
	return book, open, nil
}

// resolveUser は利用者がDirectoryに存在することを確認する。
func (l *Ledger) resolveUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserNotFound
	}
	member, err := readWithRetry(ctx, l.readRetry, func(ctx context.Context) (*model.Member, error) {
		return l.directory.Resolve(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if member == nil {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func (l *Ledger) onRetry(op, bookID string) func(attempt int, err error) {
	return func(attempt int, err error) {
		l.recorder.IncRetry(op)
		l.logger.Warn("retrying ledger operation after conflict",
			slog.String("op", op),
			slog.String("book_id", bookID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
}

// finish は操作結果を計測し、不整合や想定外のエラーをログに記録する。
func (l *Ledger) finish(op, bookID string, started time.Time, err error) {
	category := CategoryOf(err)
	outcome := string(category)
	if category == CategoryNone {
		outcome = "success"
	}
	l.recorder.ObserveOperation(op, outcome, time.Since(started))

	switch category {
	case CategoryInconsistent:
		l.logger.Error("ledger invariant violated",
			slog.String("op", op),
			slog.String("book_id", bookID),
			slog.String("error", err.Error()),
		)
	case CategoryContention:
		l.logger.Warn("ledger operation gave up after conflicts",
			slog.String("op", op),
			slog.String("book_id", bookID),
			slog.String("error", err.Error()),
		)
	case CategorySystem:
		l.logger.Error("ledger operation failed",
			slog.String("op", op),
			slog.String("book_id", bookID),
			slog.String("error", err.Error()),
		)
	}
}

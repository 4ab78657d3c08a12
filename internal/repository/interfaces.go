// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/booklend/internal/model"
)

// ErrVersionConflict は条件付き更新の前提（バージョン、未返却状態、一意制約）が
// 同時実行された別の操作によって崩れたことを示す。
// 呼び出し側は操作全体を最初からやり直す。
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrTransient は再試行で回復し得る一時的な障害（接続断、タイムアウト等）を示す。
// 読み取り操作のみ再試行の対象とする。
var ErrTransient = errors.New("repository: transient failure")

// LedgerTx は1つのトランザクション（または楽観的作業単位）内で使用できる操作。
// WithinTxのコールバック外で使用してはならない。
type LedgerTx interface {
	// GetBook は指定IDの書籍を取得する。見つからない場合はnilを返す。
	// 取得時のVersionがSetAvailabilityの前提条件となる。
	GetBook(ctx context.Context, bookID string) (*model.Book, error)

	// FindOpenLoans は指定書籍の未返却（returned_at IS NULL）の貸出記録を返す。
	FindOpenLoans(ctx context.Context, bookID string) ([]*model.BorrowRecord, error)

	// SetAvailability はバージョンがexpectedVersionと一致する場合にのみAvailableを更新し、
	// バージョンを1つ進める。一致しない場合はErrVersionConflictを返す。
	SetAvailability(ctx context.Context, bookID string, available bool, expectedVersion int64, now time.Time) error

	// InsertLoan は新しい貸出記録を挿入する。
	// 同一書籍の未返却記録が既に存在する場合はErrVersionConflictを返す。
	InsertLoan(ctx context.Context, rec *model.BorrowRecord) error

	// CloseLoan は未返却の貸出記録にreturned_atを設定する。
	// 既に返却済みの場合はErrVersionConflictを返す。
	CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error
}

// LedgerStore はカタログ（books）と台帳（loans）を保持するストレージ。
type LedgerStore interface {
	// WithinTx はfnを1つの不可分な単位として実行する。
	// fnがnilを返した場合のみコミットし、それ以外はすべての変更を破棄する。
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// GetBook は指定IDの書籍を取得する。見つからない場合はnilを返す。
	GetBook(ctx context.Context, bookID string) (*model.Book, error)

	// CreateBook は書籍をカタログに追加する。
	CreateBook(ctx context.Context, book *model.Book) error

	// ListBooks はID昇順で書籍を返す。afterIDより大きいIDのみを対象とするキーセットページネーション。
	// onlyAvailableがtrueの場合は貸出可能な書籍のみを返す。
	ListBooks(ctx context.Context, onlyAvailable bool, afterID string, limit int) ([]*model.Book, error)

	// GetLoan は指定IDの貸出記録を取得する。見つからない場合はnilを返す。
	GetLoan(ctx context.Context, loanID string) (*model.BorrowRecord, error)

	// ListOpenLoansByUser は利用者の未返却の貸出記録をID昇順で返す。
	ListOpenLoansByUser(ctx context.Context, userID, afterID string, limit int) ([]*model.BorrowRecord, error)

	// ListOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録を期限の古い順に返す。
	ListOverdueLoans(ctx context.Context, now time.Time, limit int) ([]*model.BorrowRecord, error)

	// CountOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録の総数を返す。
	CountOverdueLoans(ctx context.Context, now time.Time) (int, error)

	// Ping はストレージへの疎通を確認する。
	Ping(ctx context.Context) error

	// Close はストレージを閉じる。
	Close() error
}

// MemberRepository は利用者データの永続化インターフェース。
type MemberRepository interface {
	// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Member, error)

	// Create は利用者を作成する。
	Create(ctx context.Context, member *model.Member) error
}

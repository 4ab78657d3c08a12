package ledger

import (
	"context"
	"errors"
)

// 台帳操作が返す型付きエラー。呼び出し側はerrors.Isで判定する。
var (
	// ErrBookNotFound は指定IDの書籍がカタログに存在しない。
	ErrBookNotFound = errors.New("ledger: book not found")
	// ErrUserNotFound は利用者IDをDirectoryで解決できない。
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrAlreadyBorrowed は書籍が貸出中である。
	ErrAlreadyBorrowed = errors.New("ledger: book already borrowed")
	// ErrNotBorrowed は返却対象の未返却記録が存在しない。
	ErrNotBorrowed = errors.New("ledger: book not borrowed")
	// ErrContention は同一書籍への競合が続き、再試行上限に達した。
	ErrContention = errors.New("ledger: contention retry budget exhausted")
	// ErrInconsistentState はAvailableフラグと未返却記録の対応が崩れている。
	// 自動修復はせず、常に呼び出し側へ返す。
	ErrInconsistentState = errors.New("ledger: inconsistent state")
)

// Category はエラーの分類。
type Category string

const (
	CategoryNone         Category = ""
	CategoryNotFound     Category = "not_found"
	CategoryConflict     Category = "conflict"
	CategoryContention   Category = "contention"
	CategoryInconsistent Category = "inconsistent_state"
	CategoryCanceled     Category = "canceled"
	CategorySystem       Category = "system"
)

// CategoryOf はerrを分類する。nilの場合はCategoryNoneを返す。
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrUserNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrAlreadyBorrowed), errors.Is(err, ErrNotBorrowed):
		return CategoryConflict
	case errors.Is(err, ErrContention):
		return CategoryContention
	case errors.Is(err, ErrInconsistentState):
		return CategoryInconsistent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	default:
		return CategorySystem
	}
}

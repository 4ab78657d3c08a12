package ledger

import (
	"context"
	"fmt"
	"iter"

	"github.com/hitoshi/booklend/internal/model"
)

// ListAvailable は貸出可能な書籍をID昇順で列挙する。
// 書籍はページ単位で遅延読み込みされ、返されたシーケンスは何度でも先頭から列挙し直せる。
// 読み込みに失敗した場合はエラーを1回yieldして終了する。
func (l *Ledger) ListAvailable(ctx context.Context) iter.Seq2[*model.Book, error] {
	return l.ListAvailableAfter(ctx, "")
}

// ListAvailableAfter はIDがafterIDより大きい貸出可能な書籍をID昇順で列挙する。
// afterIDが空の場合は先頭から列挙する。ページ単位で続きを取得する呼び出し側が使う。
func (l *Ledger) ListAvailableAfter(ctx context.Context, afterID string) iter.Seq2[*model.Book, error] {
	return paginate(ctx, l, afterID, func(ctx context.Context, afterID string) ([]*model.Book, error) {
		books, err := l.store.ListBooks(ctx, true, afterID, l.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list available books: %w", err)
		}
		return books, nil
	}, func(b *model.Book) string { return b.ID })
}

// ListOutstandingFor は利用者の未返却の貸出記録を列挙する。
// 延滞の判定は呼び出し側でBorrowRecord.IsOverdueを使用して行う。
func (l *Ledger) ListOutstandingFor(ctx context.Context, userID string) iter.Seq2[*model.BorrowRecord, error] {
	return l.ListOutstandingForAfter(ctx, userID, "")
}

// ListOutstandingForAfter は貸出記録IDがafterIDより大きい未返却記録をID昇順で列挙する。
func (l *Ledger) ListOutstandingForAfter(ctx context.Context, userID, afterID string) iter.Seq2[*model.BorrowRecord, error] {
	return paginate(ctx, l, afterID, func(ctx context.Context, afterID string) ([]*model.BorrowRecord, error) {
		recs, err := l.store.ListOpenLoansByUser(ctx, userID, afterID, l.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list outstanding loans: %w", err)
		}
		return recs, nil
	}, func(r *model.BorrowRecord) string { return r.ID })
}

// paginate はキーセットページネーションでfetchを繰り返し呼び出すシーケンスを返す。
// startAfterが空でなければ、そのキーより後から読み始める。
func paginate[T any](ctx context.Context, l *Ledger, startAfter string, fetch func(ctx context.Context, afterID string) ([]T, error), key func(T) string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		afterID := startAfter
		for {
			page, err := readWithRetry(ctx, l.readRetry, func(ctx context.Context) ([]T, error) {
				return fetch(ctx, afterID)
			})
			if err != nil {
				yield(zero, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			afterID = key(page[len(page)-1])
		}
	}
}

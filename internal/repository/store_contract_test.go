package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/booklend/internal/model"
)

// runLedgerStoreContract はすべてのLedgerStore実装が満たすべき振る舞いを検証する。
func runLedgerStoreContract(t *testing.T, newStore func(t *testing.T) LedgerStore) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("CreateBookとGetBook", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)

		book, err := store.GetBook(ctx, "book-1")
		require.NoError(t, err)
		require.NotNil(t, book)
		assert.Equal(t, "Title book-1", book.Title)
		assert.True(t, book.Available)
		assert.Equal(t, int64(1), book.Version)

		missing, err := store.GetBook(ctx, "no-such-book")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("貸出と返却のコミット", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)

		err := store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			book, err := tx.GetBook(ctx, "book-1")
			if err != nil {
				return err
			}
			if err := tx.SetAvailability(ctx, "book-1", false, book.Version, t0); err != nil {
				return err
			}
			return tx.InsertLoan(ctx, openLoan("loan-1", "book-1", "user-1", t0))
		})
		require.NoError(t, err)

		book, err := store.GetBook(ctx, "book-1")
		require.NoError(t, err)
		assert.False(t, book.Available)
		assert.Equal(t, int64(2), book.Version)

		err = store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			open, err := tx.FindOpenLoans(ctx, "book-1")
			if err != nil {
				return err
			}
			if len(open) != 1 {
				return fmt.Errorf("open loans = %d, want 1", len(open))
			}
			book, err := tx.GetBook(ctx, "book-1")
			if err != nil {
				return err
			}
			if err := tx.CloseLoan(ctx, open[0].ID, t0.Add(time.Hour)); err != nil {
				return err
			}
			return tx.SetAvailability(ctx, "book-1", true, book.Version, t0.Add(time.Hour))
		})
		require.NoError(t, err)

		loan, err := store.GetLoan(ctx, "loan-1")
		require.NoError(t, err)
		require.NotNil(t, loan)
		require.NotNil(t, loan.ReturnedAt)
		assert.True(t, loan.ReturnedAt.Equal(t0.Add(time.Hour)))

		book, err = store.GetBook(ctx, "book-1")
		require.NoError(t, err)
		assert.True(t, book.Available)
		assert.Equal(t, int64(3), book.Version)
	})

	t.Run("古いバージョンでの更新は競合", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)

		err := store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			return tx.SetAvailability(ctx, "book-1", false, 99, t0)
		})
		assert.ErrorIs(t, err, ErrVersionConflict)

		book, err := store.GetBook(ctx, "book-1")
		require.NoError(t, err)
		assert.True(t, book.Available)
	})

	t.Run("同一書籍への2件目の未返却記録は競合", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)

		insert := func(loanID string) error {
			return store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
				return tx.InsertLoan(ctx, openLoan(loanID, "book-1", "user-1", t0))
			})
		}
		require.NoError(t, insert("loan-1"))
		assert.ErrorIs(t, insert("loan-2"), ErrVersionConflict)
	})

	t.Run("返却済みの記録は再度閉じられない", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)

		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			return tx.InsertLoan(ctx, openLoan("loan-1", "book-1", "user-1", t0))
		}))
		closeLoan := func() error {
			return store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
				return tx.CloseLoan(ctx, "loan-1", t0.Add(time.Minute))
			})
		}
		require.NoError(t, closeLoan())
		assert.ErrorIs(t, closeLoan(), ErrVersionConflict)
	})

	t.Run("コールバックのエラーで何も反映されない", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)
		errBoom := errors.New("boom")

		err := store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			if err := tx.SetAvailability(ctx, "book-1", false, 1, t0); err != nil {
				return err
			}
			if err := tx.InsertLoan(ctx, openLoan("loan-1", "book-1", "user-1", t0)); err != nil {
				return err
			}
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assertUntouched(t, store, "book-1", "loan-1")
	})

	t.Run("コミット前のキャンセルで何も反映されない", func(t *testing.T) {
		store := newStore(t)
		seedBook(t, store, "book-1", t0)
		ctx, cancel := context.WithCancel(context.Background())

		err := store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			if err := tx.SetAvailability(ctx, "book-1", false, 1, t0); err != nil {
				return err
			}
			if err := tx.InsertLoan(ctx, openLoan("loan-1", "book-1", "user-1", t0)); err != nil {
				return err
			}
			cancel()
			return nil
		})
		assert.Error(t, err)
		assertUntouched(t, store, "book-1", "loan-1")
	})

	t.Run("ListBooksのページングと絞り込み", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"book-c", "book-a", "book-d", "book-b"} {
			seedBook(t, store, id, t0)
		}
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			return tx.SetAvailability(ctx, "book-b", false, 1, t0)
		}))

		page, err := store.ListBooks(ctx, false, "", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"book-a", "book-b"}, bookIDs(page))

		page, err = store.ListBooks(ctx, false, "book-b", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"book-c", "book-d"}, bookIDs(page))

		page, err = store.ListBooks(ctx, true, "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"book-a", "book-c", "book-d"}, bookIDs(page))
	})

	t.Run("利用者の未返却記録と延滞記録", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedBook(t, store, "book-1", t0)
		seedBook(t, store, "book-2", t0)
		seedBook(t, store, "book-3", t0)

		overdue := openLoan("loan-1", "book-1", "user-1", t0)
		overdue.DueAt = t0.Add(time.Hour)
		onTime := openLoan("loan-2", "book-2", "user-1", t0)
		other := openLoan("loan-3", "book-3", "user-2", t0)
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			for _, rec := range []*model.BorrowRecord{overdue, onTime, other} {
				if err := tx.InsertLoan(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		}))

		recs, err := store.ListOpenLoansByUser(ctx, "user-1", "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"loan-1", "loan-2"}, loanIDs(recs))

		recs, err = store.ListOpenLoansByUser(ctx, "user-1", "loan-1", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"loan-2"}, loanIDs(recs))

		recs, err = store.ListOverdueLoans(ctx, t0.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"loan-1"}, loanIDs(recs))

		n, err := store.CountOverdueLoans(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// runMemberRepoContract はMemberRepository実装の振る舞いを検証する。
func runMemberRepoContract(t *testing.T, repo MemberRepository) {
	ctx := context.Background()
	member := &model.Member{
		ID:          "8d4f2c1e-0000-4000-8000-000000000001",
		DisplayName: "Ada",
		Contact:     "ada@example.com",
		CreatedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Create(ctx, member))

	got, err := repo.FindByID(ctx, member.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, "ada@example.com", got.Contact)

	missing, err := repo.FindByID(ctx, "no-such-member")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func seedBook(t *testing.T, store LedgerStore, id string, now time.Time) {
	t.Helper()
	require.NoError(t, store.CreateBook(context.Background(), &model.Book{
		ID:        id,
		Title:     "Title " + id,
		Author:    "Author",
		Available: true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func openLoan(id, bookID, userID string, borrowedAt time.Time) *model.BorrowRecord {
	return &model.BorrowRecord{
		ID:         id,
		BookID:     bookID,
		UserID:     userID,
		BorrowedAt: borrowedAt,
		DueAt:      borrowedAt.Add(14 * 24 * time.Hour),
	}
}

func assertUntouched(t *testing.T, store LedgerStore, bookID, loanID string) {
	t.Helper()
	ctx := context.Background()

	book, err := store.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.True(t, book.Available)
	assert.Equal(t, int64(1), book.Version)

	loan, err := store.GetLoan(ctx, loanID)
	require.NoError(t, err)
	assert.Nil(t, loan)
}

func bookIDs(books []*model.Book) []string {
	ids := make([]string, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}
	return ids
}

func loanIDs(recs []*model.BorrowRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

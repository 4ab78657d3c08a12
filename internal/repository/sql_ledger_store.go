package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hitoshi/booklend/internal/model"
)

// dialect はPostgreSQLとSQLiteの差分を吸収する。
// クエリは$n形式で記述し、rebindでドライバのプレースホルダに変換する。
type dialect struct {
	name       string
	forUpdate  string
	txOptions  *sql.TxOptions
	rebind     func(query string) string
	isConflict func(err error) bool
}

// sqlLedgerStore はdatabase/sqlを使用したLedgerStoreの共通実装。
type sqlLedgerStore struct {
	db      *sql.DB
	dialect dialect
}

const bookColumns = `id, title, author, available, version, created_at, updated_at`

const loanColumns = `id, book_id, user_id, borrowed_at, due_at, returned_at`

// WithinTx はfnを1つのデータベーストランザクション内で実行する。
// fnがエラーを返した場合、またはコンテキストがキャンセルされた場合はロールバックされる。
func (s *sqlLedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, s.dialect.txOptions)
	if err != nil {
		return s.dialect.classify("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlLedgerTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return s.dialect.classify("failed to commit transaction", err)
	}
	return nil
}

// GetBook は指定IDの書籍を取得する。見つからない場合はnilを返す。
func (s *sqlLedgerStore) GetBook(ctx context.Context, bookID string) (*model.Book, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+bookColumns+` FROM books WHERE id = $1`),
		bookID,
	)
	book, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.dialect.classify("failed to find book", err)
	}
	return book, nil
}

// CreateBook は書籍をカタログに追加する。
func (s *sqlLedgerStore) CreateBook(ctx context.Context, book *model.Book) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO books (id, title, author, available, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		book.ID, book.Title, book.Author, book.Available, book.Version, book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		return s.dialect.classify("failed to insert book", err)
	}
	return nil
}

// ListBooks はID昇順で書籍を返す。
func (s *sqlLedgerStore) ListBooks(ctx context.Context, onlyAvailable bool, afterID string, limit int) ([]*model.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE id > $1 ORDER BY id ASC LIMIT $2`
	args := []any{afterID, limit}
	if onlyAvailable {
		query = `SELECT ` + bookColumns + ` FROM books WHERE id > $1 AND available = $2 ORDER BY id ASC LIMIT $3`
		args = []any{afterID, true, limit}
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.dialect.classify("failed to list books", err)
	}
	defer rows.Close()

	var books []*model.Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, s.dialect.classify("failed to scan book row", err)
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify("failed to iterate book rows", err)
	}
	return books, nil
}

// GetLoan は指定IDの貸出記録を取得する。見つからない場合はnilを返す。
func (s *sqlLedgerStore) GetLoan(ctx context.Context, loanID string) (*model.BorrowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+loanColumns+` FROM loans WHERE id = $1`),
		loanID,
	)
	rec, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.dialect.classify("failed to find loan", err)
	}
	return rec, nil
}

// ListOpenLoansByUser は利用者の未返却の貸出記録をID昇順で返す。
func (s *sqlLedgerStore) ListOpenLoansByUser(ctx context.Context, userID, afterID string, limit int) ([]*model.BorrowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT `+loanColumns+` FROM loans
		 WHERE user_id = $1 AND returned_at IS NULL AND id > $2
		 ORDER BY id ASC LIMIT $3`),
		userID, afterID, limit,
	)
	if err != nil {
		return nil, s.dialect.classify("failed to list open loans by user", err)
	}
	return s.collectLoans(rows)
}

// ListOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録を返す。
func (s *sqlLedgerStore) ListOverdueLoans(ctx context.Context, now time.Time, limit int) ([]*model.BorrowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT `+loanColumns+` FROM loans
		 WHERE returned_at IS NULL AND due_at < $1
		 ORDER BY due_at ASC LIMIT $2`),
		now.UTC(), limit,
	)
	if err != nil {
		return nil, s.dialect.classify("failed to list overdue loans", err)
	}
	return s.collectLoans(rows)
}

// CountOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録の総数を返す。
// 条件はListOverdueLoansと同じ。
func (s *sqlLedgerStore) CountOverdueLoans(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM loans WHERE returned_at IS NULL AND due_at < $1`),
		now.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, s.dialect.classify("failed to count overdue loans", err)
	}
	return n, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *sqlLedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *sqlLedgerStore) Close() error {
	return s.db.Close()
}

func (s *sqlLedgerStore) collectLoans(rows *sql.Rows) ([]*model.BorrowRecord, error) {
	defer rows.Close()

	var recs []*model.BorrowRecord
	for rows.Next() {
		rec, err := scanLoan(rows)
		if err != nil {
			return nil, s.dialect.classify("failed to scan loan row", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify("failed to iterate loan rows", err)
	}
	return recs, nil
}

// sqlLedgerTx はトランザクション内のLedgerTx実装。
type sqlLedgerTx struct {
	tx      *sql.Tx
	dialect dialect
}

// GetBook は書籍を取得する。PostgreSQLではFOR UPDATEで行ロックを取得し、
// 同一書籍に対する他のトランザクションをコミットまで待たせる。
func (t *sqlLedgerTx) GetBook(ctx context.Context, bookID string) (*model.Book, error) {
	row := t.tx.QueryRowContext(ctx,
		t.dialect.rebind(`SELECT `+bookColumns+` FROM books WHERE id = $1`+t.dialect.forUpdate),
		bookID,
	)
	book, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, t.dialect.classify("failed to find book for update", err)
	}
	return book, nil
}

// FindOpenLoans は指定書籍の未返却の貸出記録を返す。
func (t *sqlLedgerTx) FindOpenLoans(ctx context.Context, bookID string) ([]*model.BorrowRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		t.dialect.rebind(`SELECT `+loanColumns+` FROM loans
		 WHERE book_id = $1 AND returned_at IS NULL
		 ORDER BY borrowed_at ASC`),
		bookID,
	)
	if err != nil {
		return nil, t.dialect.classify("failed to find open loans", err)
	}
	defer rows.Close()

	var recs []*model.BorrowRecord
	for rows.Next() {
		rec, err := scanLoan(rows)
		if err != nil {
			return nil, t.dialect.classify("failed to scan open loan row", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, t.dialect.classify("failed to iterate open loan rows", err)
	}
	return recs, nil
}

// SetAvailability はバージョン一致を条件にAvailableを更新する。
func (t *sqlLedgerTx) SetAvailability(ctx context.Context, bookID string, available bool, expectedVersion int64, now time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		t.dialect.rebind(`UPDATE books SET available = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`),
		available, now.UTC(), bookID, expectedVersion,
	)
	if err != nil {
		return t.dialect.classify("failed to update book availability", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("book %s moved past version %d: %w", bookID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// InsertLoan は貸出記録を挿入する。
// 未返却記録の部分一意インデックスに違反した場合はErrVersionConflictとなる。
func (t *sqlLedgerTx) InsertLoan(ctx context.Context, rec *model.BorrowRecord) error {
	_, err := t.tx.ExecContext(ctx,
		t.dialect.rebind(`INSERT INTO loans (id, book_id, user_id, borrowed_at, due_at, returned_at)
		 VALUES ($1, $2, $3, $4, $5, NULL)`),
		rec.ID, rec.BookID, rec.UserID, rec.BorrowedAt.UTC(), rec.DueAt.UTC(),
	)
	if err != nil {
		return t.dialect.classify("failed to insert loan", err)
	}
	return nil
}

// CloseLoan は未返却の貸出記録を返却済みにする。
func (t *sqlLedgerTx) CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		t.dialect.rebind(`UPDATE loans SET returned_at = $1 WHERE id = $2 AND returned_at IS NULL`),
		returnedAt.UTC(), loanID,
	)
	if err != nil {
		return t.dialect.classify("failed to close loan", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s already closed: %w", loanID, ErrVersionConflict)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*model.Book, error) {
	book := &model.Book{}
	if err := row.Scan(
		&book.ID, &book.Title, &book.Author, &book.Available, &book.Version,
		&book.CreatedAt, &book.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return book, nil
}

func scanLoan(row rowScanner) (*model.BorrowRecord, error) {
	rec := &model.BorrowRecord{}
	var returnedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.BookID, &rec.UserID, &rec.BorrowedAt, &rec.DueAt, &returnedAt,
	); err != nil {
		return nil, err
	}
	if returnedAt.Valid {
		t := returnedAt.Time
		rec.ReturnedAt = &t
	}
	return rec, nil
}

// classify はドライバのエラーをErrVersionConflict、ErrTransient、またはそれ以外に分類してラップする。
func (d dialect) classify(msg string, err error) error {
	switch {
	case d.isConflict != nil && d.isConflict(err):
		return fmt.Errorf("%s: %w: %w", msg, ErrVersionConflict, err)
	case isTransientDriverError(err):
		return fmt.Errorf("%s: %w: %w", msg, ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

// isTransientDriverError は接続断やネットワークタイムアウトを判定する。
func isTransientDriverError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

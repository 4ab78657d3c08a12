package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/booklend/internal/model"
)

// errStoreClosed はClose後のストアに対する操作で返される。
var errStoreClosed = errors.New("repository: store is closed")

// missingVersion は存在しなかった書籍を読み取ったことを表すバージョン。
const missingVersion int64 = -1

// MemoryLedgerStore はプロセス内メモリを使用したカタログ・台帳ストア。
// トランザクションを持たないストレージの代替として楽観的排他制御を行う:
// 作業単位内の読み取りは書籍のバージョンを記録し、書き込みはコミットまで保留される。
// コミット時に記録したバージョンが変わっていればErrVersionConflictを返し、何も反映しない。
type MemoryLedgerStore struct {
	mu     sync.RWMutex
	books  map[string]*model.Book
	loans  map[string]*model.BorrowRecord
	closed bool
}

// NewMemoryLedgerStore は空のMemoryLedgerStoreを生成する。
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		books: make(map[string]*model.Book),
		loans: make(map[string]*model.BorrowRecord),
	}
}

type stagedAvailability struct {
	bookID          string
	available       bool
	expectedVersion int64
	now             time.Time
}

type stagedClose struct {
	loanID     string
	returnedAt time.Time
}

// memoryTx は1回の作業単位の読み取り集合と保留中の書き込みを保持する。
type memoryTx struct {
	store   *MemoryLedgerStore
	reads   map[string]int64
	avail   []stagedAvailability
	inserts []*model.BorrowRecord
	closes  []stagedClose
}

// WithinTx はfnを楽観的な作業単位として実行する。
// コンテキストがコミット前にキャンセルされた場合は何も反映せずにctx.Err()を返す。
func (s *MemoryLedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx := &memoryTx{store: s, reads: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(ctx, tx)
}

func (s *MemoryLedgerStore) commit(ctx context.Context, tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for bookID, observed := range tx.reads {
		if s.versionOf(bookID) != observed {
			return fmt.Errorf("book %s changed since read: %w", bookID, ErrVersionConflict)
		}
	}
	for _, a := range tx.avail {
		if s.versionOf(a.bookID) != a.expectedVersion {
			return fmt.Errorf("book %s moved past version %d: %w", a.bookID, a.expectedVersion, ErrVersionConflict)
		}
	}

	closing := make(map[string]bool, len(tx.closes))
	for _, c := range tx.closes {
		loan, ok := s.loans[c.loanID]
		if !ok || !loan.IsOpen() {
			return fmt.Errorf("loan %s already closed: %w", c.loanID, ErrVersionConflict)
		}
		closing[c.loanID] = true
	}
	for _, rec := range tx.inserts {
		if _, exists := s.loans[rec.ID]; exists {
			return fmt.Errorf("loan %s already exists", rec.ID)
		}
		for _, loan := range s.loans {
			if loan.BookID == rec.BookID && loan.IsOpen() && !closing[loan.ID] {
				return fmt.Errorf("book %s already has an open loan: %w", rec.BookID, ErrVersionConflict)
			}
		}
	}

	for _, a := range tx.avail {
		book := s.books[a.bookID]
		book.Available = a.available
		book.Version++
		book.UpdatedAt = a.now.UTC()
	}
	for _, c := range tx.closes {
		returnedAt := c.returnedAt.UTC()
		s.loans[c.loanID].ReturnedAt = &returnedAt
	}
	for _, rec := range tx.inserts {
		s.loans[rec.ID] = copyLoan(rec)
	}
	return nil
}

// versionOf は書籍の現在のバージョンを返す。ロック取得済みで呼び出すこと。
func (s *MemoryLedgerStore) versionOf(bookID string) int64 {
	book, ok := s.books[bookID]
	if !ok {
		return missingVersion
	}
	return book.Version
}

// GetBook は書籍を読み取り、観測したバージョンを記録する。
func (t *memoryTx) GetBook(ctx context.Context, bookID string) (*model.Book, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	if err := t.observe(bookID); err != nil {
		return nil, err
	}
	book, ok := t.store.books[bookID]
	if !ok {
		return nil, nil
	}
	return copyBook(book), nil
}

// FindOpenLoans は未返却の貸出記録を読み取る。
// 貸出記録の変化は必ず書籍のバージョン更新を伴うため、書籍のバージョンを読み取り集合に含める。
func (t *memoryTx) FindOpenLoans(ctx context.Context, bookID string) ([]*model.BorrowRecord, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	if err := t.observe(bookID); err != nil {
		return nil, err
	}
	var recs []*model.BorrowRecord
	for _, loan := range t.store.loans {
		if loan.BookID == bookID && loan.IsOpen() {
			recs = append(recs, copyLoan(loan))
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].BorrowedAt.Before(recs[j].BorrowedAt) })
	return recs, nil
}

// observe は読み取り時点のバージョンを記録する。
// 同じ作業単位内で異なるバージョンを観測した場合は即座に競合とする。
func (t *memoryTx) observe(bookID string) error {
	current := t.store.versionOf(bookID)
	if seen, ok := t.reads[bookID]; ok && seen != current {
		return fmt.Errorf("book %s changed during read: %w", bookID, ErrVersionConflict)
	}
	t.reads[bookID] = current
	return nil
}

// SetAvailability はAvailableの更新をコミットまで保留する。
func (t *memoryTx) SetAvailability(ctx context.Context, bookID string, available bool, expectedVersion int64, now time.Time) error {
	t.avail = append(t.avail, stagedAvailability{
		bookID:          bookID,
		available:       available,
		expectedVersion: expectedVersion,
		now:             now,
	})
	return nil
}

// InsertLoan は貸出記録の挿入をコミットまで保留する。
func (t *memoryTx) InsertLoan(ctx context.Context, rec *model.BorrowRecord) error {
	t.inserts = append(t.inserts, copyLoan(rec))
	return nil
}

// CloseLoan は返却日時の設定をコミットまで保留する。
func (t *memoryTx) CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error {
	t.closes = append(t.closes, stagedClose{loanID: loanID, returnedAt: returnedAt})
	return nil
}

// GetBook は指定IDの書籍を取得する。見つからない場合はnilを返す。
func (s *MemoryLedgerStore) GetBook(ctx context.Context, bookID string) (*model.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[bookID]
	if !ok {
		return nil, nil
	}
	return copyBook(book), nil
}

// CreateBook は書籍をカタログに追加する。
func (s *MemoryLedgerStore) CreateBook(ctx context.Context, book *model.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStoreClosed
	}
	if _, exists := s.books[book.ID]; exists {
		return fmt.Errorf("book %s already exists", book.ID)
	}
	s.books[book.ID] = copyBook(book)
	return nil
}

// ListBooks はID昇順で書籍を返す。
func (s *MemoryLedgerStore) ListBooks(ctx context.Context, onlyAvailable bool, afterID string, limit int) ([]*model.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var books []*model.Book
	for _, book := range s.books {
		if book.ID <= afterID {
			continue
		}
		if onlyAvailable && !book.Available {
			continue
		}
		books = append(books, copyBook(book))
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	if limit > 0 && len(books) > limit {
		books = books[:limit]
	}
	return books, nil
}

// GetLoan は指定IDの貸出記録を取得する。見つからない場合はnilを返す。
func (s *MemoryLedgerStore) GetLoan(ctx context.Context, loanID string) (*model.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return nil, nil
	}
	return copyLoan(loan), nil
}

// ListOpenLoansByUser は利用者の未返却の貸出記録をID昇順で返す。
func (s *MemoryLedgerStore) ListOpenLoansByUser(ctx context.Context, userID, afterID string, limit int) ([]*model.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*model.BorrowRecord
	for _, loan := range s.loans {
		if loan.UserID == userID && loan.IsOpen() && loan.ID > afterID {
			recs = append(recs, copyLoan(loan))
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// ListOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録を期限の古い順に返す。
func (s *MemoryLedgerStore) ListOverdueLoans(ctx context.Context, now time.Time, limit int) ([]*model.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*model.BorrowRecord
	for _, loan := range s.loans {
		if loan.IsOverdue(now) {
			recs = append(recs, copyLoan(loan))
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].DueAt.Before(recs[j].DueAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// CountOverdueLoans はnow時点で返却期限を過ぎた未返却の貸出記録の総数を返す。
func (s *MemoryLedgerStore) CountOverdueLoans(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, loan := range s.loans {
		if loan.IsOverdue(now) {
			n++
		}
	}
	return n, nil
}

// Ping はストアが利用可能かを返す。
func (s *MemoryLedgerStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close はストアを閉じる。以降の書き込みはエラーとなる。
func (s *MemoryLedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyBook(b *model.Book) *model.Book {
	c := *b
	return &c
}

func copyLoan(r *model.BorrowRecord) *model.BorrowRecord {
	c := *r
	if r.ReturnedAt != nil {
		t := *r.ReturnedAt
		c.ReturnedAt = &t
	}
	return &c
}

// MemoryMemberRepo はプロセス内メモリを使用した利用者リポジトリ。
type MemoryMemberRepo struct {
	mu      sync.RWMutex
	members map[string]*model.Member
}

// NewMemoryMemberRepo は空のMemoryMemberRepoを生成する。
func NewMemoryMemberRepo() *MemoryMemberRepo {
	return &MemoryMemberRepo{members: make(map[string]*model.Member)}
}

// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
func (r *MemoryMemberRepo) FindByID(ctx context.Context, id string) (*model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, ok := r.members[id]
	if !ok {
		return nil, nil
	}
	c := *member
	return &c, nil
}

// Create は利用者を作成する。
func (r *MemoryMemberRepo) Create(ctx context.Context, member *model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[member.ID]; exists {
		return fmt.Errorf("member %s already exists", member.ID)
	}
	c := *member
	r.members[member.ID] = &c
	return nil
}

// compile-time interface check
var _ LedgerStore = (*MemoryLedgerStore)(nil)
var _ MemberRepository = (*MemoryMemberRepo)(nil)

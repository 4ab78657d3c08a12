// Package catalog は蔵書カタログの登録と参照を提供する。
// 書籍は貸出可能な状態で登録され、以降のAvailableの更新は貸出台帳のみが行う。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/booklend/internal/ledger"
	"github.com/hitoshi/booklend/internal/model"
	"github.com/hitoshi/booklend/internal/repository"
	"github.com/hitoshi/booklend/internal/security"
)

const (
	maxTitleRunes  = 500
	maxAuthorRunes = 300
)

// ErrInvalidBook は書籍の入力内容が不正であることを示す。
var ErrInvalidBook = errors.New("catalog: invalid book")

// Service はカタログ操作のビジネスロジックを提供する。
type Service struct {
	store     repository.LedgerStore
	sanitizer security.TextSanitizer
	now       func() time.Time
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store repository.LedgerStore, sanitizer security.TextSanitizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		sanitizer: sanitizer,
		now:       time.Now,
		logger:    logger,
	}
}

// AddBook は新しい書籍を貸出可能な状態でカタログに登録する。
// 書名・著者名はマークアップを除去して保存する。書名が空になる場合はErrInvalidBookを返す。
func (s *Service) AddBook(ctx context.Context, title, author string) (*model.Book, error) {
	return s.AddBookWithID(ctx, "", title, author)
}

// AddBookWithID は指定IDで書籍を登録する。idが空の場合はUUIDを生成する。
// シードファイルからの取り込みなど、IDを固定したい場合に使用する。
func (s *Service) AddBookWithID(ctx context.Context, id, title, author string) (*model.Book, error) {
	cleanTitle := s.sanitizer.Clean(title, maxTitleRunes)
	if cleanTitle == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	book := &model.Book{
		ID:        id,
		Title:     cleanTitle,
		Author:    s.sanitizer.Clean(author, maxAuthorRunes),
		Available: true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to add book: %w", err)
	}

	s.logger.Info("book added to catalog",
		slog.String("book_id", book.ID),
		slog.String("title", book.Title),
	)
	return book, nil
}

// GetBook は指定IDの書籍を返す。存在しない場合はledger.ErrBookNotFoundを返す。
func (s *Service) GetBook(ctx context.Context, id string) (*model.Book, error) {
	book, err := s.store.GetBook(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBookNotFound, id)
	}
	return book, nil
}

// ListBooks はID昇順で書籍を返す。onlyAvailableがfalseの場合は貸出中の書籍も含む。
func (s *Service) ListBooks(ctx context.Context, onlyAvailable bool, afterID string, limit int) ([]*model.Book, error) {
	books, err := s.store.ListBooks(ctx, onlyAvailable, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

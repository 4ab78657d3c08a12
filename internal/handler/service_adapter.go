package handler

import (
	"context"

	"github.com/hitoshi/booklend/internal/catalog"
	"github.com/hitoshi/booklend/internal/ledger"
	"github.com/hitoshi/booklend/internal/model"
)

// CatalogServiceAdapter は catalog.Service を CatalogServiceInterface に適合させるアダプタ。
// 貸出可能な書籍の絞り込みは台帳（ListAvailable）が担うため、ここでは常に全件を対象にする。
type CatalogServiceAdapter struct {
	svc *catalog.Service
}

// NewCatalogServiceAdapter はCatalogServiceAdapterを生成する。
func NewCatalogServiceAdapter(svc *catalog.Service) *CatalogServiceAdapter {
	return &CatalogServiceAdapter{svc: svc}
}

// AddBook は書籍を登録する。
func (a *CatalogServiceAdapter) AddBook(ctx context.Context, title, author string) (*model.Book, error) {
	return a.svc.AddBook(ctx, title, author)
}

// GetBook は書籍を取得する。
func (a *CatalogServiceAdapter) GetBook(ctx context.Context, id string) (*model.Book, error) {
	return a.svc.GetBook(ctx, id)
}

// ListBooks は全書籍をID昇順で返す。
func (a *CatalogServiceAdapter) ListBooks(ctx context.Context, afterID string, limit int) ([]*model.Book, error) {
	return a.svc.ListBooks(ctx, false, afterID, limit)
}

// --- compile-time interface checks ---

var _ CatalogServiceInterface = (*CatalogServiceAdapter)(nil)
var _ LedgerService = (*ledger.Ledger)(nil)

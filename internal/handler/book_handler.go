package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/booklend/internal/model"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// CatalogServiceInterface は書籍ハンドラーが必要とするカタログ操作。
type CatalogServiceInterface interface {
	// AddBook は書籍を貸出可能な状態で登録する。
	AddBook(ctx context.Context, title, author string) (*model.Book, error)
	// GetBook は書籍を取得する。存在しない場合はledger.ErrBookNotFoundを返す。
	GetBook(ctx context.Context, id string) (*model.Book, error)
	// ListBooks はID昇順で書籍を返す。afterIDより後のみを対象とする。
	ListBooks(ctx context.Context, afterID string, limit int) ([]*model.Book, error)
}

// BookHandler は蔵書カタログのHTTPハンドラー。
type BookHandler struct {
	catalog    CatalogServiceInterface
	ledger     LedgerService
	retryAfter time.Duration
}

// NewBookHandler はBookHandlerを生成する。
func NewBookHandler(catalog CatalogServiceInterface, ledger LedgerService) *BookHandler {
	return &BookHandler{
		catalog:    catalog,
		ledger:     ledger,
		retryAfter: defaultRetryAfter,
	}
}

// bookResponse は書籍のAPIレスポンス。
type bookResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"created_at"`
}

// addBookRequest は書籍登録リクエストのボディ。
type addBookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

func bookKey(b *model.Book) string { return b.ID }

func toBookResponse(b *model.Book) bookResponse {
	return bookResponse{
		ID:        b.ID,
		Title:     b.Title,
		Author:    b.Author,
		Available: b.Available,
		CreatedAt: b.CreatedAt,
	}
}

// ListBooks は書籍一覧をafter/limitのページ単位で返す。
// GET /api/books?available=true は貸出可能な書籍のみ、それ以外は全件。
// 続きがある場合はX-Next-Cursorに次のafterを設定する。
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	onlyAvailable := false
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("available must be a boolean"))
			return
		}
		onlyAvailable = b
	}

	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit must be between 1 and 500"))
		return
	}
	after := q.Get("after")

	var (
		books []*model.Book
		next  string
		err   error
	)
	if onlyAvailable {
		books, next, err = collectPage(h.ledger.ListAvailableAfter(r.Context(), after), limit, bookKey)
	} else {
		books, err = h.catalog.ListBooks(r.Context(), after, limit+1)
		books, next = trimPage(books, limit, bookKey)
	}
	if err != nil {
		handleServiceError(w, r, err, errorContext{}, h.retryAfter)
		return
	}
	setNextCursor(w, next)

	resp := make([]bookResponse, len(books))
	for i, b := range books {
		resp[i] = toBookResponse(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBook は書籍を1件返す。
// GET /api/books/{bookId}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookId")

	book, err := h.catalog.GetBook(r.Context(), bookID)
	if err != nil {
		handleServiceError(w, r, err, errorContext{bookID: bookID}, h.retryAfter)
		return
	}
	writeJSON(w, http.StatusOK, toBookResponse(book))
}

// AddBook は書籍をカタログに登録する。
// POST /api/books
func (h *BookHandler) AddBook(w http.ResponseWriter, r *http.Request) {
	var req addBookRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	book, err := h.catalog.AddBook(r.Context(), req.Title, req.Author)
	if err != nil {
		handleServiceError(w, r, err, errorContext{}, h.retryAfter)
		return
	}
	writeJSON(w, http.StatusCreated, toBookResponse(book))
}

// parseLimit はlimitクエリを解釈する。空の場合はdefaultPageSize。
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultPageSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxPageSize {
		return 0, false
	}
	return n, true
}

package handler

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/booklend/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// nextCursorHeader は続きのページがある場合に次のafterの値を返すレスポンスヘッダー。
const nextCursorHeader = "X-Next-Cursor"

// LedgerService は貸出ハンドラーが必要とする台帳操作。
type LedgerService interface {
	// BorrowBook は書籍を利用者に貸し出す。
	BorrowBook(ctx context.Context, bookID, userID string) (*model.LoanReceipt, error)
	// ReturnBook は書籍の未返却記録を閉じる。
	ReturnBook(ctx context.Context, bookID string) (*model.ReturnReceipt, error)
	// ListAvailableAfter はIDがafterIDより後の貸出可能な書籍をID昇順で列挙する。
	ListAvailableAfter(ctx context.Context, afterID string) iter.Seq2[*model.Book, error]
	// ListOutstandingForAfter は利用者の未返却記録のうちIDがafterIDより後のものを列挙する。
	ListOutstandingForAfter(ctx context.Context, userID, afterID string) iter.Seq2[*model.BorrowRecord, error]
}

// LoanHandler は貸出・返却のHTTPハンドラー。
type LoanHandler struct {
	ledger     LedgerService
	now        func() time.Time
	retryAfter time.Duration
}

// NewLoanHandler はLoanHandlerを生成する。
func NewLoanHandler(ledger LedgerService) *LoanHandler {
	return &LoanHandler{
		ledger:     ledger,
		now:        time.Now,
		retryAfter: defaultRetryAfter,
	}
}

// borrowRequest は貸出リクエストのボディ。
type borrowRequest struct {
	BookID string `json:"book_id"`
	UserID string `json:"user_id"`
}

// loanResponse は貸出成功時のAPIレスポンス。
type loanResponse struct {
	LoanID     string    `json:"loan_id"`
	BookID     string    `json:"book_id"`
	UserID     string    `json:"user_id"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueAt      time.Time `json:"due_at"`
}

// returnResponse は返却成功時のAPIレスポンス。
type returnResponse struct {
	ClosedLoanID        string    `json:"closed_loan_id"`
	BookID              string    `json:"book_id"`
	UserID              string    `json:"user_id"`
	ReturnedAt          time.Time `json:"returned_at"`
	LoanDurationSeconds int64     `json:"loan_duration_seconds"`
}

// outstandingLoanResponse は未返却記録のAPIレスポンス。overdueは応答時点で計算する。
type outstandingLoanResponse struct {
	LoanID     string    `json:"loan_id"`
	BookID     string    `json:"book_id"`
	UserID     string    `json:"user_id"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueAt      time.Time `json:"due_at"`
	Overdue    bool      `json:"overdue"`
}

// BorrowBook は書籍を貸し出す。
// POST /api/loans
func (h *LoanHandler) BorrowBook(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	bookID := strings.TrimSpace(req.BookID)
	userID := strings.TrimSpace(req.UserID)
	if bookID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("book_id is required"))
		return
	}
	if userID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("user_id is required"))
		return
	}

	receipt, err := h.ledger.BorrowBook(r.Context(), bookID, userID)
	if err != nil {
		handleServiceError(w, r, err, errorContext{bookID: bookID, userID: userID}, h.retryAfter)
		return
	}

	writeJSON(w, http.StatusCreated, loanResponse{
		LoanID:     receipt.LoanID,
		BookID:     receipt.BookID,
		UserID:     receipt.UserID,
		BorrowedAt: receipt.BorrowedAt,
		DueAt:      receipt.DueAt,
	})
}

// ReturnBook は書籍を返却する。
// POST /api/loans/{bookId}/return
func (h *LoanHandler) ReturnBook(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookId")

	receipt, err := h.ledger.ReturnBook(r.Context(), bookID)
	if err != nil {
		handleServiceError(w, r, err, errorContext{bookID: bookID}, h.retryAfter)
		return
	}

	writeJSON(w, http.StatusOK, returnResponse{
		ClosedLoanID:        receipt.ClosedLoanID,
		BookID:              receipt.BookID,
		UserID:              receipt.UserID,
		ReturnedAt:          receipt.ReturnedAt,
		LoanDurationSeconds: int64(receipt.LoanDuration / time.Second),
	})
}

// ListOutstanding は利用者の未返却記録をafter/limitのページ単位で返す。
// 続きがある場合はX-Next-Cursorに次のafterを設定する。
// GET /api/loans?user_id=...
func (h *LoanHandler) ListOutstanding(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("user_id is required"))
		return
	}
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit must be between 1 and 500"))
		return
	}

	loans, next, err := collectPage(h.ledger.ListOutstandingForAfter(r.Context(), userID, q.Get("after")), limit,
		func(rec *model.BorrowRecord) string { return rec.ID })
	if err != nil {
		handleServiceError(w, r, err, errorContext{userID: userID}, h.retryAfter)
		return
	}
	setNextCursor(w, next)

	now := h.now()
	resp := make([]outstandingLoanResponse, len(loans))
	for i, loan := range loans {
		resp[i] = outstandingLoanResponse{
			LoanID:     loan.ID,
			BookID:     loan.BookID,
			UserID:     loan.UserID,
			BorrowedAt: loan.BorrowedAt,
			DueAt:      loan.DueAt,
			Overdue:    loan.IsOverdue(now),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// collect はシーケンスを最大limit件までスライスに集める。途中のエラーはそのまま返す。
func collect[T any](seq iter.Seq2[T, error], limit int) ([]T, error) {
	out := make([]T, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// collectPage はシーケンスからlimit件を集める。limit件を超える要素があれば、
// 最後に返した要素のキーを次ページのカーソルとして返す。
func collectPage[T any](seq iter.Seq2[T, error], limit int, key func(T) string) ([]T, string, error) {
	items, err := collect(seq, limit+1)
	if err != nil {
		return nil, "", err
	}
	items, next := trimPage(items, limit, key)
	return items, next, nil
}

// trimPage はlimit+1件まで取得したitemsをlimit件に切り詰め、続きがあれば次のカーソルを返す。
func trimPage[T any](items []T, limit int, key func(T) string) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, key(items[limit-1])
}

func setNextCursor(w http.ResponseWriter, next string) {
	if next != "" {
		w.Header().Set(nextCursorHeader, next)
	}
}

// decodeJSONBody はリクエストボディをJSONとして読み込む。失敗時は400を書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: model.CategoryValidation,
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

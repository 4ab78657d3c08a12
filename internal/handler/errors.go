package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/booklend/internal/catalog"
	"github.com/hitoshi/booklend/internal/ledger"
	"github.com/hitoshi/booklend/internal/middleware"
	"github.com/hitoshi/booklend/internal/model"
	"github.com/hitoshi/booklend/internal/repository"
)

// defaultRetryAfter は503応答のRetry-Afterに設定する既定値。
const defaultRetryAfter = time.Second

// errorContext はエラーメッセージに埋め込む対象ID。
type errorContext struct {
	bookID string
	userID string
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError は台帳・カタログから返されたエラーをHTTPステータスとAPIErrorに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, ec errorContext, retryAfter time.Duration) {
	switch {
	case errors.Is(err, ledger.ErrBookNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewBookNotFoundError(ec.bookID))
	case errors.Is(err, ledger.ErrUserNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError(ec.userID))
	case errors.Is(err, ledger.ErrAlreadyBorrowed):
		writeAPIErrorResponse(w, http.StatusConflict, model.NewAlreadyBorrowedError(ec.bookID))
	case errors.Is(err, ledger.ErrNotBorrowed):
		writeAPIErrorResponse(w, http.StatusConflict, model.NewNotBorrowedError(ec.bookID))
	case errors.Is(err, ledger.ErrContention):
		middleware.WriteRetryableError(w, retryAfter, model.NewContentionError())
	case errors.Is(err, ledger.ErrInconsistentState):
		// 詳細はログのみ。台帳側でもERRORで記録済み
		slog.ErrorContext(r.Context(), "ledger inconsistency surfaced to client",
			slog.String("book_id", ec.bookID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInconsistentStateError())
	case errors.Is(err, catalog.ErrInvalidBook):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
	case errors.Is(err, repository.ErrTransient), ledger.CategoryOf(err) == ledger.CategoryCanceled:
		slog.WarnContext(r.Context(), "request not completed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteRetryableError(w, retryAfter, model.NewUnavailableError())
	default:
		slog.ErrorContext(r.Context(), "internal server error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

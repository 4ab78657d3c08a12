// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: not_found, conflict, contention, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeBookNotFound      = "BOOK_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeAlreadyBorrowed   = "ALREADY_BORROWED"
	ErrCodeNotBorrowed       = "NOT_BORROWED"
	ErrCodeContention        = "CONTENTION"
	ErrCodeInconsistentState = "INCONSISTENT_STATE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// エラーカテゴリ
const (
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryContention = "contention"
	CategoryValidation = "validation"
	CategorySystem     = "system"
)

// NewBookNotFoundError は書籍未検出エラーを生成する。
func NewBookNotFoundError(bookID string) *APIError {
	return &APIError{
		Code:     ErrCodeBookNotFound,
		Message:  fmt.Sprintf("指定された書籍が見つかりません: %s", bookID),
		Category: CategoryNotFound,
		Action:   "書籍IDを確認してください。",
	}
}

// NewUserNotFoundError は利用者が見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定された利用者が見つかりません: %s", userID),
		Category: CategoryNotFound,
		Action:   "利用者IDを確認してください。",
	}
}

// NewAlreadyBorrowedError は書籍が貸出中の場合のエラーを生成する。
func NewAlreadyBorrowedError(bookID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyBorrowed,
		Message:  fmt.Sprintf("この書籍は既に貸出中です: %s", bookID),
		Category: CategoryConflict,
		Action:   "返却されるまでお待ちください。",
	}
}

// NewNotBorrowedError は返却対象の貸出が存在しない場合のエラーを生成する。
func NewNotBorrowedError(bookID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotBorrowed,
		Message:  fmt.Sprintf("この書籍は現在貸出されていません: %s", bookID),
		Category: CategoryConflict,
		Action:   "書籍IDを確認してください。",
	}
}

// NewContentionError は同一書籍への同時操作が集中し、再試行上限に達した場合のエラーを生成する。
func NewContentionError() *APIError {
	return &APIError{
		Code:     ErrCodeContention,
		Message:  "同じ書籍への操作が集中しています。",
		Category: CategoryContention,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInconsistentStateError は台帳の不整合を検出した場合のエラーを生成する。
// 詳細はログにのみ記録し、利用者には一般的なメッセージを返す。
func NewInconsistentStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInconsistentState,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "管理者に連絡してください。",
	}
}

// NewUnavailableError はストレージや利用者ディレクトリが一時的に応答しない場合のエラーを生成する。
func NewUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  "サービスが一時的に利用できません。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// Package model はドメインモデルを定義する。
package model

import "time"

// BorrowRecord は1回の貸出サイクルを表す台帳エントリ。
// ReturnedAtがnilの間は「未返却（open）」であり、一度設定されると再オープンされない。
type BorrowRecord struct {
	ID         string
	BookID     string
	UserID     string
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
}

// IsOpen は未返却の貸出かどうかを返す。
func (r *BorrowRecord) IsOpen() bool {
	return r.ReturnedAt == nil
}

// IsOverdue は指定時刻において返却期限を過ぎた未返却の貸出かどうかを返す。
// 延滞は保存されず、呼び出し側が都度計算する。
func (r *BorrowRecord) IsOverdue(now time.Time) bool {
	return r.IsOpen() && now.After(r.DueAt)
}

// LoanReceipt は貸出成功時に返される控え。
type LoanReceipt struct {
	LoanID     string
	BookID     string
	UserID     string
	BorrowedAt time.Time
	DueAt      time.Time
}

// ReturnReceipt は返却成功時に返される控え。
type ReturnReceipt struct {
	ClosedLoanID string
	BookID       string
	UserID       string
	ReturnedAt   time.Time
	LoanDuration time.Duration
}

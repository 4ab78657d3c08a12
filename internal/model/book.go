// Package model はドメインモデルを定義する。
package model

import "time"

// Book は蔵書カタログの1冊を表す。
// Availableは未返却の貸出記録が存在しない場合にのみtrueとなる派生フラグで、
// 貸出台帳（ledger）以外から直接更新してはならない。
type Book struct {
	ID        string
	Title     string
	Author    string
	Available bool
	// Version は楽観的排他制御用のバージョン。Availableが反転するたびに加算される。
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

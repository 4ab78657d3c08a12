// Package model はドメインモデルを定義する。
package model

import "time"

// Member はディレクトリで解決される利用者を表す。
// 台帳が必要とするのは存在とIDのみで、表示名や連絡先は表示用のメタデータ。
type Member struct {
	ID          string
	DisplayName string
	Contact     string
	CreatedAt   time.Time
}

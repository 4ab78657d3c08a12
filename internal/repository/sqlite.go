package repository

import (
	"database/sql"
	"errors"
	"regexp"

	"github.com/mattn/go-sqlite3"
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

var sqliteDialect = dialect{
	name: "sqlite3",
	// SQLiteには行ロックがないため、_txlock=immediateによる書き込みロックとバージョン比較で直列化する。
	forUpdate:  "",
	txOptions:  nil,
	rebind:     rebindQuestion,
	isConflict: isSQLiteConflict,
}

// rebindQuestion は$n形式のプレースホルダを?に置き換える。
// 各プレースホルダは出現順に1回ずつ使用されている前提。
func rebindQuestion(query string) string {
	return placeholderPattern.ReplaceAllString(query, "?")
}

// isSQLiteConflict はロック競合または一意制約違反を判定する。
func isSQLiteConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy ||
		sqliteErr.Code == sqlite3.ErrLocked ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// SQLiteLedgerStore はSQLiteを使用したカタログ・台帳ストア。
// 単一ノード運用や開発環境向け。
type SQLiteLedgerStore struct {
	sqlLedgerStore
}

// NewSQLiteLedgerStore はSQLiteLedgerStoreを生成する。
// dbは_txlock=immediateを指定して開かれている必要がある（database.OpenSQLite参照）。
func NewSQLiteLedgerStore(db *sql.DB) *SQLiteLedgerStore {
	return &SQLiteLedgerStore{sqlLedgerStore{db: db, dialect: sqliteDialect}}
}

// SQLiteMemberRepo はSQLiteを使用した利用者リポジトリ。
type SQLiteMemberRepo struct {
	sqlMemberRepo
}

// NewSQLiteMemberRepo はSQLiteMemberRepoを生成する。
func NewSQLiteMemberRepo(db *sql.DB) *SQLiteMemberRepo {
	return &SQLiteMemberRepo{sqlMemberRepo{db: db, dialect: sqliteDialect}}
}

// compile-time interface check
var _ LedgerStore = (*SQLiteLedgerStore)(nil)
var _ MemberRepository = (*SQLiteMemberRepo)(nil)

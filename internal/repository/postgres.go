package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgreSQLのSQLSTATE
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

var postgresDialect = dialect{
	name:       "postgres",
	forUpdate:  " FOR UPDATE",
	txOptions:  &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	rebind:     func(query string) string { return query },
	isConflict: isPostgresConflict,
}

// isPostgresConflict は同時実行による競合を示すPostgreSQLエラーかを判定する。
func isPostgresConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case pqUniqueViolation, pqSerializationFailure, pqDeadlockDetected:
		return true
	default:
		return false
	}
}

// PostgresLedgerStore はPostgreSQLを使用したカタログ・台帳ストア。
// 書籍行のFOR UPDATEロックとバージョン比較、および未返却記録の部分一意インデックスで
// 同一書籍への貸出・返却を直列化する。
type PostgresLedgerStore struct {
	sqlLedgerStore
}

// NewPostgresLedgerStore はPostgresLedgerStoreを生成する。
func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{sqlLedgerStore{db: db, dialect: postgresDialect}}
}

// PostgresMemberRepo はPostgreSQLを使用した利用者リポジトリ。
type PostgresMemberRepo struct {
	sqlMemberRepo
}

// NewPostgresMemberRepo はPostgresMemberRepoを生成する。
func NewPostgresMemberRepo(db *sql.DB) *PostgresMemberRepo {
	return &PostgresMemberRepo{sqlMemberRepo{db: db, dialect: postgresDialect}}
}

// compile-time interface check
var _ LedgerStore = (*PostgresLedgerStore)(nil)
var _ MemberRepository = (*PostgresMemberRepo)(nil)

package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/booklend/internal/model"
)

// sqlMemberRepo はdatabase/sqlを使用したMemberRepositoryの共通実装。
type sqlMemberRepo struct {
	db      *sql.DB
	dialect dialect
}

// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
func (r *sqlMemberRepo) FindByID(ctx context.Context, id string) (*model.Member, error) {
	member := &model.Member{}
	err := r.db.QueryRowContext(ctx,
		r.dialect.rebind(`SELECT id, display_name, contact, created_at FROM members WHERE id = $1`),
		id,
	).Scan(&member.ID, &member.DisplayName, &member.Contact, &member.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, r.dialect.classify("failed to find member by ID", err)
	}

	return member, nil
}

// Create は利用者を作成する。
func (r *sqlMemberRepo) Create(ctx context.Context, member *model.Member) error {
	_, err := r.db.ExecContext(ctx,
		r.dialect.rebind(`INSERT INTO members (id, display_name, contact, created_at)
		 VALUES ($1, $2, $3, $4)`),
		member.ID, member.DisplayName, member.Contact, member.CreatedAt,
	)
	if err != nil {
		return r.dialect.classify("failed to insert member", err)
	}
	return nil
}

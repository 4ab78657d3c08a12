// Package directory は利用者IDを利用者情報に解決するDirectoryの実装を提供する。
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/booklend/internal/model"
	"github.com/hitoshi/booklend/internal/repository"
	"github.com/hitoshi/booklend/internal/security"
)

// ErrInvalidMember は利用者の入力内容が不正であることを示す。
var ErrInvalidMember = errors.New("directory: invalid member")

// StoreDirectory はmembersテーブルを参照するDirectory。
type StoreDirectory struct {
	repo      repository.MemberRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
	logger    *slog.Logger
}

// NewStoreDirectory はStoreDirectoryを生成する。
func NewStoreDirectory(repo repository.MemberRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *StoreDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreDirectory{
		repo:      repo,
		sanitizer: sanitizer,
		now:       time.Now,
		logger:    logger,
	}
}

// Resolve は利用者を取得する。見つからない場合は(nil, nil)を返す。
func (d *StoreDirectory) Resolve(ctx context.Context, userID string) (*model.Member, error) {
	member, err := d.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve member: %w", err)
	}
	return member, nil
}

// Register は新しい利用者を登録する。IDはUUIDで生成し、連絡先はメタデータとしてのみ保持する。
func (d *StoreDirectory) Register(ctx context.Context, displayName, contact string) (*model.Member, error) {
	return d.RegisterWithID(ctx, "", displayName, contact)
}

// RegisterWithID は指定IDで利用者を登録する。idが空の場合はUUIDを生成する。
func (d *StoreDirectory) RegisterWithID(ctx context.Context, id, displayName, contact string) (*model.Member, error) {
	name := d.sanitizer.Clean(displayName, 200)
	if name == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalidMember)
	}
	if id == "" {
		id = uuid.New().String()
	}

	member := &model.Member{
		ID:          id,
		DisplayName: name,
		Contact:     d.sanitizer.Clean(contact, 320),
		CreatedAt:   d.now().UTC().Truncate(time.Microsecond),
	}
	if err := d.repo.Create(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to register member: %w", err)
	}

	d.logger.Info("member registered", slog.String("member_id", member.ID))
	return member, nil
}

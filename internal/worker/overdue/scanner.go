// Package overdue は返却期限を過ぎた貸出の定期スキャンを提供する。
// スキャンは読み取りのみで、台帳の状態を変更しない。
package overdue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/booklend/internal/model"
)

// defaultScanLimit は1回のスキャンでログ出力のために読み込む延滞記録の上限。
const defaultScanLimit = 1000

// LoanReader は延滞中の貸出記録を読み取る。
type LoanReader interface {
	ListOverdueLoans(ctx context.Context, now time.Time, limit int) ([]*model.BorrowRecord, error)
	CountOverdueLoans(ctx context.Context, now time.Time) (int, error)
}

// GaugeSetter は延滞数を公開する。
type GaugeSetter interface {
	SetOverdueLoans(count int)
}

// Scanner は延滞中の貸出を定期的に数え、ログとメトリクスに記録する。
type Scanner struct {
	loans  LoanReader
	gauge  GaugeSetter
	logger *slog.Logger
	now    func() time.Time
	// Limit は1回のスキャンで個別にログ出力する件数の上限（デフォルト: 1000）。
	// ゲージには上限に関係なく総数が入る。
	Limit int
}

// NewScanner は新しいScannerを生成する。
func NewScanner(loans LoanReader, gauge GaugeSetter, logger *slog.Logger) *Scanner {
	return &Scanner{
		loans:  loans,
		gauge:  gauge,
		logger: logger,
		now:    time.Now,
		Limit:  defaultScanLimit,
	}
}

// Start はintervalごとにスキャンを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (s *Scanner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("延滞スキャンを開始しました", slog.Duration("interval", interval))

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("延滞スキャンを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scanner) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("延滞スキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は延滞中の貸出を1回スキャンし、延滞の総数を返す。
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.now()

	total, err := s.loans.CountOverdueLoans(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("延滞件数の取得に失敗: %w", err)
	}

	loans, err := s.loans.ListOverdueLoans(ctx, now, s.Limit)
	if err != nil {
		return 0, fmt.Errorf("延滞記録の取得に失敗: %w", err)
	}

	for _, loan := range loans {
		s.logger.Warn("延滞中の貸出があります",
			slog.String("loan_id", loan.ID),
			slog.String("book_id", loan.BookID),
			slog.String("user_id", loan.UserID),
			slog.Time("due_at", loan.DueAt),
			slog.Duration("overdue_by", now.Sub(loan.DueAt)),
		)
	}
	if total > len(loans) {
		s.logger.Warn("延滞記録が上限を超えたため一部のみログ出力しました",
			slog.Int("limit", s.Limit),
			slog.Int("logged", len(loans)),
		)
	}

	s.gauge.SetOverdueLoans(total)
	s.logger.Info("延滞スキャンが完了しました",
		slog.Int("overdue_count", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/booklend/internal/repository"
)

const (
	defaultMaxAttempts     = 5
	defaultBaseDelay       = 10 * time.Millisecond
	defaultJitterFactor    = 0.3
	defaultReadMaxAttempts = 3
)

// retryPolicy は指数バックオフの設定。
type retryPolicy struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

// delay はattempt回目（1始まり）の再試行前の待機時間を返す。
// baseDelay * 2^(attempt-1) にjitterFactor分のゆらぎを加える。
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay * time.Duration(1<<(attempt-1))
	if p.jitterFactor > 0 && d > 0 {
		d += time.Duration(rand.Float64() * float64(d) * p.jitterFactor)
	}
	return d
}

// wait はdelayだけ待機する。コンテキストが先に終了した場合はctx.Err()を返す。
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryOnConflict はfnを実行し、ErrVersionConflictの場合のみ操作全体を先頭からやり直す。
// 上限に達した場合はErrContentionを返す。それ以外のエラーは即座に返す。
// onRetryは再試行の直前に呼ばれる。
func retryOnConflict(ctx context.Context, p retryPolicy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if err := wait(ctx, p.delay(attempt)); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, repository.ErrVersionConflict) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrContention, p.maxAttempts, lastErr)
}

// readWithRetry は冪等な読み取りfnを、ErrTransientの場合に限り再試行する。
func readWithRetry[T any](ctx context.Context, p retryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, p.delay(attempt)); werr != nil {
				return result, werr
			}
		}
		result, err = fn(ctx)
		if err == nil || !errors.Is(err, repository.ErrTransient) {
			return result, err
		}
	}
	return result, err
}

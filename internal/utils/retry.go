package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryWithBackoff 执行 operation，失败后以 1.5 倍指数退避最多重试 maxRetries 次。
// 全部失败时返回的错误包装最后一次失败的原因
func RetryWithBackoff(ctx context.Context, operationName string, maxRetries int, initialBackoff time.Duration, maxBackoff time.Duration, operation func() error) error {
	lastErr := operation()
	if lastErr == nil {
		return nil
	}
	if maxRetries <= 0 {
		return fmt.Errorf("%s failed (no retries): %w", operationName, lastErr)
	}
	slog.Debug("initial attempt failed, will retry", "operation", operationName, "error", lastErr)

	backoff := initialBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if lastErr = operation(); lastErr == nil {
			slog.Debug("operation successful after retry", "operation", operationName, "attempt", attempt)
			return nil
		}
		slog.Debug("retry attempt failed", "operation", operationName, "error", lastErr, "attempt", attempt)

		backoff = min(time.Duration(float64(backoff)*1.5), maxBackoff)
	}

	return fmt.Errorf("%s failed after %d retries: %w", operationName, maxRetries, lastErr)
}

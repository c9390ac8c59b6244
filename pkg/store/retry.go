package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// withRetry runs op with exponential backoff on connection-level failures.
// Only idempotent operations go through here. Non-retryable errors pass
// through unchanged; exhaustion wraps the last error in ErrUnavailable.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	var lastErr error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isUnavailable(err) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}, backoff.WithContext(b, ctx))

	if err != nil && isUnavailable(err) {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	}
	return err
}

// isUnavailable classifies connection-level failures that are worth
// retrying. Constraint violations, syntax errors, and ctx cancellation
// are not.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 57P01: admin shutdown.
		// 53300: too many connections.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Package resilience provides retry with exponential backoff for the
// command layer. The engine packages never retry internally; whether a
// storage failure is transient is a caller decision, so this lives with
// the callers.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clearframe/risk-engine/internal/model"
)

// IsTransient reports whether the error looks like a transient storage
// failure worth retrying. Validation and not-found errors are never
// transient, nor is context cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if model.IsValidation(err) || model.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Postgres: connection exceptions (class 08), insufficient resources
	// (class 53), admin shutdown / crash recovery (57P01..57P03).
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P") {
			return true
		}
		return false
	}

	// SQLite busy/locked and pooled-connection teardown surface as text.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"database table is locked",
		"conn busy",
		"conn closed",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

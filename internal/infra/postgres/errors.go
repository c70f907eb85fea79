package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"corpus-dispatch/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps driver errors onto the domain taxonomy so callers can
// decide between retrying and surfacing.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStaleReport) || errors.Is(err, domain.ErrIntegrity) ||
		errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23503":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrIntegrity, err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrAlreadyExists, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			pgErr.Code == "57P01", pgErr.Code == "53300", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrClaimLost is returned when a batch mutation matches no row because the
// batch is no longer in parsing or is now claimed by another worker.
var ErrClaimLost = errors.New("batch claim lost")

// ErrStatementTimeout marks a statement cancelled by the per-statement
// timeout, either client-side (context deadline) or server-side.
var ErrStatementTimeout = errors.New("statement timeout")

// pgQueryCanceled is SQLSTATE query_canceled, raised for statement_timeout.
const pgQueryCanceled = "57014"

// wrap annotates err with the operation name and folds timeouts into
// ErrStatementTimeout so callers can match on a single sentinel.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgQueryCanceled {
		return fmt.Errorf("%s: %w: %v", op, ErrStatementTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrStatementTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

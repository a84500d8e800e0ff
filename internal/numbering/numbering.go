// Package numbering produces human-readable, day-scoped document codes of the
// form PREFIX+YYYYMMDD+NNNN. Allocation is optimistic: the generator reads the
// current maximum for the day and proposes the next number; the caller inserts
// under a unique constraint and retries on collision.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// Kind identifies the document family a code belongs to.
type Kind string

const (
	KindProductionPlan     Kind = "PP"
	KindManufacturingOrder Kind = "MO"
	KindWorkOrder          Kind = "WO"
	KindMaterialIssue      Kind = "MI"
	KindSubcontractOrder   Kind = "SC"
	KindSubcontractReceipt Kind = "SR"
)

// MaxAttempts bounds the insert-retry loop on numbering collisions.
const MaxAttempts = 5

const suffixWidth = 4

// ErrSequenceConflict is returned when the retry budget is exhausted. It is
// safe for the user to resubmit the request.
var ErrSequenceConflict = fmt.Errorf("%w: document numbering conflict, please retry", shared.ErrConflict)

// CodeSource looks up the lexicographically greatest existing code with the
// given prefix, or "" when none exists. Fixed-width zero padding makes the
// lexicographic maximum the numeric maximum.
type CodeSource interface {
	LastCode(ctx context.Context, kind Kind, prefix string) (string, error)
}

// Generator allocates the next code per kind and day.
type Generator struct {
	source CodeSource
}

// NewGenerator builds a Generator over the given source.
func NewGenerator(source CodeSource) *Generator {
	return &Generator{source: source}
}

// DayPrefix returns the code prefix for a kind on a given day.
func DayPrefix(kind Kind, date time.Time) string {
	return string(kind) + date.Format("20060102")
}

// Next proposes the next code for kind on the given day. Concurrent callers
// may receive the same proposal; uniqueness is enforced by the insert.
func (g *Generator) Next(ctx context.Context, kind Kind, date time.Time) (string, error) {
	prefix := DayPrefix(kind, date)
	last, err := g.source.LastCode(ctx, kind, prefix)
	if err != nil {
		return "", fmt.Errorf("lookup last code %s: %w", prefix, err)
	}
	next := 1
	if last != "" {
		n, err := parseSuffix(last, prefix)
		if err != nil {
			return "", err
		}
		next = n + 1
	}
	return fmt.Sprintf("%s%0*d", prefix, suffixWidth, next), nil
}

func parseSuffix(code, prefix string) (int, error) {
	raw := strings.TrimPrefix(code, prefix)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed code %q for prefix %s: %w", code, prefix, err)
	}
	return n, nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// failure, the only error kind the numbering retry loop may swallow.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// WithRetry wraps fn in the bounded optimistic-retry loop. fn is expected to
// generate a fresh code and attempt the insert; only unique violations are
// retried. Exhaustion maps to ErrSequenceConflict.
func WithRetry(fn func() error) error {
	err := shared.Attempt(MaxAttempts, IsUniqueViolation, fn)
	if err != nil && IsUniqueViolation(err) {
		return ErrSequenceConflict
	}
	return err
}

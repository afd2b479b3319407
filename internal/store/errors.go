package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// The store reports duplicate-key violations in the error body rather than
// with a dedicated status, so callers match on this phrase.
const duplicateKeyPhrase = "duplicate key value violates unique constraint"

// Error is a classified store failure.
type Error struct {
	Op        string
	Table     string
	Status    int
	Body      string
	Err       error
	Duplicate bool // idempotent retry — treat as success
	Transient bool // network / 5xx / 429 — retry or trip the circuit
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store %s %s: status %d: %s", e.Op, e.Table, e.Status, truncate(e.Body, 200))
}

func (e *Error) Unwrap() error { return e.Err }

// IsDuplicateKey reports whether err is a duplicate-key violation.
func IsDuplicateKey(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Duplicate
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Transient
}

func isDuplicateBody(body string) bool {
	return strings.Contains(body, duplicateKeyPhrase)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ————— predicate helpers —————
//
// PostgREST predicates are "op.value" strings keyed by column. These helpers
// keep call sites readable and timestamps consistently RFC3339/UTC.

// Eq matches a column exactly.
func Eq(v string) string { return "eq." + v }

// In matches any of the given values.
func In(vs []string) string { return "in.(" + strings.Join(vs, ",") + ")" }

// Gt matches timestamps strictly after t.
func Gt(t time.Time) string { return "gt." + Iso(t) }

// Gte matches timestamps at or after t.
func Gte(t time.Time) string { return "gte." + Iso(t) }

// Lte matches timestamps at or before t.
func Lte(t time.Time) string { return "lte." + Iso(t) }

// Iso formats a timestamp the way the store expects.
func Iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation on
// Postgres or SQLite. When names are given, one of them must match the
// constraint name or appear in the error text (SQLite reports table.column).
func IsUniqueViolation(err error, names ...string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return false
		}
		return matchesAny(names, func(name string) bool {
			return pgErr.ConstraintName == name || strings.Contains(pgErr.Message, name)
		})
	}

	msg := err.Error()
	unique := strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
	if !unique {
		return false
	}
	return matchesAny(names, func(name string) bool { return strings.Contains(msg, name) })
}

func matchesAny(names []string, match func(string) bool) bool {
	checked := false
	for _, name := range names {
		if name == "" {
			continue
		}
		checked = true
		if match(name) {
			return true
		}
	}
	return !checked
}

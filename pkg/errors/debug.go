package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres holds the server-side details of a failed statement.
type Postgres struct {
	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

// ErrorDump is what handlers log in place of request payloads, so webhook
// bodies and provider secrets stay out of the logs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`
	Postgres
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error(), Chain: unwrapChain(err)}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	if pg, ok := postgresDetails(err); ok {
		d.Postgres = pg
	}
	return d
}

func unwrapChain(err error) []string {
	var out []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		out = append(out, fmt.Sprintf("%T: %v", e, e))
	}
	return out
}

// postgresDetails understands both the pgx driver gorm uses and lib/pq.
func postgresDetails(err error) (Postgres, bool) {
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) {
		return Postgres{
			PGCode:       pgErr.Code,
			PGConstraint: pgErr.ConstraintName,
			PGTable:      pgErr.TableName,
			PGColumn:     pgErr.ColumnName,
			PGDetail:     pgErr.Detail,
			PGMessage:    pgErr.Message,
		}, true
	}
	if pqErr := (*pq.Error)(nil); errors.As(err, &pqErr) {
		return Postgres{
			PGCode:       string(pqErr.Code),
			PGConstraint: pqErr.Constraint,
			PGTable:      pqErr.Table,
			PGColumn:     pqErr.Column,
			PGDetail:     pqErr.Detail,
			PGMessage:    pqErr.Message,
		}, true
	}
	return Postgres{}, false
}

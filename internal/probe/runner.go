// Package probe runs the connectivity check against a pool.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"pgprobe/internal/db"
	"pgprobe/internal/platform/apperr"
)

const (
	// Query reads the catalog name, which equals the current database.
	Query = "SELECT * FROM information_schema.information_schema_catalog_name"

	// StatementName is the name Query is prepared under.
	StatementName = "pgprobe_introspection"
)

// Conn is the part of *pgx.Conn the runner uses.
type Conn interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Source checks out a connection and returns a func that gives it back.
type Source func(ctx context.Context) (Conn, func(), error)

// PoolSource checks connections out of p.
func PoolSource(p *db.Pool) Source {
	return func(ctx context.Context) (Conn, func(), error) {
		c, err := p.Checkout(ctx)
		if err != nil {
			return nil, nil, err
		}
		return c.Conn(), c.Release, nil
	}
}

// Result is what a successful run observed.
type Result struct {
	Rows     []string
	Duration time.Duration
}

// Runner executes the introspection query once per Run.
type Runner struct {
	log    *zap.Logger
	source Source
}

func New(log *zap.Logger, source Source) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log, source: source}
}

// Run checks out one connection, prepares and executes Query and logs
// column 0 of every row at info level. The connection is released on every
// path.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	if r.source == nil {
		return Result{}, apperr.New(apperr.ErrConnection, "checkout", errors.New("no connection source"))
	}

	conn, release, err := r.source(ctx)
	if err != nil {
		if apperr.KindOf(err) == nil {
			err = apperr.New(apperr.ErrConnection, "checkout", err)
		}
		return Result{}, err
	}
	if release != nil {
		defer release()
	}

	if _, err := conn.Prepare(ctx, StatementName, Query); err != nil {
		return Result{}, apperr.New(apperr.ErrQuery, "prepare", err)
	}

	rows, err := conn.Query(ctx, StatementName)
	if err != nil {
		return Result{}, apperr.New(apperr.ErrQuery, "execute", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return Result{}, apperr.New(apperr.ErrDecode, fmt.Sprintf("row %d column 0", len(out)), err)
		}
		r.log.Info("introspection row", zap.Int("row", len(out)), zap.String("value", v))
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return Result{}, apperr.New(apperr.ErrQuery, "read rows", err)
	}

	res := Result{Rows: out, Duration: time.Since(start)}
	r.log.Debug("probe finished", zap.Int("rows", len(out)), zap.Duration("duration", res.Duration))
	return res, nil
}

package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"pgprobe/internal/platform/apperr"
)

// Checkout acquires one connection. Dial, TLS handshake and authentication
// failures are reported as connection errors. The caller must Release the
// returned connection.
func (p *Pool) Checkout(ctx context.Context) (*pgxpool.Conn, error) {
	if ctx == nil {
		return nil, apperr.New(apperr.ErrConnection, "checkout", errors.New("nil context"))
	}
	if p == nil || p.pool == nil {
		return nil, apperr.New(apperr.ErrConnection, "checkout", errors.New("nil pool"))
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, apperr.New(apperr.ErrConnection, "checkout "+p.transport.Mode().String(), err)
	}
	return conn, nil
}

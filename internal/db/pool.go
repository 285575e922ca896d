package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"pgprobe/internal/platform/apperr"
	"pgprobe/internal/platform/config"
)

// Pool is a pgx pool bound to a single transport. Connections are only
// handed out through Checkout.
type Pool struct {
	pool      *pgxpool.Pool
	transport Transport
}

// Transport reports the transport every connection of p uses.
func (p *Pool) Transport() Transport { return p.transport }

// NewPool builds a lazy pool: it validates cfg and the transport but does not
// dial. Network and handshake failures surface on first checkout.
func NewPool(ctx context.Context, cfg config.PoolConfig, transport Transport) (*Pool, error) {
	if ctx == nil {
		return nil, apperr.New(apperr.ErrPoolCreation, "", errors.New("nil context"))
	}
	if transport.Mode() == ModeTLS && transport.Trust().Len() == 0 {
		return nil, apperr.New(apperr.ErrPoolCreation, "tls", errors.New("empty trust store"))
	}

	pcfg, err := poolConfig(cfg, transport)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, apperr.New(apperr.ErrPoolCreation, "create pool", err)
	}
	return &Pool{pool: pool, transport: transport}, nil
}

func poolConfig(cfg config.PoolConfig, transport Transport) (*pgxpool.Config, error) {
	b := cfg.Pool
	switch {
	case b.MaxSize < 1:
		return nil, apperr.Errorf(apperr.ErrPoolCreation, "pool bounds", "max size %d must be at least 1", b.MaxSize)
	case b.MaxSize > math.MaxInt32:
		return nil, apperr.Errorf(apperr.ErrPoolCreation, "pool bounds", "max size %d is too large", b.MaxSize)
	case b.MinSize < 0:
		return nil, apperr.Errorf(apperr.ErrPoolCreation, "pool bounds", "min size %d is negative", b.MinSize)
	case b.MinSize > b.MaxSize:
		return nil, apperr.Errorf(apperr.ErrPoolCreation, "pool bounds", "min size %d exceeds max size %d", b.MinSize, b.MaxSize)
	case cfg.ConnectTimeout < 0:
		return nil, apperr.Errorf(apperr.ErrPoolCreation, "connect timeout", "%s is negative", cfg.ConnectTimeout)
	}

	pcfg, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, apperr.New(apperr.ErrPoolCreation, "parse config", err)
	}

	// ParseConfig layers PG* variables and the passfile under the DSN. Only
	// cfg may decide where and how the pool connects.
	cc := pcfg.ConnConfig
	cc.Host = cfg.Host
	cc.Port = uint16(cfg.Port)
	cc.User = cfg.User
	cc.Password = cfg.Password
	cc.Database = cfg.DBName
	cc.ConnectTimeout = cfg.ConnectTimeout
	cc.RuntimeParams = map[string]string{}
	if cfg.ApplicationName != "" {
		cc.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	cc.ValidateConnect = nil
	// The DSN always says sslmode=disable; TLS is decided here and only here.
	cc.TLSConfig = transport.clientConfig(cfg.Host)
	cc.Fallbacks = nil

	pcfg.MaxConns = int32(b.MaxSize)
	pcfg.MinConns = int32(b.MinSize)
	if b.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = b.MaxConnLifetime
	}
	if b.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = b.MaxConnIdleTime
	}
	if b.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = b.HealthCheckPeriod
	}
	return pcfg, nil
}

// connString renders cfg as a keyword/value DSN. Every keyword is written,
// empty or not, so none is filled in from the environment.
func connString(cfg config.PoolConfig) string {
	kv := []struct{ k, v string }{
		{"host", cfg.Host},
		{"port", strconv.Itoa(cfg.Port)},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"dbname", cfg.DBName},
		{"application_name", cfg.ApplicationName},
		{"connect_timeout", strconv.Itoa(int(math.Ceil(cfg.ConnectTimeout.Seconds())))},
		{"sslmode", "disable"},
		{"sslnegotiation", "postgres"},
		{"target_session_attrs", "any"},
	}
	parts := make([]string, 0, len(kv))
	for _, p := range kv {
		parts = append(parts, p.k+"="+quote(p.v))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Config returns a copy of the configuration the pool was built with.
func (p *Pool) Config() *pgxpool.Config {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Config()
}

// Close releases every connection. It is safe on a nil pool.
func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) String() string {
	if p == nil || p.pool == nil {
		return "db.Pool(nil)"
	}
	c := p.Config()
	return fmt.Sprintf("db.Pool(%s:%d/%s, %s, max=%d)",
		c.ConnConfig.Host, c.ConnConfig.Port, c.ConnConfig.Database, p.transport.Mode(), c.MaxConns)
}

package health

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Prober checks whether a node can be reached.
type Prober interface {
	Probe(ctx context.Context, node core.Node) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, node core.Node) error

func (f ProberFunc) Probe(ctx context.Context, node core.Node) error { return f(ctx, node) }

// SQLProber pings MySQL nodes. The node URI is a driver DSN, optionally
// prefixed with "mysql://". Connection pools are opened once per URI.
type SQLProber struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLProber creates an SQLProber.
func NewSQLProber() *SQLProber {
	return &SQLProber{dbs: make(map[string]*sql.DB)}
}

func (p *SQLProber) db(uri string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[uri]; ok {
		return db, nil
	}

	cfg, err := mysql.ParseDSN(strings.TrimPrefix(uri, "mysql://"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed node dsn: %w", core.ErrValidation, err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	p.dbs[uri] = db
	return db, nil
}

func (p *SQLProber) Probe(ctx context.Context, node core.Node) error {
	db, err := p.db(node.URI)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping %s: %w", core.ErrConnectionFailure, node.Name, err)
	}
	return nil
}

// Close closes every pool the prober opened.
func (p *SQLProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for uri, db := range p.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.dbs, uri)
	}
	return first
}

// TCPProber dials the host of a node URI.
type TCPProber struct {
	dialer net.Dialer
}

func (p *TCPProber) Probe(ctx context.Context, node core.Node) error {
	addr, err := hostPort(node.URI)
	if err != nil {
		return err
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", core.ErrConnectionFailure, node.Name, err)
	}
	return conn.Close()
}

func hostPort(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		if _, _, err := net.SplitHostPort(uri); err != nil {
			return "", fmt.Errorf("%w: node uri %q has no port", core.ErrValidation, uri)
		}
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: malformed node uri: %w", core.ErrValidation, err)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("%w: node uri %q has no port", core.ErrValidation, uri)
	}
	return u.Host, nil
}

// DialectProber routes mysql nodes to an SQLProber and everything else to
// a TCPProber.
type DialectProber struct {
	SQL *SQLProber
	TCP *TCPProber
}

// NewDialectProber creates a DialectProber.
func NewDialectProber() *DialectProber {
	return &DialectProber{SQL: NewSQLProber(), TCP: &TCPProber{}}
}

func (p *DialectProber) Probe(ctx context.Context, node core.Node) error {
	if strings.EqualFold(node.Dialect, "mysql") {
		return p.SQL.Probe(ctx, node)
	}
	return p.TCP.Probe(ctx, node)
}

// Close releases the SQL pools.
func (p *DialectProber) Close() error {
	return p.SQL.Close()
}

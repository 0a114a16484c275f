package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrPoolExhausted is returned when no connection becomes available within
// the pool's acquire timeout. Callers treat it as a per-message failure, not
// a fatal one.
var ErrPoolExhausted = errors.New("store: connection pool exhausted")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("store: pool is closed")

// pragmas applied to every connection on open. Failures are non-fatal; a
// connection without WAL still works, just slower under contention.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -2048",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA mmap_size = 268435456",
	"PRAGMA wal_autocheckpoint = 1000",
	"PRAGMA busy_timeout = 30000",
}

// Options bounds the pool. Zero values fall back to the documented defaults
// (10 connections, 300s idle TTL, 30s acquire timeout).
type Options struct {
	Enabled        bool
	MaxConnections int
	MaxIdleTime    time.Duration
	AcquireTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10
	}
	if o.MaxIdleTime <= 0 {
		o.MaxIdleTime = 300 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
}

// Conn is one pooled sqlite handle. Each Conn owns its own *sql.DB capped at
// a single underlying connection so pragmas stick to it.
type Conn struct {
	db       *sql.DB
	idleAt   time.Time
	borrowed bool
}

// Pool is a bounded pool of sqlite connections guarded by a condition
// variable: acquirers wait until a connection is returned or the timeout
// elapses. With Enabled=false every Acquire opens a fresh connection and
// Release closes it.
type Pool struct {
	path string
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*Conn
	total   int
	created int
	closed  bool
	stopCh  chan struct{}
}

func NewPool(path string, opts Options) *Pool {
	opts.applyDefaults()
	p := &Pool{
		path:   path,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if opts.Enabled {
		go p.reapLoop()
	}

	return p
}

// Stats reports pool counters, used by health logging and tests.
type Stats struct {
	Idle    int
	Total   int
	Created int
	Max     int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Total: p.total, Created: p.created, Max: p.opts.MaxConnections}
}

func (p *Pool) open() (*Conn, error) {
	db, err := sql.Open("sqlite3", p.path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("[store] pragma failed (non-fatal): %q: %v", pragma, err)
		}
	}

	return &Conn{db: db}, nil
}

// Acquire returns a connection, waiting up to the acquire timeout when the
// pool is at capacity. The context can cancel the wait early.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if !p.opts.Enabled {
		conn, err := p.open()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.created++
		p.mu.Unlock()
		conn.borrowed = true
		return conn, nil
	}

	deadline := time.Now().Add(p.opts.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	// Wake waiters when the deadline passes; cond.Wait cannot time out on
	// its own.
	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			conn.borrowed = true
			p.mu.Unlock()
			return conn, nil
		}

		if p.total < p.opts.MaxConnections {
			p.total++
			p.created++
			p.mu.Unlock()

			conn, err := p.open()
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, err
			}
			conn.borrowed = true
			return conn, nil
		}

		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		p.cond.Wait()
	}
}

// Release returns a connection to the pool (or closes it when pooling is
// disabled or the pool has shut down).
func (p *Pool) Release(conn *Conn) {
	if conn == nil || !conn.borrowed {
		return
	}
	conn.borrowed = false

	if !p.opts.Enabled {
		_ = conn.db.Close()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = conn.db.Close()
		return
	}
	conn.idleAt = time.Now()
	p.idle = append(p.idle, conn)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// With runs fn with an acquired connection, guaranteeing release on every
// exit path. When fn fails, any transaction left open on the connection is
// rolled back best-effort before the handle goes back to the pool.
func (p *Pool) With(ctx context.Context, fn func(db *sql.DB) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	defer func() {
		if r := recover(); r != nil {
			_, _ = conn.db.Exec("ROLLBACK")
			panic(r)
		}
	}()

	if err := fn(conn.db); err != nil {
		_, _ = conn.db.Exec("ROLLBACK")
		return err
	}
	return nil
}

// reapLoop closes idle connections past the idle TTL.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-p.opts.MaxIdleTime)

		p.mu.Lock()
		kept := p.idle[:0]
		var expired []*Conn
		for _, conn := range p.idle {
			if conn.idleAt.Before(cutoff) {
				expired = append(expired, conn)
				p.total--
			} else {
				kept = append(kept, conn)
			}
		}
		p.idle = kept
		if len(expired) > 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()

		for _, conn := range expired {
			_ = conn.db.Close()
		}
	}
}

// Close shuts the pool down and closes all idle connections. Borrowed
// connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

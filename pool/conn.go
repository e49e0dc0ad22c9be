package pool

import (
	"context"
	"database/sql"
)

type (
	// Conn is the handle unit bodies run statements through. Every
	// statement bumps the worker's operation counter and is reported to
	// the observer so the executor can classify reads and writes.
	Conn struct {
		pool   *Pool
		worker int

		// onStatement is fixed at construction. A body abandoned at its
		// deadline may still hold a handle, so observers are attached by
		// copying via WithObserver, never by mutating a shared Conn.
		onStatement func(query string)
	}
)

func (c *Conn) Worker() int {
	return c.worker
}

// WithObserver returns a copy of the handle reporting every statement to
// fn. Each unit runs against its own copy, so a body that outlives its
// deadline keeps charging its own counter instead of the next unit's.
func (c *Conn) WithObserver(fn func(query string)) *Conn {
	return &Conn{pool: c.pool, worker: c.worker, onStatement: fn}
}

func (c *Conn) observe(query string) {
	c.pool.record(c.worker, 1)
	if c.onStatement != nil {
		c.onStatement(query)
	}
}

func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db, err := c.pool.handle(ctx, c.worker)
	if err != nil {
		return nil, err
	}
	c.observe(query)
	return db.ExecContext(ctx, query, args...)
}

func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	db, err := c.pool.handle(ctx, c.worker)
	if err != nil {
		return nil, err
	}
	c.observe(query)
	return db.QueryContext(ctx, query, args...)
}

func (c *Conn) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	db, err := c.pool.handle(ctx, c.worker)
	if err != nil {
		return nil
	}
	c.observe(query)
	return db.QueryRowContext(ctx, query, args...)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package store is the versioned trace/span persistence layer over the
// columnar analytics database. Every write appends a new version row; reads
// resolve the latest version per id within the caller's workspace.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
)

// Conn wraps the analytics-store connection with retry and error
// correlation.
type Conn struct {
	ch         driver.Conn
	maxRetries uint64
	timeout    time.Duration
}

// Options configures Dial.
type Options struct {
	Addr     string
	Database string
	User     string
	Password string

	QueryTimeout time.Duration
	MaxRetries   int
}

// Dial opens the analytics-store connection.
func Dial(opts Options) (*Conn, error) {
	ch, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"date_time_input_format": "best_effort",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening clickhouse connection")
	}
	if err := ch.Ping(context.Background()); err != nil {
		return nil, errors.Wrap(err, "pinging clickhouse")
	}
	return NewConn(ch, opts), nil
}

// NewConn wraps an existing driver connection; used by tests.
func NewConn(ch driver.Conn, opts Options) *Conn {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := uint64(opts.MaxRetries)
	if opts.MaxRetries < 0 {
		retries = 0
	}
	return &Conn{ch: ch, maxRetries: retries, timeout: timeout}
}

// Close releases the connection.
func (c *Conn) Close() error {
	return c.ch.Close()
}

// exec runs a statement with retry on transient failures.
func (c *Conn) exec(ctx context.Context, query string, args ...interface{}) error {
	return c.withRetry(ctx, "exec", func(qctx context.Context) error {
		return c.ch.Exec(qctx, query, args...)
	})
}

// query runs a select with retry and hands rows to scan.
func (c *Conn) query(ctx context.Context, query string, scan func(driver.Rows) error, args ...interface{}) error {
	return c.withRetry(ctx, "query", func(qctx context.Context) error {
		rows, err := c.ch.Query(qctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scan(rows)
	})
}

// batch prepares a bulk insert and hands the appender to fill.
func (c *Conn) batch(ctx context.Context, insert string, fill func(driver.Batch) error) error {
	return c.withRetry(ctx, "batch", func(qctx context.Context) error {
		b, err := c.ch.PrepareBatch(qctx, insert)
		if err != nil {
			return err
		}
		if err := fill(b); err != nil {
			_ = b.Abort()
			return err
		}
		return b.Send()
	})
}

// withRetry retries transient failures with exponential backoff; when the
// budget is exhausted the caller gets a 500 carrying a correlation id that
// is also logged next to the real error.
func (c *Conn) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := func() error {
		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err := fn(qctx)
		metrics.Since("store."+op+"_ms", start)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(attempt, policy)
	if err == nil {
		return nil
	}
	if status := model.StatusOf(err); status != 500 {
		return err
	}
	correlationID := uuid.NewString()
	log.Errorf("analytics store %s failed, correlation id %s: %v", op, correlationID, err) //nolint:errcheck
	metrics.Count("store.errors", 1, []string{"op:" + op}, 1)
	return model.NewInternal(correlationID)
}

// transient reports whether the error is worth retrying.
func transient(err error) bool {
	if model.StatusOf(err) != 500 {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"deadline exceeded",
		"too many simultaneous queries",
		"memory limit",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// namedParams renders filter bind parameters for the driver.
func namedParams(params map[string]string) []interface{} {
	out := make([]interface{}, 0, len(params))
	for name, value := range params {
		out = append(out, clickhouse.Named(name, value))
	}
	return out
}

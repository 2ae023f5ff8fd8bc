// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package apiutil provides helper types for API request handling.
package apiutil

import (
	"errors"
	"io"
)

// ErrLimitedReaderLimitReached indicates that the read limit has been
// reached before the underlying reader was exhausted.
var ErrLimitedReaderLimitReached = errors.New("read limit reached")

// LimitedReader reads from a reader up to a limit; reaching the limit
// surfaces a distinct error so callers can reject oversized payloads
// instead of silently truncating them.
type LimitedReader struct {
	r     io.ReadCloser
	count int64
	limit int64
}

// NewLimitedReader wraps r with a byte limit.
func NewLimitedReader(r io.ReadCloser, limit int64) *LimitedReader {
	return &LimitedReader{r: r, limit: limit}
}

// Read implements io.Reader.
func (r *LimitedReader) Read(buf []byte) (int, error) {
	if r.count >= r.limit {
		return 0, ErrLimitedReaderLimitReached
	}
	if max := r.limit - r.count; int64(len(buf)) > max {
		buf = buf[:max]
	}
	n, err := r.r.Read(buf)
	r.count += int64(n)
	return n, err
}

// Close closes the underlying reader.
func (r *LimitedReader) Close() error {
	return r.r.Close()
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package metrics sends internal performance metrics to statsd. Until Setup
// is called every function is a no-op, which keeps tests quiet.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsClient is the subset of the statsd client the backend uses.
type StatsClient interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Flush() error
}

var client StatsClient

// Setup installs a statsd client reporting to addr.
func Setup(addr string) error {
	c, err := statsd.New(addr, statsd.WithNamespace("traceloom."))
	if err != nil {
		return err
	}
	client = c
	return nil
}

// SetClient overrides the active client; used by tests.
func SetClient(c StatsClient) { client = c }

// Gauge reports a gauge value.
func Gauge(name string, value float64, tags []string, rate float64) error {
	if client == nil {
		return nil
	}
	return client.Gauge(name, value, tags, rate)
}

// Count reports a count.
func Count(name string, value int64, tags []string, rate float64) error {
	if client == nil {
		return nil
	}
	return client.Count(name, value, tags, rate)
}

// Histogram reports a histogram sample.
func Histogram(name string, value float64, tags []string, rate float64) error {
	if client == nil {
		return nil
	}
	return client.Histogram(name, value, tags, rate)
}

// Timing reports a duration.
func Timing(name string, value time.Duration, tags []string, rate float64) error {
	if client == nil {
		return nil
	}
	return client.Timing(name, value, tags, rate)
}

// Since reports the time elapsed since start under name. Typical use is
// deferring it at the top of a handler.
func Since(name string, start time.Time) {
	Timing(name, time.Since(start), nil, 1) //nolint:errcheck
}

// Flush flushes any buffered metrics.
func Flush() {
	if client != nil {
		client.Flush() //nolint:errcheck
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package otel translates OTLP trace exports into native trace and span
// records, deriving stable version-7 UUIDs from the opaque OTel ids.
package otel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// idCacheSize bounds the per-workspace trace-id mapping cache.
const idCacheSize = 100_000

// DeriveUUID folds opaque OTel id bytes and a batch timestamp into a
// version-7 UUID. The millisecond timestamp fills the time prefix and a
// hash of the raw id fills the random bits, so the same (id, timestamp)
// pair always yields the same UUID.
func DeriveUUID(raw []byte, nanos uint64) uuid.UUID {
	ms := nanos / 1_000_000
	sum := sha256.Sum256(raw)

	var u uuid.UUID
	var msb [8]byte
	binary.BigEndian.PutUint64(msb[:], ms)
	copy(u[0:6], msb[2:8])

	u[6] = 0x70 | (sum[0] & 0x0F)
	u[7] = sum[1]
	u[8] = 0x80 | (sum[2] & 0x3F)
	copy(u[9:], sum[3:10])
	return u
}

type idEntry struct {
	id    uuid.UUID
	nanos uint64
}

// IDMapper pins each OTel trace id to the UUID derived from the first
// batch that mentioned it, so later batches with different timestamps
// keep resolving to the same trace.
type IDMapper struct {
	mu     sync.Mutex
	caches map[string]*lru.Cache[string, idEntry]
}

// NewIDMapper returns an empty mapper.
func NewIDMapper() *IDMapper {
	return &IDMapper{caches: make(map[string]*lru.Cache[string, idEntry])}
}

// Resolve returns the pinned UUID and timestamp for an OTel trace id,
// deriving and caching them on first sight.
func (m *IDMapper) Resolve(workspaceID string, rawTraceID []byte, batchMinNanos uint64) (uuid.UUID, uint64) {
	m.mu.Lock()
	cache, ok := m.caches[workspaceID]
	if !ok {
		cache, _ = lru.New[string, idEntry](idCacheSize)
		m.caches[workspaceID] = cache
	}
	m.mu.Unlock()

	key := hex.EncodeToString(rawTraceID)
	if entry, ok := cache.Get(key); ok {
		return entry.id, entry.nanos
	}
	id := DeriveUUID(rawTraceID, batchMinNanos)
	cache.Add(key, idEntry{id: id, nanos: batchMinNanos})
	return id, batchMinNanos
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package testutil generates deterministic record fixtures for tests.
// Generators are seeded so failures reproduce.
package testutil

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/traceloom/traceloom/pkg/model"
)

// Generator produces pseudo-random but reproducible records.
type Generator struct {
	rng  *rand.Rand
	base time.Time
}

// NewGenerator seeds a generator. The same seed yields the same records.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng:  rand.New(rand.NewSource(seed)),
		base: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

var spanNames = []string{"generate", "retrieve", "rerank", "summarize", "classify"}

var providers = []string{"openai", "anthropic", "google_vertexai"}

// uuidV7 derives a version-7 UUID from the generator's stream so that ids
// stay stable for a given seed.
func (g *Generator) uuidV7() uuid.UUID {
	var u uuid.UUID
	g.rng.Read(u[:]) //nolint:errcheck
	ms := uint64(g.base.UnixMilli()) + uint64(g.rng.Intn(60_000))
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)
	u[6] = 0x70 | (u[6] & 0x0F)
	u[8] = 0x80 | (u[8] & 0x3F)
	return u
}

// Span returns one plausible LLM span.
func (g *Generator) Span(projectID, traceID uuid.UUID) *model.Span {
	start := g.base.Add(time.Duration(g.rng.Intn(3600)) * time.Second)
	end := model.NewTime(start.Add(time.Duration(500+g.rng.Intn(4500)) * time.Millisecond))
	name := spanNames[g.rng.Intn(len(spanNames))]
	return &model.Span{
		ID:        g.uuidV7(),
		ProjectID: projectID,
		TraceID:   traceID,
		Name:      name,
		Type:      model.SpanTypeLLM,
		StartTime: model.NewTime(start),
		EndTime:   &end,
		Input:     model.JSON(fmt.Sprintf(`{"prompt": "request %d"}`, g.rng.Intn(1000))),
		Output:    model.JSON(fmt.Sprintf(`{"completion": "response %d"}`, g.rng.Intn(1000))),
		Model:     "gpt-4o-mini",
		Provider:  providers[g.rng.Intn(len(providers))],
		Usage: map[string]int64{
			"prompt_tokens":     int64(50 + g.rng.Intn(500)),
			"completion_tokens": int64(20 + g.rng.Intn(200)),
		},
		Tags: []string{"env:test", "gen:" + name},
	}
}

// Trace returns one plausible trace.
func (g *Generator) Trace(projectID uuid.UUID) *model.Trace {
	start := g.base.Add(time.Duration(g.rng.Intn(3600)) * time.Second)
	end := model.NewTime(start.Add(time.Duration(1+g.rng.Intn(10)) * time.Second))
	return &model.Trace{
		ID:        g.uuidV7(),
		ProjectID: projectID,
		Name:      "chat-" + spanNames[g.rng.Intn(len(spanNames))],
		StartTime: model.NewTime(start),
		EndTime:   &end,
		Input:     model.JSON(fmt.Sprintf(`{"question": "q-%d"}`, g.rng.Intn(1000))),
		Output:    model.JSON(fmt.Sprintf(`{"answer": "a-%d"}`, g.rng.Intn(1000))),
		ThreadID:  fmt.Sprintf("thread-%d", g.rng.Intn(10)),
	}
}

// Score returns one plausible feedback score for an entity.
func (g *Generator) Score(entityID uuid.UUID) *model.FeedbackScore {
	return &model.FeedbackScore{
		EntityID: entityID,
		Name:     []string{"relevance", "hallucination", "helpfulness"}[g.rng.Intn(3)],
		Value:    decimal.NewFromFloat(float64(g.rng.Intn(100)) / 100.0),
		Source:   model.ScoreSourceSDK,
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package cost derives the monetary cost of an LLM span from its model,
// provider, token usage and metadata. Results are fixed-point decimals at
// 8-digit scale, rounded down, and are deterministic for a given pricing
// snapshot: the snapshot version is stamped next to every computed value.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/traceloom/traceloom/pkg/model"
)

// Scale is the fixed-point scale of every computed cost.
const Scale = 8

// buckets are the token counts a rate card is applied to.
type buckets struct {
	prompt     int64
	completion int64
	cacheRead  int64
	cacheWrite int64
}

// Compute resolves the cost of one span. The returned version is empty
// when the value is manual or absent. A negative manual cost is a 422.
func Compute(modelName, provider string, usage map[string]int64, metadata model.JSON, manual *decimal.Decimal) (decimal.Decimal, string, error) {
	if manual != nil {
		if manual.IsNegative() {
			return decimal.Zero, "", model.NewUnprocessable("total_estimated_cost must not be negative")
		}
		if !manual.IsZero() {
			return manual.RoundDown(Scale), "", nil
		}
	}

	table := Active()
	if price, ok := table.Lookup(provider, modelName); ok {
		if cost := applyRateCard(price, extractBuckets(usage)); !cost.IsZero() {
			return cost, table.Version, nil
		}
	}

	if cost, ok := metadataCost(metadata); ok {
		return cost.RoundDown(Scale), "", nil
	}

	if name, ok := metadataModel(metadata); ok {
		if price, ok := table.Lookup(provider, name); ok {
			if cost := applyRateCard(price, extractBuckets(usage)); !cost.IsZero() {
				return cost, table.Version, nil
			}
		}
	}

	// Zero normalizes to "absent" downstream.
	return decimal.Zero, "", nil
}

func applyRateCard(price Price, b buckets) decimal.Decimal {
	cost := price.PromptPrice.Mul(decimal.NewFromInt(b.prompt)).
		Add(price.CompletionPrice.Mul(decimal.NewFromInt(b.completion))).
		Add(price.CacheReadPrice.Mul(decimal.NewFromInt(b.cacheRead))).
		Add(price.CacheWritePrice.Mul(decimal.NewFromInt(b.cacheWrite)))
	return cost.RoundDown(Scale)
}

// extractBuckets picks token counts out of the usage map. Key families are
// tried in order of specificity; the first family with any hit wins.
func extractBuckets(usage map[string]int64) buckets {
	if len(usage) == 0 {
		return buckets{}
	}

	// OpenAI shape, with cached prompt tokens billed at the cache-read rate.
	if prompt, ok := usage["original_usage.prompt_tokens"]; ok {
		cached := usage["original_usage.prompt_tokens_details.cached_tokens"]
		if cached > prompt {
			cached = prompt
		}
		return buckets{
			prompt:     prompt - cached,
			completion: usage["original_usage.completion_tokens"],
			cacheRead:  cached,
		}
	}

	// Anthropic shape.
	if _, ok := firstHit(usage,
		"original_usage.input_tokens",
		"original_usage.output_tokens"); ok {
		return buckets{
			prompt:     usage["original_usage.input_tokens"],
			completion: usage["original_usage.output_tokens"],
			cacheRead:  usage["original_usage.cache_read_input_tokens"],
			cacheWrite: usage["original_usage.cache_creation_input_tokens"],
		}
	}

	// Bedrock camel-case shape.
	if _, ok := firstHit(usage,
		"original_usage.inputTokens",
		"original_usage.outputTokens"); ok {
		return buckets{
			prompt:     usage["original_usage.inputTokens"],
			completion: usage["original_usage.outputTokens"],
			cacheRead:  usage["original_usage.cacheReadInputTokens"],
			cacheWrite: usage["original_usage.cacheWriteInputTokens"],
		}
	}

	// Normalized unscoped keys.
	return buckets{
		prompt:     usage["prompt_tokens"],
		completion: usage["completion_tokens"],
	}
}

func firstHit(usage map[string]int64, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := usage[k]; ok {
			return v, true
		}
	}
	return 0, false
}

// metadataCost honors a client-computed {"cost": {"total_tokens": <n>,
// "currency": "USD"}} block in metadata.
func metadataCost(metadata model.JSON) (decimal.Decimal, bool) {
	if len(metadata) == 0 {
		return decimal.Zero, false
	}
	var doc struct {
		Cost struct {
			TotalTokens *float64 `json:"total_tokens"`
			Currency    string   `json:"currency"`
		} `json:"cost"`
	}
	if err := json.Unmarshal(metadata, &doc); err != nil {
		return decimal.Zero, false
	}
	if doc.Cost.TotalTokens == nil || doc.Cost.Currency != "USD" {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*doc.Cost.TotalTokens), true
}

// metadataModel digs a model name out of metadata when the span itself
// carries none.
func metadataModel(metadata model.JSON) (string, bool) {
	if len(metadata) == 0 {
		return "", false
	}
	var doc struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(metadata, &doc); err != nil {
		return "", false
	}
	return doc.Model, doc.Model != ""
}

// Normalize maps a zero cost to the absent representation used by the API
// layer and stats aggregation.
func Normalize(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	return d.RoundDown(Scale)
}

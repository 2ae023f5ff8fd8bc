// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package cost

import (
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Price is the per-token rate card of one (provider, model) pair. Prices
// are USD per single token.
type Price struct {
	PromptPrice     decimal.Decimal `json:"prompt_price"`
	CompletionPrice decimal.Decimal `json:"completion_price"`
	CacheReadPrice  decimal.Decimal `json:"cache_read_price"`
	CacheWritePrice decimal.Decimal `json:"cache_write_price"`
}

// Table is an immutable pricing snapshot. A new snapshot replaces the old
// one atomically on config reload; computed rows carry the snapshot
// version so later price changes never rewrite history.
type Table struct {
	Version string
	// prices is keyed provider, then model.
	prices map[string]map[string]Price
}

var active atomic.Value // holds *Table

func init() {
	active.Store(defaultTable())
}

// Active returns the current pricing snapshot.
func Active() *Table {
	return active.Load().(*Table)
}

// Swap atomically installs a new pricing snapshot.
func Swap(t *Table) {
	active.Store(t)
}

// LoadFile reads a pricing table from a JSON file shaped
// {"version": "...", "prices": {provider: {model: Price}}}.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading pricing file")
	}
	var doc struct {
		Version string                      `json:"version"`
		Prices  map[string]map[string]Price `json:"prices"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing pricing file")
	}
	if doc.Version == "" {
		return nil, errors.New("pricing file has no version")
	}
	norm := make(map[string]map[string]Price, len(doc.Prices))
	for provider, models := range doc.Prices {
		entry := make(map[string]Price, len(models))
		for model, price := range models {
			entry[strings.ToLower(model)] = price
		}
		norm[strings.ToLower(provider)] = entry
	}
	return &Table{Version: doc.Version, prices: norm}, nil
}

// Lookup finds the rate card for (provider, model). Versioned model names
// fall back to their longest known prefix, so "gpt-4o-2024-08-06" resolves
// to the "gpt-4o" entry when no exact row exists.
func (t *Table) Lookup(provider, model string) (Price, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return Price{}, false
	}
	scopes := make([]map[string]Price, 0, 2)
	if provider != "" {
		if m, ok := t.prices[strings.ToLower(provider)]; ok {
			scopes = append(scopes, m)
		}
	} else {
		for _, m := range t.prices {
			scopes = append(scopes, m)
		}
	}
	var best Price
	bestLen := -1
	for _, scope := range scopes {
		if p, ok := scope[model]; ok {
			return p, true
		}
		for name, p := range scope {
			if strings.HasPrefix(model, name+"-") && len(name) > bestLen {
				best, bestLen = p, len(name)
			}
		}
	}
	return best, bestLen >= 0
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// defaultTable is the built-in rate card; overridden by pricing_file.
func defaultTable() *Table {
	return &Table{
		Version: "2024-07-01",
		prices: map[string]map[string]Price{
			"openai": {
				"gpt-4o": {
					PromptPrice:     usd("0.0000025"),
					CompletionPrice: usd("0.00001"),
					CacheReadPrice:  usd("0.00000125"),
				},
				"gpt-4o-mini": {
					PromptPrice:     usd("0.00000015"),
					CompletionPrice: usd("0.0000006"),
					CacheReadPrice:  usd("0.000000075"),
				},
				"gpt-4-turbo": {
					PromptPrice:     usd("0.00001"),
					CompletionPrice: usd("0.00003"),
				},
				"gpt-3.5-turbo": {
					PromptPrice:     usd("0.0000005"),
					CompletionPrice: usd("0.0000015"),
				},
			},
			"anthropic": {
				"claude-3-5-sonnet": {
					PromptPrice:     usd("0.000003"),
					CompletionPrice: usd("0.000015"),
					CacheReadPrice:  usd("0.0000003"),
					CacheWritePrice: usd("0.00000375"),
				},
				"claude-3-5-haiku": {
					PromptPrice:     usd("0.0000008"),
					CompletionPrice: usd("0.000004"),
					CacheReadPrice:  usd("0.00000008"),
					CacheWritePrice: usd("0.000001"),
				},
				"claude-3-opus": {
					PromptPrice:     usd("0.000015"),
					CompletionPrice: usd("0.000075"),
				},
			},
			"google_ai": {
				"gemini-1.5-pro": {
					PromptPrice:     usd("0.00000125"),
					CompletionPrice: usd("0.000005"),
				},
				"gemini-1.5-flash": {
					PromptPrice:     usd("0.000000075"),
					CompletionPrice: usd("0.0000003"),
				},
			},
		},
	}
}

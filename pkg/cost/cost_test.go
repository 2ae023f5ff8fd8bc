// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceloom/traceloom/pkg/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestManualOverrideWins(t *testing.T) {
	manual := dec("1.25")
	got, version, err := Compute("gpt-4o", "openai", map[string]int64{"prompt_tokens": 1000}, nil, &manual)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("1.25")), got.String())
	assert.Empty(t, version)
}

func TestManualNegativeRejected(t *testing.T) {
	manual := dec("-0.01")
	_, _, err := Compute("gpt-4o", "openai", nil, nil, &manual)
	require.Error(t, err)
	reqErr, ok := err.(*model.RequestError)
	require.True(t, ok)
	assert.Equal(t, 422, reqErr.Code)
}

func TestManualZeroFallsThrough(t *testing.T) {
	manual := decimal.Zero
	got, version, err := Compute("gpt-4o", "openai",
		map[string]int64{"prompt_tokens": 1000, "completion_tokens": 1000}, nil, &manual)
	require.NoError(t, err)
	// 1000*0.0000025 + 1000*0.00001 = 0.0125
	assert.True(t, got.Equal(dec("0.0125")), got.String())
	assert.NotEmpty(t, version)
}

func TestRateCardOpenAIShape(t *testing.T) {
	usage := map[string]int64{
		"original_usage.prompt_tokens":                       2000,
		"original_usage.prompt_tokens_details.cached_tokens": 500,
		"original_usage.completion_tokens":                   100,
	}
	got, _, err := Compute("gpt-4o", "openai", usage, nil, nil)
	require.NoError(t, err)
	// 1500*0.0000025 + 100*0.00001 + 500*0.00000125 = 0.00537500
	assert.True(t, got.Equal(dec("0.005375")), got.String())
}

func TestRateCardAnthropicShape(t *testing.T) {
	usage := map[string]int64{
		"original_usage.input_tokens":                1000,
		"original_usage.output_tokens":               500,
		"original_usage.cache_read_input_tokens":     100,
		"original_usage.cache_creation_input_tokens": 50,
	}
	got, _, err := Compute("claude-3-5-sonnet", "anthropic", usage, nil, nil)
	require.NoError(t, err)
	// 1000*0.000003 + 500*0.000015 + 100*0.0000003 + 50*0.00000375
	assert.True(t, got.Equal(dec("0.0107175")), got.String())
}

func TestVersionedModelPrefixFallback(t *testing.T) {
	usage := map[string]int64{"prompt_tokens": 1000, "completion_tokens": 0}
	got, _, err := Compute("gpt-4o-2024-08-06", "openai", usage, nil, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("0.0025")), got.String())
}

func TestMetadataCostFallback(t *testing.T) {
	metadata := model.JSON(`{"cost": {"total_tokens": 0.42, "currency": "USD"}}`)
	got, version, err := Compute("unknown-model", "", nil, metadata, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("0.42")), got.String())
	assert.Empty(t, version)

	// Non-USD currency is ignored.
	metadata = model.JSON(`{"cost": {"total_tokens": 0.42, "currency": "EUR"}}`)
	got, _, err = Compute("unknown-model", "", nil, metadata, nil)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestMetadataModelFallback(t *testing.T) {
	metadata := model.JSON(`{"model": "gpt-4o"}`)
	usage := map[string]int64{"prompt_tokens": 1000}
	got, version, err := Compute("", "openai", usage, metadata, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("0.0025")), got.String())
	assert.NotEmpty(t, version)
}

func TestUnknownEverythingIsZero(t *testing.T) {
	got, version, err := Compute("mystery", "nobody", map[string]int64{"prompt_tokens": 10}, nil, nil)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.Empty(t, version)
}

func TestComputeIsIdempotent(t *testing.T) {
	usage := map[string]int64{
		"original_usage.prompt_tokens":     1234567,
		"original_usage.completion_tokens": 7654321,
	}
	first, _, err := Compute("gpt-4o", "openai", usage, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, _, err := Compute("gpt-4o", "openai", usage, nil, nil)
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
		assert.Equal(t, first.String(), again.String())
	}
}

func TestSwapTableChangesVersion(t *testing.T) {
	old := Active()
	defer Swap(old)

	Swap(&Table{Version: "test-2", prices: map[string]map[string]Price{
		"openai": {"gpt-4o": {PromptPrice: dec("0.001")}},
	}})
	got, version, err := Compute("gpt-4o", "openai", map[string]int64{"prompt_tokens": 10}, nil, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("0.01")), got.String())
	assert.Equal(t, "test-2", version)
}

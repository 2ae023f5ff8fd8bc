// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceloom/traceloom/pkg/model"
)

func TestCompileOperatorTypeMismatch(t *testing.T) {
	for _, tt := range []struct {
		name    string
		clause  Clause
		wantMsg string
	}{
		{
			name:    "contains on date_time",
			clause:  Clause{Field: "end_time", Operator: OpContains, Value: "x"},
			wantMsg: "Invalid operator 'contains' for field 'end_time' of type 'date_time'",
		},
		{
			name:    "starts_with on number",
			clause:  Clause{Field: "duration", Operator: OpStartsWith, Value: "1"},
			wantMsg: "Invalid operator 'starts_with' for field 'duration' of type 'number'",
		},
		{
			name:    "greater than on list",
			clause:  Clause{Field: "tags", Operator: OpGreaterThan, Value: "a"},
			wantMsg: "Invalid operator '>' for field 'tags' of type 'list'",
		},
		{
			name:    "is_empty on string",
			clause:  Clause{Field: "name", Operator: OpIsEmpty},
			wantMsg: "Invalid operator 'is_empty' for field 'name' of type 'string'",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Clause{tt.clause}, TargetSpan)
			require.Error(t, err)
			reqErr, ok := err.(*model.RequestError)
			require.True(t, ok)
			assert.Equal(t, 400, reqErr.Code)
			assert.Equal(t, tt.wantMsg, reqErr.Message)
		})
	}
}

func TestCompileValueValidation(t *testing.T) {
	for _, tt := range []struct {
		name   string
		clause Clause
	}{
		{"number with non-numeric value", Clause{Field: "duration", Operator: OpGreaterThan, Value: "abc"}},
		{"date_time with garbage", Clause{Field: "start_time", Operator: OpLessThan, Value: "yesterday"}},
		{"dictionary without key", Clause{Field: "metadata", Operator: OpEqual, Value: "v"}},
		{"feedback score without key", Clause{Field: "feedback_scores", Operator: OpEqual, Value: "0.5"}},
		{"feedback score non-numeric", Clause{Field: "feedback_scores", Operator: OpEqual, Key: "acc", Value: "high"}},
		{"empty string value", Clause{Field: "name", Operator: OpEqual, Value: ""}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Clause{tt.clause}, TargetTrace)
			require.Error(t, err)
			reqErr, ok := err.(*model.RequestError)
			require.True(t, ok)
			assert.Equal(t, 400, reqErr.Code)
			assert.Contains(t, reqErr.Message, "Invalid value")
		})
	}
}

func TestCompileRendersBinds(t *testing.T) {
	compiled, err := Compile([]Clause{
		{Field: "name", Operator: OpEqual, Value: "Chat"},
		{Field: "usage.total_tokens", Operator: OpGreaterThanEqual, Value: "100"},
		{Field: "metadata", Operator: OpEqual, Key: "model[0].version", Value: "2"},
	}, TargetSpan)
	require.NoError(t, err)

	where := compiled.EntityWhere()
	require.Len(t, where, 3)
	assert.Equal(t, "lower(name) = lower(@filter0)", where[0])
	assert.Equal(t, "usage['total_tokens'] >= toFloat64(@filter1)", where[1])
	assert.Contains(t, where[2], "JSON_VALUE(metadata, @filterKey2)")

	assert.Equal(t, "Chat", compiled.Params["filter0"])
	assert.Equal(t, "100", compiled.Params["filter1"])
	assert.Equal(t, "2", compiled.Params["filter2"])
	assert.Equal(t, "$.model[0].version", compiled.Params["filterKey2"])
}

func TestCompileFeedbackScoresGoToHaving(t *testing.T) {
	compiled, err := Compile([]Clause{
		{Field: "feedback_scores", Operator: OpGreaterThan, Key: "accuracy", Value: "0.5"},
		{Field: "name", Operator: OpContains, Value: "llm"},
	}, TargetTrace)
	require.NoError(t, err)

	assert.Len(t, compiled.EntityWhere(), 1)
	having := compiled.ScoreHaving()
	require.Len(t, having, 1)
	assert.Contains(t, having[0], "groupArray")

	// is_empty admits a missing value but still needs the key.
	compiled, err = Compile([]Clause{
		{Field: "feedback_scores", Operator: OpIsEmpty, Key: "accuracy"},
	}, TargetTrace)
	require.NoError(t, err)
	assert.Len(t, compiled.ScoreHaving(), 1)
	_, hasValue := compiled.Params["filter0"]
	assert.False(t, hasValue)
}

func TestNormalizeJSONPath(t *testing.T) {
	assert.Equal(t, "$.a.b[0]", normalizeJSONPath("a.b[0]"))
	assert.Equal(t, "$.a.b[0]", normalizeJSONPath("$.a.b[0]"))
	assert.Equal(t, "$[0]", normalizeJSONPath("[0]"))
}

func TestParse(t *testing.T) {
	clauses, err := Parse(`[{"field":"name","operator":"=","value":"x"}]`)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, OpEqual, clauses[0].Operator)

	_, err = Parse(`{not json`)
	require.Error(t, err)

	clauses, err = Parse("")
	require.NoError(t, err)
	assert.Nil(t, clauses)
}

func TestUnknownField(t *testing.T) {
	_, err := Compile([]Clause{{Field: "bogus", Operator: OpEqual, Value: "x"}}, TargetSpan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid filter field 'bogus'")
}

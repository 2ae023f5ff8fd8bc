// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceloom/traceloom/pkg/model"
)

func ts(s string) model.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return model.NewTime(t)
}

func tsPtr(s string) *model.Time {
	t := ts(s)
	return &t
}

func strPtr(s string) *string { return &s }

func TestPatchBeforeCreateMerges(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())
	parentID := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	// The patch arrives first and becomes a shadow row.
	patch := &model.SpanUpdate{
		TraceID:       traceID,
		ParentSpanID:  parentID,
		Input:         model.JSON(`{"q":1}`),
		LastUpdatedAt: tsPtr("2024-01-01T00:00:00Z"),
	}
	shadow, err := mergeSpanPatch(nil, id, projectID, patch, "alice")
	require.NoError(t, err)
	require.NotNil(t, shadow)
	assert.True(t, shadow.StartTime.IsEpoch())
	assert.Equal(t, traceID, shadow.TraceID)

	// The create then materializes it, keeping the patched input.
	create := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		ParentSpanID:  parentID,
		Name:          "root",
		StartTime:     ts("2024-01-01T00:00:00Z"),
		EndTime:       tsPtr("2024-01-01T00:00:01Z"),
		Output:        model.JSON(`{"a":2}`),
		LastUpdatedAt: ts("2024-01-01T00:00:05Z"),
	}
	merged, err := mergeSpanCreate(shadow, create)
	require.NoError(t, err)

	assert.Equal(t, "root", merged.Name)
	assert.JSONEq(t, `{"q":1}`, string(merged.Input))
	assert.JSONEq(t, `{"a":2}`, string(merged.Output))
	assert.False(t, merged.StartTime.IsEpoch())
	assert.Equal(t, 1000.0, merged.Duration)
}

func TestCreateBeforePatchMerges(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	create := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		Name:          "root",
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:01Z"),
	}
	first, err := mergeSpanCreate(nil, create)
	require.NoError(t, err)

	patch := &model.SpanUpdate{
		TraceID:       traceID,
		EndTime:       tsPtr("2024-01-01T00:00:02Z"),
		Output:        model.JSON(`{"a":2}`),
		LastUpdatedAt: tsPtr("2024-01-01T00:00:03Z"),
	}
	merged, err := mergeSpanPatch(first, id, projectID, patch, "bob")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "root", merged.Name)
	assert.Equal(t, 2000.0, merged.Duration)
	assert.Equal(t, "bob", merged.LastUpdatedBy)
}

func TestTraceIDConflict(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	patch := &model.SpanUpdate{
		TraceID:       uuid.Must(uuid.NewV7()),
		LastUpdatedAt: tsPtr("2024-01-01T00:00:00Z"),
	}
	shadow, err := mergeSpanPatch(nil, id, projectID, patch, "alice")
	require.NoError(t, err)

	create := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       uuid.Must(uuid.NewV7()), // differs
		Name:          "root",
		StartTime:     ts("2024-01-01T00:00:01Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:02Z"),
	}
	_, err = mergeSpanCreate(shadow, create)
	require.Error(t, err)
	reqErr, ok := err.(*model.RequestError)
	require.True(t, ok)
	assert.Equal(t, 409, reqErr.Code)
	assert.Equal(t, "trace_id does not match the existing span", reqErr.Message)
}

func TestParentSpanIDConflict(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	existing := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		ParentSpanID:  uuid.Must(uuid.NewV7()),
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:00Z"),
	}
	create := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		ParentSpanID:  uuid.Must(uuid.NewV7()),
		StartTime:     ts("2024-01-01T00:00:01Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:02Z"),
	}
	_, err := mergeSpanCreate(existing, create)
	require.Error(t, err)
	assert.Equal(t, "parent_span_id does not match the existing span", err.Error())
}

func TestProjectConflict(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())

	existing := &model.Span{
		ID:            id,
		ProjectID:     uuid.Must(uuid.NewV7()),
		TraceID:       traceID,
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:00Z"),
	}
	create := &model.Span{
		ID:            id,
		ProjectID:     uuid.Must(uuid.NewV7()),
		TraceID:       traceID,
		StartTime:     ts("2024-01-01T00:00:01Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:02Z"),
	}
	_, err := mergeSpanCreate(existing, create)
	require.Error(t, err)
	assert.Equal(t, "Project name and workspace name do not match the existing span", err.Error())
}

func TestStalePatchDroppedSilently(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	existing := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       uuid.Must(uuid.NewV7()),
		Name:          "current",
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:10:00Z"),
	}
	patch := &model.SpanUpdate{
		Name:          strPtr("stale"),
		LastUpdatedAt: tsPtr("2024-01-01T00:05:00Z"),
	}
	merged, err := mergeSpanPatch(existing, id, projectID, patch, "bob")
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestExplicitNullClearsCollections(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	existing := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       uuid.Must(uuid.NewV7()),
		Tags:          []string{"keep?"},
		Usage:         map[string]int64{"prompt_tokens": 5},
		Input:         model.JSON(`{"q":1}`),
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:00Z"),
	}
	patch := &model.SpanUpdate{
		Nulls:         model.NullFlags{Tags: true, Usage: true},
		LastUpdatedAt: tsPtr("2024-01-01T00:00:01Z"),
	}
	merged, err := mergeSpanPatch(existing, id, projectID, patch, "bob")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Nil(t, merged.Tags)
	assert.Nil(t, merged.Usage)
	// Absent fields stay.
	assert.JSONEq(t, `{"q":1}`, string(merged.Input))
}

func TestEmptyNeverOverwrites(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())
	existing := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		Name:          "named",
		Tags:          []string{"a"},
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:00Z"),
	}
	create := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       traceID,
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:05Z"),
	}
	merged, err := mergeSpanCreate(existing, create)
	require.NoError(t, err)
	assert.Equal(t, "named", merged.Name)
	assert.Equal(t, []string{"a"}, merged.Tags)
}

func TestInterleavingOrderIndependence(t *testing.T) {
	// The final state must equal the merge of all operations in
	// last_updated_at order, whatever the arrival order.
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	traceID := uuid.Must(uuid.NewV7())

	mkCreate := func() *model.Span {
		return &model.Span{
			ID:            id,
			ProjectID:     projectID,
			TraceID:       traceID,
			Name:          "root",
			StartTime:     ts("2024-01-01T00:00:00Z"),
			Output:        model.JSON(`{"a":1}`),
			LastUpdatedAt: ts("2024-01-01T00:00:02Z"),
		}
	}
	mkPatch := func() *model.SpanUpdate {
		return &model.SpanUpdate{
			TraceID:       traceID,
			Input:         model.JSON(`{"q":9}`),
			EndTime:       tsPtr("2024-01-01T00:00:03Z"),
			LastUpdatedAt: tsPtr("2024-01-01T00:00:04Z"),
		}
	}

	// Arrival order A: create then patch.
	a, err := mergeSpanCreate(nil, mkCreate())
	require.NoError(t, err)
	a, err = mergeSpanPatch(a, id, projectID, mkPatch(), "u")
	require.NoError(t, err)

	// Arrival order B: patch then create.
	b, err := mergeSpanPatch(nil, id, projectID, mkPatch(), "u")
	require.NoError(t, err)
	b, err = mergeSpanCreate(b, mkCreate())
	require.NoError(t, err)

	assert.Equal(t, a.Name, b.Name)
	assert.JSONEq(t, string(a.Input), string(b.Input))
	assert.JSONEq(t, string(a.Output), string(b.Output))
	assert.Equal(t, a.StartTime, b.StartTime)
	assert.Equal(t, a.Duration, b.Duration)
	assert.Equal(t, a.LastUpdatedAt, b.LastUpdatedAt)
}

func TestCostRecomputedOnUsageChange(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	existing := &model.Span{
		ID:            id,
		ProjectID:     projectID,
		TraceID:       uuid.Must(uuid.NewV7()),
		Model:         "gpt-4o",
		Provider:      "openai",
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:00Z"),
	}
	usage := map[string]int64{"prompt_tokens": 1000, "completion_tokens": 1000}
	patch := &model.SpanUpdate{
		Usage:         &usage,
		LastUpdatedAt: tsPtr("2024-01-01T00:00:01Z"),
	}
	merged, err := mergeSpanPatch(existing, id, projectID, patch, "u")
	require.NoError(t, err)
	require.NotNil(t, merged)
	require.NotNil(t, merged.TotalEstimatedCost)
	assert.True(t, merged.TotalEstimatedCost.Equal(decimal.RequireFromString("0.0125")), merged.TotalEstimatedCost.String())
	assert.NotEmpty(t, merged.TotalEstimatedCostVersion)
}

func TestManualCostSurvivesMerge(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())
	manual := decimal.RequireFromString("1.5")
	patch := &model.SpanUpdate{
		TotalEstimatedCost: &manual,
		LastUpdatedAt:      tsPtr("2024-01-01T00:00:00Z"),
	}
	shadow, err := mergeSpanPatch(nil, id, projectID, patch, "u")
	require.NoError(t, err)
	require.NotNil(t, shadow.TotalEstimatedCost)
	assert.True(t, shadow.TotalEstimatedCost.Equal(manual))
	assert.Empty(t, shadow.TotalEstimatedCostVersion)

	negative := decimal.RequireFromString("-1")
	_, err = mergeSpanPatch(nil, id, projectID, &model.SpanUpdate{TotalEstimatedCost: &negative}, "u")
	require.Error(t, err)
	assert.Equal(t, 422, model.StatusOf(err))
}

func TestTraceMergeMirrorsSpanRules(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	patch := &model.TraceUpdate{
		Input:         model.JSON(`{"q":1}`),
		LastUpdatedAt: tsPtr("2024-01-01T00:00:00Z"),
	}
	shadow, err := mergeTracePatch(nil, id, projectID, patch, "alice")
	require.NoError(t, err)
	assert.True(t, shadow.StartTime.IsEpoch())

	create := &model.Trace{
		ID:            id,
		ProjectID:     projectID,
		Name:          "run",
		StartTime:     ts("2024-01-01T00:00:00Z"),
		EndTime:       tsPtr("2024-01-01T00:00:02Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:05Z"),
	}
	merged, err := mergeTraceCreate(shadow, create)
	require.NoError(t, err)
	assert.Equal(t, "run", merged.Name)
	assert.JSONEq(t, `{"q":1}`, string(merged.Input))
	assert.Equal(t, 2000.0, merged.Duration)

	other := &model.Trace{
		ID:            id,
		ProjectID:     uuid.Must(uuid.NewV7()),
		StartTime:     ts("2024-01-01T00:00:00Z"),
		LastUpdatedAt: ts("2024-01-01T00:00:06Z"),
	}
	_, err = mergeTraceCreate(merged, other)
	require.Error(t, err)
	assert.Equal(t, "Project name and workspace name do not match the existing trace", err.Error())
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package model defines the native trace/span records and their companion
// entities. Records are plain structs; enums are small tagged string types.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JSON is a free-form JSON tree stored and returned verbatim.
type JSON = json.RawMessage

// SpanType tags the kind of operation a span represents.
type SpanType string

// Span types.
const (
	SpanTypeGeneral SpanType = "general"
	SpanTypeLLM     SpanType = "llm"
	SpanTypeTool    SpanType = "tool"
)

// Valid reports whether t is a known span type.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeGeneral, SpanTypeLLM, SpanTypeTool:
		return true
	}
	return false
}

// ScoreSource tags where a feedback score came from.
type ScoreSource string

// Score sources.
const (
	ScoreSourceSDK           ScoreSource = "sdk"
	ScoreSourceUI            ScoreSource = "ui"
	ScoreSourceOnlineScoring ScoreSource = "online_scoring"
)

// Valid reports whether s is a known score source.
func (s ScoreSource) Valid() bool {
	switch s {
	case ScoreSourceSDK, ScoreSourceUI, ScoreSourceOnlineScoring:
		return true
	}
	return false
}

// EntityType distinguishes the two annotated entity kinds.
type EntityType string

// Entity types.
const (
	EntityTypeTrace EntityType = "trace"
	EntityTypeSpan  EntityType = "span"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTypeTrace || e == EntityTypeSpan
}

// Trace is a top-level invocation owned by exactly one project in exactly
// one workspace.
type Trace struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id,omitempty"`
	ProjectName string    `json:"project_name,omitempty"`

	Name      string `json:"name,omitempty"`
	StartTime Time   `json:"start_time"`
	EndTime   *Time  `json:"end_time,omitempty"`

	Input    JSON `json:"input,omitempty"`
	Output   JSON `json:"output,omitempty"`
	Metadata JSON `json:"metadata,omitempty"`

	Tags     []string         `json:"tags,omitempty"`
	ThreadID string           `json:"thread_id,omitempty"`
	Usage    map[string]int64 `json:"usage,omitempty"`

	ErrorInfo *ErrorInfo `json:"error_info,omitempty"`

	// A pointer so a zero cost is absent from responses rather than "0".
	TotalEstimatedCost        *decimal.Decimal `json:"total_estimated_cost,omitempty"`
	TotalEstimatedCostVersion string           `json:"total_estimated_cost_version,omitempty"`

	Duration float64 `json:"duration,omitempty"`

	FeedbackScores []FeedbackScore `json:"feedback_scores,omitempty"`
	Comments       []Comment       `json:"comments,omitempty"`

	CreatedAt     Time   `json:"created_at,omitempty"`
	LastUpdatedAt Time   `json:"last_updated_at,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
	LastUpdatedBy string `json:"last_updated_by,omitempty"`
}

// Span is an operation nested inside a trace.
type Span struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    uuid.UUID `json:"project_id,omitempty"`
	ProjectName  string    `json:"project_name,omitempty"`
	TraceID      uuid.UUID `json:"trace_id"`
	ParentSpanID uuid.UUID `json:"parent_span_id,omitempty"`

	Name      string   `json:"name,omitempty"`
	Type      SpanType `json:"type,omitempty"`
	StartTime Time     `json:"start_time"`
	EndTime   *Time    `json:"end_time,omitempty"`

	Input    JSON `json:"input,omitempty"`
	Output   JSON `json:"output,omitempty"`
	Metadata JSON `json:"metadata,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	Tags     []string         `json:"tags,omitempty"`
	ThreadID string           `json:"thread_id,omitempty"`
	Usage    map[string]int64 `json:"usage,omitempty"`

	ErrorInfo *ErrorInfo `json:"error_info,omitempty"`

	// A pointer so a zero cost is absent from responses rather than "0".
	TotalEstimatedCost        *decimal.Decimal `json:"total_estimated_cost,omitempty"`
	TotalEstimatedCostVersion string           `json:"total_estimated_cost_version,omitempty"`

	Duration float64 `json:"duration,omitempty"`

	FeedbackScores []FeedbackScore `json:"feedback_scores,omitempty"`
	Comments       []Comment       `json:"comments,omitempty"`

	CreatedAt     Time   `json:"created_at,omitempty"`
	LastUpdatedAt Time   `json:"last_updated_at,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
	LastUpdatedBy string `json:"last_updated_by,omitempty"`
}

// ErrorInfo carries structured failure information attached to an entity.
type ErrorInfo struct {
	ExceptionType string `json:"exception_type,omitempty"`
	Message       string `json:"message,omitempty"`
	Traceback     string `json:"traceback,omitempty"`
}

// SpanUpdate is a partial update; nil pointers mean "leave unchanged" and
// explicit nulls on collections mean "clear".
type SpanUpdate struct {
	ProjectName  string    `json:"project_name,omitempty"`
	ProjectID    uuid.UUID `json:"project_id,omitempty"`
	TraceID      uuid.UUID `json:"trace_id"`
	ParentSpanID uuid.UUID `json:"parent_span_id,omitempty"`

	Name    *string   `json:"name,omitempty"`
	Type    *SpanType `json:"type,omitempty"`
	EndTime *Time     `json:"end_time,omitempty"`

	Input    JSON `json:"input,omitempty"`
	Output   JSON `json:"output,omitempty"`
	Metadata JSON `json:"metadata,omitempty"`

	Model    *string `json:"model,omitempty"`
	Provider *string `json:"provider,omitempty"`

	Tags     *[]string         `json:"tags,omitempty"`
	ThreadID *string           `json:"thread_id,omitempty"`
	Usage    *map[string]int64 `json:"usage,omitempty"`

	ErrorInfo *ErrorInfo `json:"error_info,omitempty"`

	TotalEstimatedCost *decimal.Decimal `json:"total_estimated_cost,omitempty"`

	LastUpdatedAt *Time `json:"last_updated_at,omitempty"`

	// Nulls records collections that arrived as explicit JSON nulls.
	Nulls NullFlags `json:"-"`
}

// TraceUpdate is the trace flavor of SpanUpdate.
type TraceUpdate struct {
	ProjectName string    `json:"project_name,omitempty"`
	ProjectID   uuid.UUID `json:"project_id,omitempty"`

	Name    *string `json:"name,omitempty"`
	EndTime *Time   `json:"end_time,omitempty"`

	Input    JSON `json:"input,omitempty"`
	Output   JSON `json:"output,omitempty"`
	Metadata JSON `json:"metadata,omitempty"`

	Tags     *[]string         `json:"tags,omitempty"`
	ThreadID *string           `json:"thread_id,omitempty"`
	Usage    *map[string]int64 `json:"usage,omitempty"`

	ErrorInfo *ErrorInfo `json:"error_info,omitempty"`

	TotalEstimatedCost *decimal.Decimal `json:"total_estimated_cost,omitempty"`

	LastUpdatedAt *Time `json:"last_updated_at,omitempty"`

	// Nulls records collections that arrived as explicit JSON nulls.
	Nulls NullFlags `json:"-"`
}

// Project is a named bucket for traces within a workspace. The row itself
// lives in the relational metadata store; this is the in-process view.
type Project struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	WorkspaceID string     `json:"workspace_id"`
	Visibility  Visibility `json:"visibility"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
}

// Visibility controls anonymous read access to a project.
type Visibility string

// Project visibilities.
const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// DefaultProjectName is used when an ingest request names no project.
const DefaultProjectName = "Default Project"

// ResolveProjectName maps a blank project name to the default project.
func ResolveProjectName(name string) string {
	if strings.TrimSpace(name) == "" {
		return DefaultProjectName
	}
	return name
}

// TracePage is one page of a trace listing.
type TracePage struct {
	Page    int      `json:"page"`
	Size    int      `json:"size"`
	Total   uint64   `json:"total"`
	Content []*Trace `json:"content"`
}

// SpanPage is one page of a span listing.
type SpanPage struct {
	Page    int     `json:"page"`
	Size    int     `json:"size"`
	Total   uint64  `json:"total"`
	Content []*Span `json:"content"`
}

// ScoreStats aggregates one feedback score name.
type ScoreStats struct {
	Name string          `json:"name"`
	Min  decimal.Decimal `json:"min"`
	Avg  decimal.Decimal `json:"avg"`
	Max  decimal.Decimal `json:"max"`
}

// Stats is the aggregate view over a filtered entity set.
type Stats struct {
	Count          uint64            `json:"count"`
	DurationP50    float64           `json:"duration_p50"`
	DurationP90    float64           `json:"duration_p90"`
	DurationP99    float64           `json:"duration_p99"`
	DurationAvg    float64           `json:"duration_avg"`
	TotalCost      decimal.Decimal   `json:"total_estimated_cost_sum"`
	FeedbackScores []ScoreStats      `json:"feedback_scores,omitempty"`
	Cardinality    map[string]uint64 `json:"cardinality,omitempty"`
}

// ComputeDuration returns end-start in milliseconds with sub-millisecond
// decimals, matching how durations are surfaced in listings and stats.
func ComputeDuration(start Time, end *Time) float64 {
	if start.IsZero() || end == nil || end.IsZero() {
		return 0
	}
	return float64(end.Sub(start.Time).Microseconds()) / 1000.0
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package otel

import (
	"time"

	"github.com/google/uuid"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/traceloom/traceloom/pkg/model"
)

// Batch is the native view of one OTLP export request.
type Batch struct {
	Traces []*model.Trace
	Spans  []*model.Span
}

// Translator converts OTLP exports into native records.
type Translator struct {
	ids *IDMapper
}

// NewTranslator returns a Translator with a fresh id mapping.
func NewTranslator() *Translator {
	return &Translator{ids: NewIDMapper()}
}

// Translate maps every span in the export onto the native model. Root
// spans additionally materialize a trace record so the trace listing shows
// OTel traffic without waiting for an explicit trace create.
func (t *Translator) Translate(workspaceID, projectName string, req *coltracepb.ExportTraceServiceRequest) (*Batch, error) {
	projectName = model.ResolveProjectName(projectName)
	batch := &Batch{}
	roots := map[uuid.UUID]*model.Trace{}

	minNanos := batchMinStart(req)
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, osp := range ss.GetSpans() {
				if len(osp.GetTraceId()) == 0 || len(osp.GetSpanId()) == 0 {
					return nil, model.NewBadRequest("OTLP span is missing trace_id or span_id")
				}
				traceID, pinnedNanos := t.ids.Resolve(workspaceID, osp.GetTraceId(), minNanos)

				sp := t.nativeSpan(projectName, traceID, pinnedNanos, osp)
				batch.Spans = append(batch.Spans, sp)

				if len(osp.GetParentSpanId()) == 0 {
					roots[traceID] = t.nativeTrace(projectName, traceID, sp, osp)
				}
			}
		}
	}
	for _, tr := range roots {
		batch.Traces = append(batch.Traces, tr)
	}
	return batch, nil
}

func (t *Translator) nativeSpan(projectName string, traceID uuid.UUID, pinnedNanos uint64, osp *tracepb.Span) *model.Span {
	sp := &model.Span{
		ID:          DeriveUUID(osp.GetSpanId(), pinnedNanos),
		TraceID:     traceID,
		ProjectName: projectName,
		Name:        osp.GetName(),
		StartTime:   nanosTime(osp.GetStartTimeUnixNano()),
	}
	if len(osp.GetParentSpanId()) > 0 {
		sp.ParentSpanID = DeriveUUID(osp.GetParentSpanId(), pinnedNanos)
	}
	if end := osp.GetEndTimeUnixNano(); end > 0 {
		et := nanosTime(end)
		sp.EndTime = &et
	}
	applyAttributes(sp, osp.GetAttributes())

	if st := osp.GetStatus(); st != nil && st.GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		sp.ErrorInfo = &model.ErrorInfo{
			ExceptionType: "otel",
			Message:       st.GetMessage(),
		}
	}
	return sp
}

func (t *Translator) nativeTrace(projectName string, traceID uuid.UUID, sp *model.Span, osp *tracepb.Span) *model.Trace {
	return &model.Trace{
		ID:          traceID,
		ProjectName: projectName,
		Name:        osp.GetName(),
		StartTime:   sp.StartTime,
		EndTime:     sp.EndTime,
		Input:       sp.Input,
		Output:      sp.Output,
		Metadata:    sp.Metadata,
		Tags:        sp.Tags,
		ThreadID:    sp.ThreadID,
		ErrorInfo:   sp.ErrorInfo,
	}
}

// batchMinStart finds the earliest span start across the whole export.
func batchMinStart(req *coltracepb.ExportTraceServiceRequest) uint64 {
	var min uint64
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, sp := range ss.GetSpans() {
				start := sp.GetStartTimeUnixNano()
				if start == 0 {
					continue
				}
				if min == 0 || start < min {
					min = start
				}
			}
		}
	}
	if min == 0 {
		min = uint64(time.Now().UnixNano())
	}
	return min
}

func nanosTime(nanos uint64) model.Time {
	if nanos == 0 {
		return model.Now()
	}
	return model.Time{Time: time.Unix(0, int64(nanos)).UTC()}
}

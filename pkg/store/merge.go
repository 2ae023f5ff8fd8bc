// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package store

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/traceloom/traceloom/pkg/cost"
	"github.com/traceloom/traceloom/pkg/model"
)

// The merge rules, all in one place. Writes never mutate rows in the
// analytics store; they produce a new version row from the stored row and
// the incoming one. Field-level policy is last-writer-wins on the
// effective last_updated_at, with empty values never overwriting stored
// ones. A collection sent as an explicit null clears.

// effectiveTime resolves the version timestamp: client-supplied wins, else
// the server clock at ingest.
func effectiveTime(client *model.Time) model.Time {
	if client != nil && !client.IsZero() {
		return *client
	}
	return model.Now()
}

// isShadow reports whether the stored row is an unmaterialized shadow
// created by an update that arrived before its create.
func isShadow(startTime model.Time) bool {
	return startTime.IsEpoch() || startTime.IsZero()
}

// mergeSpanCreate folds an incoming create into the stored row. With no
// stored row the create is returned as the first version. Conflicts never
// mutate state.
func mergeSpanCreate(existing, incoming *model.Span) (*model.Span, error) {
	incoming.LastUpdatedAt = effectiveTime(&incoming.LastUpdatedAt)
	if existing == nil {
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = model.Now()
		}
		if err := finishSpan(incoming, nil); err != nil {
			return nil, err
		}
		return incoming, nil
	}

	if err := spanConflicts(existing, incoming.ProjectID, incoming.TraceID, incoming.ParentSpanID); err != nil {
		return nil, err
	}

	merged := *existing
	if incoming.LastUpdatedAt.After(existing.LastUpdatedAt) {
		overlaySpan(&merged, incoming, model.NullFlags{})
		merged.LastUpdatedAt = incoming.LastUpdatedAt
		merged.LastUpdatedBy = pick(incoming.LastUpdatedBy, existing.LastUpdatedBy)
	} else {
		// The create is the older writer: it only fills gaps.
		base := *incoming
		base.CreatedAt = existing.CreatedAt
		base.LastUpdatedAt = existing.LastUpdatedAt
		base.LastUpdatedBy = existing.LastUpdatedBy
		overlaySpan(&base, existing, model.NullFlags{})
		merged = base
	}
	if isShadow(merged.StartTime) && !isShadow(incoming.StartTime) {
		merged.StartTime = incoming.StartTime
	}
	merged.CreatedAt = existing.CreatedAt
	merged.CreatedBy = pick(existing.CreatedBy, incoming.CreatedBy)
	if err := finishSpan(&merged, nil); err != nil {
		return nil, err
	}
	return &merged, nil
}

// mergeSpanPatch applies a partial update. With no stored row the patch
// becomes a shadow row with the epoch start-time sentinel. A patch that is
// not newer than the stored row is dropped silently: the returned row is
// nil and no version is written.
func mergeSpanPatch(existing *model.Span, id uuid.UUID, workspaceProjectID uuid.UUID, patch *model.SpanUpdate, user string) (*model.Span, error) {
	at := effectiveTime(patch.LastUpdatedAt)

	if existing == nil {
		shadow := &model.Span{
			ID:            id,
			ProjectID:     workspaceProjectID,
			TraceID:       patch.TraceID,
			ParentSpanID:  patch.ParentSpanID,
			StartTime:     model.Epoch(),
			CreatedAt:     model.Now(),
			CreatedBy:     user,
			LastUpdatedAt: at,
			LastUpdatedBy: user,
		}
		applySpanFields(shadow, patch)
		if err := finishSpan(shadow, patch.TotalEstimatedCost); err != nil {
			return nil, err
		}
		return shadow, nil
	}

	if err := spanConflicts(existing, workspaceProjectID, patch.TraceID, patch.ParentSpanID); err != nil {
		return nil, err
	}
	if !at.After(existing.LastUpdatedAt) {
		return nil, nil
	}

	merged := *existing
	applySpanFields(&merged, patch)
	clearCollections(&merged, patch.Nulls)
	merged.LastUpdatedAt = at
	merged.LastUpdatedBy = pick(user, existing.LastUpdatedBy)
	if err := finishSpan(&merged, patch.TotalEstimatedCost); err != nil {
		return nil, err
	}
	return &merged, nil
}

// spanConflicts enforces the immutable-once-set identifiers.
func spanConflicts(existing *model.Span, projectID, traceID, parentSpanID uuid.UUID) error {
	if existing.ProjectID != uuid.Nil && projectID != uuid.Nil && existing.ProjectID != projectID {
		return model.NewConflict(model.MsgProjectWorkspaceMismatchSpan)
	}
	if existing.TraceID != uuid.Nil && traceID != uuid.Nil && existing.TraceID != traceID {
		return model.NewConflict(model.MsgTraceIDMismatch)
	}
	if existing.ParentSpanID != uuid.Nil && parentSpanID != uuid.Nil && existing.ParentSpanID != parentSpanID {
		return model.NewConflict(model.MsgParentSpanIDMismatch)
	}
	return nil
}

// overlaySpan copies src's non-empty fields over dst.
func overlaySpan(dst, src *model.Span, nulls model.NullFlags) {
	if src.ProjectID != uuid.Nil {
		dst.ProjectID = src.ProjectID
	}
	if src.ProjectName != "" {
		dst.ProjectName = src.ProjectName
	}
	if src.TraceID != uuid.Nil {
		dst.TraceID = src.TraceID
	}
	if src.ParentSpanID != uuid.Nil {
		dst.ParentSpanID = src.ParentSpanID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if !isShadow(src.StartTime) {
		dst.StartTime = src.StartTime
	}
	if src.EndTime != nil && !src.EndTime.IsZero() {
		dst.EndTime = src.EndTime
	}
	if len(src.Input) > 0 {
		dst.Input = src.Input
	}
	if len(src.Output) > 0 {
		dst.Output = src.Output
	}
	if len(src.Metadata) > 0 {
		dst.Metadata = src.Metadata
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Provider != "" {
		dst.Provider = src.Provider
	}
	if src.ThreadID != "" {
		dst.ThreadID = src.ThreadID
	}
	if len(src.Tags) > 0 {
		dst.Tags = src.Tags
	}
	if len(src.Usage) > 0 {
		dst.Usage = src.Usage
	}
	if src.ErrorInfo != nil {
		dst.ErrorInfo = src.ErrorInfo
	}
	if src.TotalEstimatedCost != nil && !src.TotalEstimatedCost.IsZero() {
		dst.TotalEstimatedCost = src.TotalEstimatedCost
		dst.TotalEstimatedCostVersion = src.TotalEstimatedCostVersion
	}
	clearCollections(dst, nulls)
}

// applySpanFields folds a patch's supplied fields into the span.
func applySpanFields(sp *model.Span, patch *model.SpanUpdate) {
	if patch.Name != nil && *patch.Name != "" {
		sp.Name = *patch.Name
	}
	if patch.Type != nil && *patch.Type != "" {
		sp.Type = *patch.Type
	}
	if patch.EndTime != nil && !patch.EndTime.IsZero() {
		sp.EndTime = patch.EndTime
	}
	if len(patch.Input) > 0 {
		sp.Input = patch.Input
	}
	if len(patch.Output) > 0 {
		sp.Output = patch.Output
	}
	if len(patch.Metadata) > 0 {
		sp.Metadata = patch.Metadata
	}
	if patch.Model != nil && *patch.Model != "" {
		sp.Model = *patch.Model
	}
	if patch.Provider != nil && *patch.Provider != "" {
		sp.Provider = *patch.Provider
	}
	if patch.ThreadID != nil && *patch.ThreadID != "" {
		sp.ThreadID = *patch.ThreadID
	}
	if patch.Tags != nil && len(*patch.Tags) > 0 {
		sp.Tags = *patch.Tags
	}
	if patch.Usage != nil && len(*patch.Usage) > 0 {
		sp.Usage = *patch.Usage
	}
	if patch.ErrorInfo != nil {
		sp.ErrorInfo = patch.ErrorInfo
	}
	if sp.TraceID == uuid.Nil && patch.TraceID != uuid.Nil {
		sp.TraceID = patch.TraceID
	}
	if sp.ParentSpanID == uuid.Nil && patch.ParentSpanID != uuid.Nil {
		sp.ParentSpanID = patch.ParentSpanID
	}
}

// clearCollections applies explicit-null clears.
func clearCollections(sp *model.Span, nulls model.NullFlags) {
	if nulls.Tags {
		sp.Tags = nil
	}
	if nulls.Usage {
		sp.Usage = nil
	}
	if nulls.Input {
		sp.Input = nil
	}
	if nulls.Output {
		sp.Output = nil
	}
	if nulls.Metadata {
		sp.Metadata = nil
	}
}

// finishSpan recomputes the derived fields after a merge. A manual cost,
// when supplied, wins over the rate card; a negative one is a validation
// failure.
func finishSpan(sp *model.Span, manual *decimal.Decimal) error {
	if manual == nil && sp.TotalEstimatedCost != nil && !sp.TotalEstimatedCost.IsZero() && sp.TotalEstimatedCostVersion == "" {
		// The stored cost was supplied manually on an earlier write.
		m := *sp.TotalEstimatedCost
		manual = &m
	}
	computed, version, err := cost.Compute(sp.Model, sp.Provider, sp.Usage, sp.Metadata, manual)
	if err != nil {
		return err
	}
	sp.TotalEstimatedCost = costPtr(computed)
	sp.TotalEstimatedCostVersion = version
	sp.Duration = model.ComputeDuration(sp.StartTime, sp.EndTime)
	return nil
}

// costPtr maps a computed cost to its stored form: zero means no cost and
// stays absent.
func costPtr(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

// costValue unwraps a cost pointer for the analytics store, which keeps a
// plain decimal column with 0 standing for absent.
func costValue(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

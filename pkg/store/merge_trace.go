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

// Trace merges follow the span rules minus the span-only identifiers:
// the only immutable-once-set field is the owning project.

func mergeTraceCreate(existing, incoming *model.Trace) (*model.Trace, error) {
	incoming.LastUpdatedAt = effectiveTime(&incoming.LastUpdatedAt)
	if existing == nil {
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = model.Now()
		}
		if err := finishTrace(incoming, nil); err != nil {
			return nil, err
		}
		return incoming, nil
	}

	if err := traceConflicts(existing, incoming.ProjectID); err != nil {
		return nil, err
	}

	merged := *existing
	if incoming.LastUpdatedAt.After(existing.LastUpdatedAt) {
		overlayTrace(&merged, incoming)
		merged.LastUpdatedAt = incoming.LastUpdatedAt
		merged.LastUpdatedBy = pick(incoming.LastUpdatedBy, existing.LastUpdatedBy)
	} else {
		base := *incoming
		base.CreatedAt = existing.CreatedAt
		base.LastUpdatedAt = existing.LastUpdatedAt
		base.LastUpdatedBy = existing.LastUpdatedBy
		overlayTrace(&base, existing)
		merged = base
	}
	if isShadow(merged.StartTime) && !isShadow(incoming.StartTime) {
		merged.StartTime = incoming.StartTime
	}
	merged.CreatedAt = existing.CreatedAt
	merged.CreatedBy = pick(existing.CreatedBy, incoming.CreatedBy)
	if err := finishTrace(&merged, nil); err != nil {
		return nil, err
	}
	return &merged, nil
}

func mergeTracePatch(existing *model.Trace, id uuid.UUID, workspaceProjectID uuid.UUID, patch *model.TraceUpdate, user string) (*model.Trace, error) {
	at := effectiveTime(patch.LastUpdatedAt)

	if existing == nil {
		shadow := &model.Trace{
			ID:            id,
			ProjectID:     workspaceProjectID,
			StartTime:     model.Epoch(),
			CreatedAt:     model.Now(),
			CreatedBy:     user,
			LastUpdatedAt: at,
			LastUpdatedBy: user,
		}
		applyTraceFields(shadow, patch)
		if err := finishTrace(shadow, patch.TotalEstimatedCost); err != nil {
			return nil, err
		}
		return shadow, nil
	}

	if err := traceConflicts(existing, workspaceProjectID); err != nil {
		return nil, err
	}
	if !at.After(existing.LastUpdatedAt) {
		return nil, nil
	}

	merged := *existing
	applyTraceFields(&merged, patch)
	clearTraceCollections(&merged, patch.Nulls)
	merged.LastUpdatedAt = at
	merged.LastUpdatedBy = pick(user, existing.LastUpdatedBy)
	if err := finishTrace(&merged, patch.TotalEstimatedCost); err != nil {
		return nil, err
	}
	return &merged, nil
}

func traceConflicts(existing *model.Trace, projectID uuid.UUID) error {
	if existing.ProjectID != uuid.Nil && projectID != uuid.Nil && existing.ProjectID != projectID {
		return model.NewConflict(model.MsgProjectWorkspaceMismatchTrace)
	}
	return nil
}

func overlayTrace(dst, src *model.Trace) {
	if src.ProjectID != uuid.Nil {
		dst.ProjectID = src.ProjectID
	}
	if src.ProjectName != "" {
		dst.ProjectName = src.ProjectName
	}
	if src.Name != "" {
		dst.Name = src.Name
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
}

func applyTraceFields(tr *model.Trace, patch *model.TraceUpdate) {
	if patch.Name != nil && *patch.Name != "" {
		tr.Name = *patch.Name
	}
	if patch.EndTime != nil && !patch.EndTime.IsZero() {
		tr.EndTime = patch.EndTime
	}
	if len(patch.Input) > 0 {
		tr.Input = patch.Input
	}
	if len(patch.Output) > 0 {
		tr.Output = patch.Output
	}
	if len(patch.Metadata) > 0 {
		tr.Metadata = patch.Metadata
	}
	if patch.ThreadID != nil && *patch.ThreadID != "" {
		tr.ThreadID = *patch.ThreadID
	}
	if patch.Tags != nil && len(*patch.Tags) > 0 {
		tr.Tags = *patch.Tags
	}
	if patch.Usage != nil && len(*patch.Usage) > 0 {
		tr.Usage = *patch.Usage
	}
	if patch.ErrorInfo != nil {
		tr.ErrorInfo = patch.ErrorInfo
	}
}

func clearTraceCollections(tr *model.Trace, nulls model.NullFlags) {
	if nulls.Tags {
		tr.Tags = nil
	}
	if nulls.Usage {
		tr.Usage = nil
	}
	if nulls.Input {
		tr.Input = nil
	}
	if nulls.Output {
		tr.Output = nil
	}
	if nulls.Metadata {
		tr.Metadata = nil
	}
}

// finishTrace recomputes derived trace fields. Traces carry no model or
// provider, so only a manual cost or a client-computed metadata cost
// contributes.
func finishTrace(tr *model.Trace, manual *decimal.Decimal) error {
	if manual == nil && tr.TotalEstimatedCost != nil && !tr.TotalEstimatedCost.IsZero() && tr.TotalEstimatedCostVersion == "" {
		m := *tr.TotalEstimatedCost
		manual = &m
	}
	computed, version, err := cost.Compute("", "", tr.Usage, tr.Metadata, manual)
	if err != nil {
		return err
	}
	tr.TotalEstimatedCost = costPtr(computed)
	tr.TotalEstimatedCostVersion = version
	tr.Duration = model.ComputeDuration(tr.StartTime, tr.EndTime)
	return nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Feedback score bounds: nine integer digits and nine decimal places.
var (
	ScoreMin = decimal.RequireFromString("-999999999.999999999")
	ScoreMax = decimal.RequireFromString("999999999.999999999")
)

// FeedbackScore is a numeric annotation on a trace or span, keyed by
// (entity_id, name, author); writing the same key again replaces the value.
type FeedbackScore struct {
	EntityID     uuid.UUID       `json:"-"`
	Name         string          `json:"name"`
	CategoryName string          `json:"category_name,omitempty"`
	Value        decimal.Decimal `json:"value"`
	Reason       string          `json:"reason,omitempty"`
	Source       ScoreSource     `json:"source"`
	CreatedAt    Time            `json:"created_at,omitempty"`
	LastUpdatedAt Time           `json:"last_updated_at,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	LastUpdatedBy string         `json:"last_updated_by,omitempty"`
}

// Validate accumulates validation failures on the score.
func (s *FeedbackScore) Validate() []string {
	var errs []string
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, "name must not be blank")
	}
	if s.Value.LessThan(ScoreMin) || s.Value.GreaterThan(ScoreMax) {
		errs = append(errs, "value must be between -999999999.999999999 and 999999999.999999999")
	}
	if s.Value.Exponent() < -9 {
		errs = append(errs, "value must have at most 9 decimal places")
	}
	if s.Source != "" && !s.Source.Valid() {
		errs = append(errs, "source must be one of [sdk, ui, online_scoring]")
	}
	return errs
}

// FeedbackScoreBatchItem scopes a score to an entity and project for the
// batch endpoint.
type FeedbackScoreBatchItem struct {
	ID          uuid.UUID `json:"id"`
	ProjectName string    `json:"project_name,omitempty"`
	FeedbackScore
}

// DeleteFeedbackScore identifies a score to remove.
type DeleteFeedbackScore struct {
	Name   string `json:"name"`
	Author string `json:"author,omitempty"`
}

// Comment is a free-text annotation on a trace or span.
type Comment struct {
	ID            uuid.UUID `json:"id"`
	EntityID      uuid.UUID `json:"-"`
	Text          string    `json:"text"`
	CreatedAt     Time      `json:"created_at,omitempty"`
	LastUpdatedAt Time      `json:"last_updated_at,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	LastUpdatedBy string    `json:"last_updated_by,omitempty"`
}

// Validate accumulates validation failures on the comment.
func (c *Comment) Validate() []string {
	if strings.TrimSpace(c.Text) == "" {
		return []string{"text must not be blank"}
	}
	return nil
}

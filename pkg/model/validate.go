// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ValidateEntityID checks the version-7 requirement on an entity id. The
// entity name appears in the message ("Span", "Trace").
func ValidateEntityID(id uuid.UUID, entity string) error {
	if id == uuid.Nil {
		return NewBadRequest("%s id must not be empty", entity)
	}
	if id.Version() != 7 {
		return NewBadRequest("%s id must be a version 7 UUID, got version %d", entity, id.Version())
	}
	return nil
}

// The write-validation tables below are consulted once per request; every
// failing rule contributes one message and the request fails with the
// accumulated set.

type spanRule struct {
	field string
	check func(*Span) string
}

var spanWriteRules = []spanRule{
	{"name", func(s *Span) string {
		if strings.TrimSpace(s.Name) == "" {
			return "name must not be blank"
		}
		return ""
	}},
	{"start_time", func(s *Span) string {
		if s.StartTime.IsZero() {
			return "start_time must not be null"
		}
		return ""
	}},
	{"trace_id", func(s *Span) string {
		if s.TraceID == uuid.Nil {
			return "trace_id must not be null"
		}
		return ""
	}},
	{"type", func(s *Span) string {
		if s.Type != "" && !s.Type.Valid() {
			return "type must be one of [general, llm, tool]"
		}
		return ""
	}},
	{"end_time", func(s *Span) string {
		if s.EndTime != nil && !s.EndTime.IsZero() && s.EndTime.Time.Before(s.StartTime.Time) {
			return "end_time must not precede start_time"
		}
		return ""
	}},
	{"usage", func(s *Span) string {
		for k, v := range s.Usage {
			if v < 0 {
				return "usage." + k + " must not be negative"
			}
		}
		return ""
	}},
	{"total_estimated_cost", func(s *Span) string {
		if s.TotalEstimatedCost != nil && s.TotalEstimatedCost.IsNegative() {
			return "total_estimated_cost must not be negative"
		}
		return ""
	}},
}

// ValidateSpanWrite validates a span create payload. The id itself is
// checked separately by ValidateEntityID so that an invalid UUID yields a
// 400 rather than joining the 422 accumulation.
func ValidateSpanWrite(s *Span) error {
	var errs []string
	for _, rule := range spanWriteRules {
		if msg := rule.check(s); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs}
	}
	return nil
}

type traceRule struct {
	field string
	check func(*Trace) string
}

var traceWriteRules = []traceRule{
	{"name", func(t *Trace) string {
		if strings.TrimSpace(t.Name) == "" {
			return "name must not be blank"
		}
		return ""
	}},
	{"start_time", func(t *Trace) string {
		if t.StartTime.IsZero() {
			return "start_time must not be null"
		}
		return ""
	}},
	{"end_time", func(t *Trace) string {
		if t.EndTime != nil && !t.EndTime.IsZero() && t.EndTime.Time.Before(t.StartTime.Time) {
			return "end_time must not precede start_time"
		}
		return ""
	}},
	{"usage", func(t *Trace) string {
		for k, v := range t.Usage {
			if v < 0 {
				return "usage." + k + " must not be negative"
			}
		}
		return ""
	}},
	{"total_estimated_cost", func(t *Trace) string {
		if t.TotalEstimatedCost != nil && t.TotalEstimatedCost.IsNegative() {
			return "total_estimated_cost must not be negative"
		}
		return ""
	}},
}

// ValidateTraceWrite validates a trace create payload.
func ValidateTraceWrite(t *Trace) error {
	var errs []string
	for _, rule := range traceWriteRules {
		if msg := rule.check(t); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs}
	}
	return nil
}

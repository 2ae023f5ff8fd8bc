// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package fields implements response column projection: list endpoints
// accept an exclude parameter naming fields to omit, drawn from a closed
// set.
package fields

import (
	"strings"

	"github.com/traceloom/traceloom/pkg/model"
)

// Excludable is the closed set of field names the exclude parameter admits.
var Excludable = map[string]bool{
	"name":                         true,
	"type":                         true,
	"start_time":                   true,
	"end_time":                     true,
	"input":                        true,
	"output":                       true,
	"metadata":                     true,
	"model":                        true,
	"provider":                     true,
	"tags":                         true,
	"usage":                        true,
	"error_info":                   true,
	"created_at":                   true,
	"created_by":                   true,
	"last_updated_by":              true,
	"feedback_scores":              true,
	"comments":                     true,
	"total_estimated_cost":         true,
	"total_estimated_cost_version": true,
	"duration":                     true,
}

// Parse splits a comma-separated exclude parameter and rejects names
// outside the closed set.
func Parse(raw string) (map[string]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !Excludable[name] {
			return nil, model.NewBadRequest("Invalid exclude field '%s'", name)
		}
		out[name] = true
	}
	return out, nil
}

// ApplySpan zeroes excluded fields on the span.
func ApplySpan(s *model.Span, exclude map[string]bool) {
	if len(exclude) == 0 {
		return
	}
	if exclude["name"] {
		s.Name = ""
	}
	if exclude["type"] {
		s.Type = ""
	}
	if exclude["start_time"] {
		s.StartTime = model.Time{}
	}
	if exclude["end_time"] {
		s.EndTime = nil
	}
	if exclude["input"] {
		s.Input = nil
	}
	if exclude["output"] {
		s.Output = nil
	}
	if exclude["metadata"] {
		s.Metadata = nil
	}
	if exclude["model"] {
		s.Model = ""
	}
	if exclude["provider"] {
		s.Provider = ""
	}
	if exclude["tags"] {
		s.Tags = nil
	}
	if exclude["usage"] {
		s.Usage = nil
	}
	if exclude["error_info"] {
		s.ErrorInfo = nil
	}
	if exclude["created_at"] {
		s.CreatedAt = model.Time{}
	}
	if exclude["created_by"] {
		s.CreatedBy = ""
	}
	if exclude["last_updated_by"] {
		s.LastUpdatedBy = ""
	}
	if exclude["feedback_scores"] {
		s.FeedbackScores = nil
	}
	if exclude["comments"] {
		s.Comments = nil
	}
	if exclude["total_estimated_cost"] {
		s.TotalEstimatedCost = nil
	}
	if exclude["total_estimated_cost_version"] {
		s.TotalEstimatedCostVersion = ""
	}
	if exclude["duration"] {
		s.Duration = 0
	}
}

// ApplyTrace zeroes excluded fields on the trace; span-only names are
// ignored.
func ApplyTrace(t *model.Trace, exclude map[string]bool) {
	if len(exclude) == 0 {
		return
	}
	if exclude["name"] {
		t.Name = ""
	}
	if exclude["start_time"] {
		t.StartTime = model.Time{}
	}
	if exclude["end_time"] {
		t.EndTime = nil
	}
	if exclude["input"] {
		t.Input = nil
	}
	if exclude["output"] {
		t.Output = nil
	}
	if exclude["metadata"] {
		t.Metadata = nil
	}
	if exclude["tags"] {
		t.Tags = nil
	}
	if exclude["usage"] {
		t.Usage = nil
	}
	if exclude["error_info"] {
		t.ErrorInfo = nil
	}
	if exclude["created_at"] {
		t.CreatedAt = model.Time{}
	}
	if exclude["created_by"] {
		t.CreatedBy = ""
	}
	if exclude["last_updated_by"] {
		t.LastUpdatedBy = ""
	}
	if exclude["feedback_scores"] {
		t.FeedbackScores = nil
	}
	if exclude["comments"] {
		t.Comments = nil
	}
	if exclude["total_estimated_cost"] {
		t.TotalEstimatedCost = nil
	}
	if exclude["total_estimated_cost_version"] {
		t.TotalEstimatedCostVersion = ""
	}
	if exclude["duration"] {
		t.Duration = 0
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package store

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/traceloom/traceloom/pkg/model"
)

var sortjson = jsoniter.ConfigCompatibleWithStandardLibrary

// SortField is one entry of the sorting query parameter.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// sortableColumns is the closed set of columns a listing may order by.
var sortableColumns = map[string]bool{
	"id":                   true,
	"name":                 true,
	"start_time":           true,
	"end_time":             true,
	"created_at":           true,
	"last_updated_at":      true,
	"total_estimated_cost": true,
}

// ParseSorting decodes and validates the sorting query parameter, a JSON
// array of {field, direction} entries.
func ParseSorting(raw string) ([]SortField, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var sorts []SortField
	if err := sortjson.UnmarshalFromString(raw, &sorts); err != nil {
		return nil, model.NewBadRequest("Invalid sorting query parameter '%s'", raw)
	}
	for i, s := range sorts {
		if !sortableColumns[s.Field] {
			return nil, model.NewBadRequest("Invalid sorting field '%s'", s.Field)
		}
		switch strings.ToUpper(s.Direction) {
		case "", "ASC":
			sorts[i].Direction = "ASC"
		case "DESC":
			sorts[i].Direction = "DESC"
		default:
			return nil, model.NewBadRequest("Invalid sorting direction '%s'", s.Direction)
		}
	}
	return sorts, nil
}

// orderSQL renders an ORDER BY clause, falling back to the store's
// natural order when no sorting was requested. Fields come from the
// closed sortableColumns set, never from raw input.
func orderSQL(sorts []SortField, fallback string) string {
	if len(sorts) == 0 {
		return fallback
	}
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		parts[i] = s.Field + " " + s.Direction
	}
	return strings.Join(parts, ", ")
}

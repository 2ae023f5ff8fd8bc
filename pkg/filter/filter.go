// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package filter compiles the user-facing filter DSL into parameterized
// ClickHouse predicates. Validation happens in two passes: operator against
// field type first, then value and key shape, each with its own message.
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/traceloom/traceloom/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operator is a filter comparison operator as it appears on the wire.
type Operator string

// Operators.
const (
	OpEqual            Operator = "="
	OpNotEqual         Operator = "!="
	OpGreaterThan      Operator = ">"
	OpGreaterThanEqual Operator = ">="
	OpLessThan         Operator = "<"
	OpLessThanEqual    Operator = "<="
	OpContains         Operator = "contains"
	OpNotContains      Operator = "not_contains"
	OpStartsWith       Operator = "starts_with"
	OpEndsWith         Operator = "ends_with"
	OpIsEmpty          Operator = "is_empty"
	OpIsNotEmpty       Operator = "is_not_empty"
)

// noValueOperators admit an empty value.
var noValueOperators = map[Operator]bool{
	OpIsEmpty:    true,
	OpIsNotEmpty: true,
}

// FieldKind is the semantic type of a filterable field.
type FieldKind string

// Field kinds; the string forms appear verbatim in validation messages.
const (
	KindString         FieldKind = "string"
	KindNumber         FieldKind = "number"
	KindDateTime       FieldKind = "date_time"
	KindList           FieldKind = "list"
	KindDictionary     FieldKind = "dictionary"
	KindFeedbackScores FieldKind = "feedback_scores_number"
)

// Clause is one parsed filter expression.
type Clause struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Key      string   `json:"key,omitempty"`
	Value    string   `json:"value"`
}

// Target selects the entity whose fields are being filtered.
type Target int

// Targets.
const (
	TargetTrace Target = iota
	TargetSpan
)

type fieldSpec struct {
	kind   FieldKind
	column string
}

// traceFields and spanFields map wire field names to kinds and analytics
// store columns. usage.* is handled dynamically.
var traceFields = map[string]fieldSpec{
	"id":                   {KindString, "id"},
	"name":                 {KindString, "name"},
	"input":                {KindString, "input"},
	"output":               {KindString, "output"},
	"thread_id":            {KindString, "thread_id"},
	"start_time":           {KindDateTime, "start_time"},
	"end_time":             {KindDateTime, "end_time"},
	"created_at":           {KindDateTime, "created_at"},
	"last_updated_at":      {KindDateTime, "last_updated_at"},
	"duration":             {KindNumber, "duration"},
	"total_estimated_cost": {KindNumber, "total_estimated_cost"},
	"tags":                 {KindList, "tags"},
	"metadata":             {KindDictionary, "metadata"},
	"feedback_scores":      {KindFeedbackScores, "value"},
}

var spanFields = map[string]fieldSpec{
	"id":                   {KindString, "id"},
	"name":                 {KindString, "name"},
	"input":                {KindString, "input"},
	"output":               {KindString, "output"},
	"model":                {KindString, "model"},
	"provider":             {KindString, "provider"},
	"thread_id":            {KindString, "thread_id"},
	"trace_id":             {KindString, "trace_id"},
	"type":                 {KindString, "type"},
	"start_time":           {KindDateTime, "start_time"},
	"end_time":             {KindDateTime, "end_time"},
	"created_at":           {KindDateTime, "created_at"},
	"last_updated_at":      {KindDateTime, "last_updated_at"},
	"duration":             {KindNumber, "duration"},
	"total_estimated_cost": {KindNumber, "total_estimated_cost"},
	"tags":                 {KindList, "tags"},
	"metadata":             {KindDictionary, "metadata"},
	"feedback_scores":      {KindFeedbackScores, "value"},
}

// Predicate is one rendered SQL fragment with its bind parameters.
type Predicate struct {
	SQL string
	// UsesScores marks fragments that must run against the grouped
	// feedback-score join rather than the entity row itself.
	UsesScores bool
}

// Compiled is the output of Compile: fragments joined with AND plus a flat
// parameter map bound by name.
type Compiled struct {
	Predicates []Predicate
	Params     map[string]string
}

// EntityWhere returns the fragments applying to the entity row.
func (c *Compiled) EntityWhere() []string {
	var out []string
	for _, p := range c.Predicates {
		if !p.UsesScores {
			out = append(out, p.SQL)
		}
	}
	return out
}

// ScoreHaving returns the fragments applying to the feedback-score join.
func (c *Compiled) ScoreHaving() []string {
	var out []string
	for _, p := range c.Predicates {
		if p.UsesScores {
			out = append(out, p.SQL)
		}
	}
	return out
}

// Parse decodes the JSON filters query parameter.
func Parse(raw string) ([]Clause, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var clauses []Clause
	if err := json.UnmarshalFromString(raw, &clauses); err != nil {
		return nil, model.NewBadRequest("Invalid filters query parameter '%s'", raw)
	}
	return clauses, nil
}

// Compile validates and renders the clauses for the target entity.
func Compile(clauses []Clause, target Target) (*Compiled, error) {
	out := &Compiled{Params: make(map[string]string)}
	for i, clause := range clauses {
		spec, err := resolveField(clause.Field, target)
		if err != nil {
			return nil, err
		}
		tmpl, ok := templates[clause.Operator][spec.kind]
		if !ok {
			return nil, model.NewBadRequest("Invalid operator '%s' for field '%s' of type '%s'",
				clause.Operator, clause.Field, spec.kind)
		}
		if err := validateValue(clause, spec.kind); err != nil {
			return nil, err
		}
		sql := renderTemplate(tmpl, spec, clause, i)
		out.Predicates = append(out.Predicates, Predicate{
			SQL:        sql,
			UsesScores: spec.kind == KindFeedbackScores,
		})
		if !noValueOperators[clause.Operator] {
			out.Params[fmt.Sprintf("filter%d", i)] = clause.Value
		}
		if needsKey(spec.kind) {
			key := clause.Key
			if spec.kind == KindDictionary {
				key = normalizeJSONPath(key)
			}
			out.Params[fmt.Sprintf("filterKey%d", i)] = key
		}
	}
	return out, nil
}

func resolveField(field string, target Target) (fieldSpec, error) {
	fields := traceFields
	if target == TargetSpan {
		fields = spanFields
	}
	if spec, ok := fields[field]; ok {
		return spec, nil
	}
	if name, ok := strings.CutPrefix(field, "usage."); ok && name != "" {
		return fieldSpec{KindNumber, fmt.Sprintf("usage['%s']", sanitizeUsageKey(name))}, nil
	}
	return fieldSpec{}, model.NewBadRequest("Invalid filter field '%s'", field)
}

// sanitizeUsageKey keeps usage map keys to the token charset so a field
// name can never escape its quoted SQL position.
func sanitizeUsageKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		}
		return -1
	}, name)
}

func needsKey(kind FieldKind) bool {
	return kind == KindDictionary || kind == KindFeedbackScores
}

func validateValue(clause Clause, kind FieldKind) error {
	invalid := func() error {
		return model.NewBadRequest("Invalid value '%s' or key '%s' for field '%s' of type '%s'",
			clause.Value, clause.Key, clause.Field, kind)
	}
	if noValueOperators[clause.Operator] {
		if kind == KindFeedbackScores && strings.TrimSpace(clause.Key) == "" {
			return invalid()
		}
		return nil
	}
	switch kind {
	case KindString, KindList:
		if clause.Value == "" {
			return invalid()
		}
	case KindNumber:
		if _, err := strconv.ParseFloat(clause.Value, 64); err != nil {
			return invalid()
		}
	case KindDateTime:
		if _, err := time.Parse(time.RFC3339Nano, clause.Value); err != nil {
			return invalid()
		}
	case KindDictionary:
		if clause.Value == "" || strings.TrimSpace(clause.Key) == "" {
			return invalid()
		}
		if clause.Operator == OpGreaterThan || clause.Operator == OpLessThan {
			if _, err := strconv.ParseFloat(clause.Value, 64); err != nil {
				return invalid()
			}
		}
	case KindFeedbackScores:
		if strings.TrimSpace(clause.Key) == "" {
			return invalid()
		}
		if _, err := strconv.ParseFloat(clause.Value, 64); err != nil {
			return invalid()
		}
	}
	return nil
}

// normalizeJSONPath accepts both "$.a.b[0]" and "a.b[0]" spellings and
// returns the canonical "$." form used by ClickHouse JSON_VALUE.
func normalizeJSONPath(key string) string {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "$.") || key == "$" {
		return key
	}
	if strings.HasPrefix(key, "[") {
		return "$" + key
	}
	return "$." + key
}

func renderTemplate(tmpl string, spec fieldSpec, clause Clause, idx int) string {
	sql := strings.ReplaceAll(tmpl, "%COL%", spec.column)
	sql = strings.ReplaceAll(sql, "%N%", strconv.Itoa(idx))
	return sql
}

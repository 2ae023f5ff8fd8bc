// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"bytes"
	"encoding/json"
)

// Partial updates need to tell "field absent" apart from "field explicitly
// null": an absent collection leaves the stored value alone, an explicit
// null clears it. encoding/json collapses both into a nil pointer, so the
// decoders below probe the raw object for null literals.

// NullFlags records which clearable fields arrived as explicit nulls.
type NullFlags struct {
	Tags     bool
	Usage    bool
	Input    bool
	Output   bool
	Metadata bool
}

func probeNulls(raw map[string]json.RawMessage) NullFlags {
	isNull := func(key string) bool {
		v, ok := raw[key]
		return ok && bytes.Equal(bytes.TrimSpace(v), []byte("null"))
	}
	return NullFlags{
		Tags:     isNull("tags"),
		Usage:    isNull("usage"),
		Input:    isNull("input"),
		Output:   isNull("output"),
		Metadata: isNull("metadata"),
	}
}

// spanUpdateAlias breaks the UnmarshalJSON recursion.
type spanUpdateAlias SpanUpdate

// UnmarshalJSON decodes the patch and records explicit-null collections.
func (u *SpanUpdate) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var alias spanUpdateAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*u = SpanUpdate(alias)
	u.Nulls = probeNulls(raw)
	return nil
}

type traceUpdateAlias TraceUpdate

// UnmarshalJSON decodes the patch and records explicit-null collections.
func (u *TraceUpdate) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var alias traceUpdateAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*u = TraceUpdate(alias)
	u.Nulls = probeNulls(raw)
	return nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Time is a UTC timestamp that only accepts RFC 3339 values carrying an
// explicit zone. A bare local timestamp is rejected at decode time so that
// a client clock ambiguity can never shift an entity between workspaced
// time windows.
type Time struct {
	time.Time
}

// NewTime wraps t, normalized to UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC()}
}

// Now returns the current instant as a model Time.
func Now() Time {
	return NewTime(time.Now())
}

// Epoch is the shadow-row sentinel start time.
func Epoch() Time {
	return NewTime(time.Unix(0, 0))
}

// IsEpoch reports whether t is the shadow-row sentinel.
func (t Time) IsEpoch() bool {
	return !t.IsZero() && t.UnixNano() == 0
}

// MarshalJSON renders RFC 3339 with nanosecond precision and a Z suffix.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + t.UTC().Format(rfc3339Micro) + `"`), nil
}

const rfc3339Micro = "2006-01-02T15:04:05.999999Z07:00"

// UnmarshalJSON parses an RFC 3339 timestamp, requiring a zone designator.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if !strings.HasSuffix(s, "Z") && !hasZoneOffset(s) {
		return errors.Errorf("timestamp %q has no zone designator, expected UTC 'Z'", s)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return errors.Wrapf(err, "invalid timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}

func hasZoneOffset(s string) bool {
	// An offset looks like ...T10:04:05+02:00; the sign appears after the
	// time portion, so scan past the date separator first.
	idx := strings.IndexByte(s, 'T')
	if idx < 0 {
		return false
	}
	rest := s[idx:]
	return strings.ContainsAny(rest, "+") || strings.LastIndexByte(rest, '-') > 0
}

// Equal compares instants.
func (t Time) Equal(other Time) bool {
	return t.Time.Equal(other.Time)
}

// After reports whether t is strictly after other.
func (t Time) After(other Time) bool {
	return t.Time.After(other.Time)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package attachment extracts large base64 media payloads out of trace and
// span JSON bodies before persistence, uploads the decoded bytes to object
// storage, and re-inlines them on read when the caller asks for the
// original body.
package attachment

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	jsoniter "github.com/json-iterator/go"

	"github.com/traceloom/traceloom/pkg/model"
)

// json preserves numbers verbatim and keys in stable order so a stripped
// body round-trips deterministically.
var json = jsoniter.Config{UseNumber: true, EscapeHTML: false, SortMapKeys: true}.Froze()

// tokenRe matches a whole-string reference token, bracket to bracket. A
// stripped data URL keeps its prefix in front of the token so reads
// round-trip byte-exact.
var tokenRe = regexp.MustCompile(`^(data:[^,\[\]]*,)?\[(\w+-attachment-\d+-\d+\.\w+)\]$`)

// probeLen is how many decoded bytes the magic-byte probe needs; 262 covers
// every type the detector knows.
const probeLen = 262

// Upload is one extracted payload pending object-store upload.
type Upload struct {
	Attachment model.Attachment
	Data       []byte
}

// Stripper walks JSON trees and swaps qualifying base64 strings for
// reference tokens.
type Stripper struct {
	// MinSize is the string length below which leaves are never probed.
	MinSize int
	// MaxStringBytes caps any single JSON string; beyond it the request is
	// rejected as undeserializable.
	MaxStringBytes int

	now func() int64
}

// NewStripper returns a Stripper with the given threshold and string cap.
func NewStripper(minSize, maxStringBytes int) *Stripper {
	return &Stripper{
		MinSize:        minSize,
		MaxStringBytes: maxStringBytes,
		now:            func() int64 { return time.Now().UnixNano() },
	}
}

// StripSpan strips the span's input, output and metadata in place and
// returns the extracted payloads.
func (s *Stripper) StripSpan(sp *model.Span) ([]Upload, error) {
	var out []Upload
	for _, tree := range []struct {
		ctx  string
		body *model.JSON
	}{
		{"input", &sp.Input},
		{"output", &sp.Output},
		{"metadata", &sp.Metadata},
	} {
		ups, err := s.stripTree(tree.ctx, tree.body, sp.ProjectID, model.EntityTypeSpan, sp.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ups...)
	}
	return out, nil
}

// StripTrace strips the trace's input, output and metadata in place.
func (s *Stripper) StripTrace(tr *model.Trace) ([]Upload, error) {
	var out []Upload
	for _, tree := range []struct {
		ctx  string
		body *model.JSON
	}{
		{"input", &tr.Input},
		{"output", &tr.Output},
		{"metadata", &tr.Metadata},
	} {
		ups, err := s.stripTree(tree.ctx, tree.body, tr.ProjectID, model.EntityTypeTrace, tr.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ups...)
	}
	return out, nil
}

type stripState struct {
	ctx      string
	seq      int
	uploads  []Upload
	stripper *Stripper

	projectID  uuid.UUID
	entityType model.EntityType
	entityID   uuid.UUID
}

func (s *Stripper) stripTree(ctx string, body *model.JSON, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) ([]Upload, error) {
	if len(*body) == 0 {
		return nil, nil
	}
	var tree interface{}
	if err := json.Unmarshal(*body, &tree); err != nil {
		return nil, model.NewBadRequest("Unable to process JSON: %v", err)
	}
	st := &stripState{
		ctx:        ctx,
		stripper:   s,
		projectID:  projectID,
		entityType: entityType,
		entityID:   entityID,
	}
	tree, err := st.walk(tree)
	if err != nil {
		return nil, err
	}
	if len(st.uploads) == 0 {
		// Nothing was stripped; keep the body byte-identical.
		return nil, nil
	}
	stripped, err := json.Marshal(tree)
	if err != nil {
		return nil, model.NewInternal("")
	}
	*body = stripped
	return st.uploads, nil
}

func (st *stripState) walk(node interface{}) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		for k, child := range v {
			repl, err := st.walk(child)
			if err != nil {
				return nil, err
			}
			v[k] = repl
		}
		return v, nil
	case []interface{}:
		for i, child := range v {
			repl, err := st.walk(child)
			if err != nil {
				return nil, err
			}
			v[i] = repl
		}
		return v, nil
	case string:
		return st.leaf(v)
	default:
		return node, nil
	}
}

func (st *stripState) leaf(s string) (interface{}, error) {
	sp := st.stripper
	if sp.MaxStringBytes > 0 && len(s) > sp.MaxStringBytes {
		return nil, model.NewBadRequest(
			"Unable to process JSON: string value exceeds the maximum length of %d bytes", sp.MaxStringBytes)
	}
	if len(s) < sp.MinSize {
		return s, nil
	}
	if tokenRe.MatchString(s) {
		// Already stripped; re-stripping is a no-op.
		return s, nil
	}
	prefix, data, kind, ok := probeBase64(s)
	if !ok {
		return s, nil
	}
	st.seq++
	fileName := fmt.Sprintf("%s-attachment-%d-%d.%s", st.ctx, st.seq, sp.now(), kind.Extension)
	st.uploads = append(st.uploads, Upload{
		Attachment: model.Attachment{
			ProjectID:  st.projectID,
			EntityType: st.entityType,
			EntityID:   st.entityID,
			FileName:   fileName,
			MimeType:   kind.MIME.Value,
			FileSize:   int64(len(data)),
			Source:     model.AttachmentSourceAutoStripped,
		},
		Data: data,
	})
	return prefix + "[" + fileName + "]", nil
}

// probeBase64 decides whether s is a base64-encoded media payload. It
// decodes the whole string only after a magic-byte probe on a decoded
// prefix succeeds. For data URLs the returned prefix holds everything up
// to and including the comma; it stays in the stripped body.
func probeBase64(s string) (string, []byte, types.Type, bool) {
	var prefix string
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			prefix, s = s[:i+1], s[i+1:]
		}
	}
	head := s
	if len(head) > probeLen*4/3+4 {
		head = head[:probeLen*4/3+4]
	}
	head = head[:len(head)-len(head)%4]
	decoded, err := base64.StdEncoding.DecodeString(head)
	if err != nil {
		return "", nil, types.Unknown, false
	}
	kind, err := filetype.Match(decoded)
	if err != nil || kind == types.Unknown {
		return "", nil, types.Unknown, false
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", nil, types.Unknown, false
	}
	return prefix, data, kind, true
}

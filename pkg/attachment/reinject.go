// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package attachment

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/model"
)

// Reinjector restores original JSON bodies by swapping reference tokens
// back for the stored base64 payloads.
type Reinjector struct {
	store ObjectStore
}

// NewReinjector wraps an ObjectStore.
func NewReinjector(store ObjectStore) *Reinjector {
	return &Reinjector{store: store}
}

// ReinjectSpan restores the span's input, output and metadata in place.
func (r *Reinjector) ReinjectSpan(ctx context.Context, workspaceID string, sp *model.Span) {
	sp.Input = r.reinjectTree(ctx, workspaceID, sp.ProjectID, model.EntityTypeSpan, sp.ID, sp.Input)
	sp.Output = r.reinjectTree(ctx, workspaceID, sp.ProjectID, model.EntityTypeSpan, sp.ID, sp.Output)
	sp.Metadata = r.reinjectTree(ctx, workspaceID, sp.ProjectID, model.EntityTypeSpan, sp.ID, sp.Metadata)
}

// ReinjectTrace restores the trace's input, output and metadata in place.
func (r *Reinjector) ReinjectTrace(ctx context.Context, workspaceID string, tr *model.Trace) {
	tr.Input = r.reinjectTree(ctx, workspaceID, tr.ProjectID, model.EntityTypeTrace, tr.ID, tr.Input)
	tr.Output = r.reinjectTree(ctx, workspaceID, tr.ProjectID, model.EntityTypeTrace, tr.ID, tr.Output)
	tr.Metadata = r.reinjectTree(ctx, workspaceID, tr.ProjectID, model.EntityTypeTrace, tr.ID, tr.Metadata)
}

// reinjectTree walks the body and replaces every token leaf whose object
// can be fetched. A missing or unreadable object leaves the token in place
// rather than failing the read.
func (r *Reinjector) reinjectTree(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID, body model.JSON) model.JSON {
	if len(body) == 0 || !strings.Contains(string(body), "-attachment-") {
		return body
	}
	var tree interface{}
	if err := json.Unmarshal(body, &tree); err != nil {
		return body
	}
	changed := false
	var walk func(node interface{}) interface{}
	walk = func(node interface{}) interface{} {
		switch v := node.(type) {
		case map[string]interface{}:
			for k, child := range v {
				v[k] = walk(child)
			}
			return v
		case []interface{}:
			for i, child := range v {
				v[i] = walk(child)
			}
			return v
		case string:
			m := tokenRe.FindStringSubmatch(v)
			if m == nil {
				return v
			}
			att := model.Attachment{
				ProjectID:  projectID,
				EntityType: entityType,
				EntityID:   entityID,
				FileName:   m[2],
			}
			data, err := r.store.Get(ctx, att.ObjectKey(workspaceID))
			if err != nil {
				log.Warnf("attachment %q unavailable for reinjection: %v", m[2], err)
				return v
			}
			changed = true
			// m[1] is the data-URL prefix captured at strip time, if any.
			return m[1] + base64.StdEncoding.EncodeToString(data)
		default:
			return node
		}
	}
	tree = walk(tree)
	if !changed {
		return body
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return body
	}
	return out
}

// Truncate caps a JSON body at budget bytes. A body over budget comes back
// as a JSON string holding the leading bytes, so responses stay valid JSON;
// tokens past the cut are dropped with the rest of the tail.
func Truncate(body model.JSON, budget int) model.JSON {
	if budget <= 0 || len(body) <= budget {
		return body
	}
	head, err := json.Marshal(string(body[:budget]))
	if err != nil {
		return body[:budget]
	}
	return head
}

// mimeFromExt resolves a stripper-minted filename extension back to its
// media type.
func mimeFromExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return "application/octet-stream"
	}
	kind := filetype.GetType(name[i+1:])
	if kind == types.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

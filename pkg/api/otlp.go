// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"context"
	"net/http"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/traceloom/traceloom/pkg/attachment"
	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
	"github.com/traceloom/traceloom/pkg/otel"
)

func (r *Receiver) handleOTLPTraces(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	body, err := r.readBody(req)
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := req.Header.Get("Content-Type")
	export, err := otel.UnmarshalTraces(contentType, req.Header.Get("Content-Encoding"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := r.translator.Translate(principal.WorkspaceID, req.Header.Get("projectName"), export)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.PersistBatch(req.Context(), principal.WorkspaceID, principal.User, batch); err != nil {
		writeError(w, err)
		return
	}
	metrics.Count("api.otlp.spans", int64(len(batch.Spans)), nil, 1)
	writeOTLPResponse(w, contentType)
}

// writeOTLPResponse answers with an empty export response in the same
// encoding the request used.
func writeOTLPResponse(w http.ResponseWriter, contentType string) {
	resp := &coltracepb.ExportTraceServiceResponse{}
	var (
		body []byte
		err  error
	)
	if contentType == otel.MediaTypeJSON {
		body, err = protojson.Marshal(resp)
	} else {
		contentType = otel.MediaTypeProtobuf
		body, err = proto.Marshal(resp)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Debugf("failed to write OTLP response: %v", err)
	}
}

// PersistBatch resolves projects, strips attachments and stores one
// translated OTLP batch. It also backs the gRPC export path.
func (r *Receiver) PersistBatch(ctx context.Context, workspaceID, user string, batch *otel.Batch) error {
	var uploads []attachment.Upload
	for _, tr := range batch.Traces {
		p, err := r.projects.GetOrCreate(ctx, workspaceID, tr.ProjectName, user)
		if err != nil {
			return err
		}
		tr.ProjectID = p.ID
		tr.ProjectName = p.Name
		tr.CreatedBy = user
		tr.LastUpdatedBy = user
		ups, err := r.stripper.StripTrace(tr)
		if err != nil {
			return err
		}
		uploads = append(uploads, ups...)
	}
	for _, sp := range batch.Spans {
		p, err := r.projects.GetOrCreate(ctx, workspaceID, sp.ProjectName, user)
		if err != nil {
			return err
		}
		sp.ProjectID = p.ID
		sp.ProjectName = p.Name
		sp.CreatedBy = user
		sp.LastUpdatedBy = user
		ups, err := r.stripper.StripSpan(sp)
		if err != nil {
			return err
		}
		uploads = append(uploads, ups...)
	}
	if len(batch.Traces) > 0 {
		if itemErrs, err := r.traces.BatchCreate(ctx, workspaceID, batch.Traces); err != nil {
			return err
		} else if len(itemErrs) > 0 {
			log.Warnf("OTLP export: %d traces failed to merge", len(itemErrs)) //nolint:errcheck
		}
	}
	if len(batch.Spans) > 0 {
		if itemErrs, err := r.spans.BatchCreate(ctx, workspaceID, batch.Spans); err != nil {
			return err
		} else if len(itemErrs) > 0 {
			log.Warnf("OTLP export: %d spans failed to merge", len(itemErrs)) //nolint:errcheck
		}
	}
	return r.uploads.Upload(ctx, workspaceID, uploads)
}

func (r *Receiver) handleOTLPMetrics(w http.ResponseWriter, _ *http.Request) {
	writeError(w, model.NewNotImplemented("OTLP metrics are not supported"))
}

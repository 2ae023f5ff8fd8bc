// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/traceloom/traceloom/pkg/attachment"
	"github.com/traceloom/traceloom/pkg/auth"
	"github.com/traceloom/traceloom/pkg/fields"
	"github.com/traceloom/traceloom/pkg/filter"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
	"github.com/traceloom/traceloom/pkg/notify"
	"github.com/traceloom/traceloom/pkg/store"
)

func (r *Receiver) handleTraceCreate(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	tr := new(model.Trace)
	if err := r.decode(req, tr); err != nil {
		writeError(w, err)
		return
	}
	if tr.ID == uuid.Nil {
		tr.ID = uuid.Must(uuid.NewV7())
	}
	if err := r.prepareTrace(req, principal, tr); err != nil {
		writeError(w, err)
		return
	}
	uploads, err := r.stripper.StripTrace(tr)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.traces.Create(req.Context(), principal.WorkspaceID, tr); err != nil {
		writeError(w, err)
		return
	}
	if err := r.uploads.Upload(req.Context(), principal.WorkspaceID, uploads); err != nil {
		writeError(w, err)
		return
	}
	r.publisher.Publish(principal.WorkspaceID, notify.KeyTraceCreated, map[string]interface{}{"id": tr.ID})
	metrics.Count("api.traces.created", 1, nil, 1)
	w.Header().Set("Location", fmt.Sprintf("/v1/private/traces/%s", tr.ID))
	w.WriteHeader(http.StatusCreated)
}

// prepareTrace resolves the project and validates an incoming trace.
func (r *Receiver) prepareTrace(req *http.Request, principal *auth.Principal, tr *model.Trace) error {
	p, err := r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, tr.ProjectName, principal.User)
	if err != nil {
		return err
	}
	tr.ProjectID = p.ID
	tr.ProjectName = p.Name
	tr.CreatedBy = principal.User
	tr.LastUpdatedBy = principal.User
	if err := model.ValidateEntityID(tr.ID, "trace"); err != nil {
		return err
	}
	return model.ValidateTraceWrite(tr)
}

func (r *Receiver) handleTraceBatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	var payload struct {
		Traces []*model.Trace `json:"traces"`
	}
	if err := r.decode(req, &payload); err != nil {
		writeError(w, err)
		return
	}
	var uploads []attachment.Upload
	for _, tr := range payload.Traces {
		if tr.ID == uuid.Nil {
			tr.ID = uuid.Must(uuid.NewV7())
		}
		if err := r.prepareTrace(req, principal, tr); err != nil {
			writeError(w, err)
			return
		}
		ups, err := r.stripper.StripTrace(tr)
		if err != nil {
			writeError(w, err)
			return
		}
		uploads = append(uploads, ups...)
	}
	itemErrs, err := r.traces.BatchCreate(req.Context(), principal.WorkspaceID, payload.Traces)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.uploads.Upload(req.Context(), principal.WorkspaceID, uploads); err != nil {
		writeError(w, err)
		return
	}
	metrics.Count("api.traces.created", int64(len(payload.Traces)-len(itemErrs)), nil, 1)
	if len(itemErrs) > 0 {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"errors": itemErrs})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) handleTraceGet(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	exclude, err := fields.Parse(req.URL.Query().Get("exclude"))
	if err != nil {
		writeError(w, err)
		return
	}
	tr, err := r.traces.Get(req.Context(), principal.WorkspaceID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.checkReadByID(req, principal, tr.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	r.presentTrace(req, principal, tr, exclude)
	writeJSON(w, http.StatusOK, tr)
}

func (r *Receiver) presentTrace(req *http.Request, principal *auth.Principal, tr *model.Trace, exclude map[string]bool) {
	strip := queryBool(req, "strip_attachments", true)
	truncate := queryBool(req, "truncate", false)
	if !strip && !truncate {
		r.reinjector.ReinjectTrace(req.Context(), principal.WorkspaceID, tr)
	}
	if truncate {
		budget := r.conf.TruncationBudget
		tr.Input = attachment.Truncate(tr.Input, budget)
		tr.Output = attachment.Truncate(tr.Output, budget)
		tr.Metadata = attachment.Truncate(tr.Metadata, budget)
	}
	if scores, err := r.feedback.ForEntity(req.Context(), principal.WorkspaceID, model.EntityTypeTrace, tr.ID); err == nil {
		tr.FeedbackScores = scores
	}
	if comments, err := r.comments.ForEntity(req.Context(), principal.WorkspaceID, model.EntityTypeTrace, tr.ID); err == nil {
		tr.Comments = comments
	}
	fields.ApplyTrace(tr, exclude)
}

func (r *Receiver) handleTracePatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	// An update may arrive before its create, so the id faces the same
	// version check creates do.
	if err := model.ValidateEntityID(id, "trace"); err != nil {
		writeError(w, err)
		return
	}
	patch := new(model.TraceUpdate)
	if err := r.decode(req, patch); err != nil {
		writeError(w, err)
		return
	}
	projectID := patch.ProjectID
	if projectID == uuid.Nil {
		p, err := r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, patch.ProjectName, principal.User)
		if err != nil {
			writeError(w, err)
			return
		}
		projectID = p.ID
	}
	uploads, err := r.stripPatch(projectID, model.EntityTypeTrace, id, &patch.Input, &patch.Output, &patch.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.traces.Update(req.Context(), principal.WorkspaceID, id, projectID, patch, principal.User); err != nil {
		writeError(w, err)
		return
	}
	if len(uploads) > 0 {
		if err := r.uploads.ReplaceAuto(req.Context(), principal.WorkspaceID, projectID, model.EntityTypeTrace, id); err != nil {
			writeError(w, err)
			return
		}
		if err := r.uploads.Upload(req.Context(), principal.WorkspaceID, uploads); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// traceListRequest builds the store request from query parameters.
func (r *Receiver) traceListRequest(req *http.Request, principal *auth.Principal) (store.TraceListRequest, error) {
	out := store.TraceListRequest{}
	p, err := r.resolveProjectScope(req, principal)
	if err != nil {
		return out, err
	}
	out.ProjectID = p.ID
	out.ThreadID = req.URL.Query().Get("thread_id")
	filters, err := parseFilters(req.URL.Query().Get("filters"), filter.TargetTrace)
	if err != nil {
		return out, err
	}
	out.Filters = filters
	sorts, err := store.ParseSorting(req.URL.Query().Get("sorting"))
	if err != nil {
		return out, err
	}
	out.Sort = sorts
	out.Page = queryInt(req, "page", 1)
	out.Size = queryInt(req, "size", 10)
	return out, nil
}

func (r *Receiver) handleTraceList(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	listReq, err := r.traceListRequest(req, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	exclude, err := fields.Parse(req.URL.Query().Get("exclude"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := r.traces.List(req.Context(), principal.WorkspaceID, listReq)
	if err != nil {
		writeError(w, err)
		return
	}
	r.enrichTraces(req, principal, page.Content, exclude)
	writeJSON(w, http.StatusOK, page)
}

func (r *Receiver) enrichTraces(req *http.Request, principal *auth.Principal, traces []*model.Trace, exclude map[string]bool) {
	if len(traces) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(traces))
	for i, tr := range traces {
		ids[i] = tr.ID
	}
	scores, err := r.feedback.ForEntities(req.Context(), principal.WorkspaceID, model.EntityTypeTrace, ids)
	if err != nil {
		scores = nil
	}
	strip := queryBool(req, "strip_attachments", true)
	truncate := queryBool(req, "truncate", true)
	for _, tr := range traces {
		if scores != nil {
			tr.FeedbackScores = scores[tr.ID]
		}
		if !strip && !truncate {
			r.reinjector.ReinjectTrace(req.Context(), principal.WorkspaceID, tr)
		}
		if truncate {
			budget := r.conf.TruncationBudget
			tr.Input = attachment.Truncate(tr.Input, budget)
			tr.Output = attachment.Truncate(tr.Output, budget)
			tr.Metadata = attachment.Truncate(tr.Metadata, budget)
		}
		fields.ApplyTrace(tr, exclude)
	}
}

// traceSearchRequest is the streaming search body.
type traceSearchRequest struct {
	ProjectName     string          `json:"project_name,omitempty"`
	ProjectID       uuid.UUID       `json:"project_id,omitempty"`
	ThreadID        string          `json:"thread_id,omitempty"`
	Filters         []filter.Clause `json:"filters,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	LastRetrievedID uuid.UUID       `json:"last_retrieved_id,omitempty"`
}

func (r *Receiver) handleTraceSearch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	var body traceSearchRequest
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	listReq := store.TraceListRequest{
		ThreadID:        body.ThreadID,
		LastRetrievedID: body.LastRetrievedID,
		Limit:           r.streamLimit(body.Limit),
	}
	if body.ProjectID != uuid.Nil {
		listReq.ProjectID = body.ProjectID
	} else {
		p, err := r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, body.ProjectName, principal.User)
		if err != nil {
			writeError(w, err)
			return
		}
		listReq.ProjectID = p.ID
	}
	if len(body.Filters) > 0 {
		compiled, err := filter.Compile(body.Filters, filter.TargetTrace)
		if err != nil {
			writeError(w, err)
			return
		}
		listReq.Filters = compiled
	}

	stream := newStreamWriter(w, r.conf.StreamChunkSize)
	err := r.traces.Stream(req.Context(), principal.WorkspaceID, listReq, func(tr *model.Trace) bool {
		if req.Context().Err() != nil {
			return false
		}
		return stream.write(tr)
	})
	if err != nil {
		if !stream.started {
			writeError(w, err)
		}
		return
	}
	stream.finish()
}

func (r *Receiver) handleTraceStats(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	listReq, err := r.traceListRequest(req, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := r.traces.Stats(req.Context(), principal.WorkspaceID, listReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

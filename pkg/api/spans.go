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

func (r *Receiver) handleSpanCreate(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	sp := new(model.Span)
	if err := r.decode(req, sp); err != nil {
		writeError(w, err)
		return
	}
	if sp.ID == uuid.Nil {
		sp.ID = uuid.Must(uuid.NewV7())
	}
	if err := r.prepareSpan(req, principal, sp); err != nil {
		writeError(w, err)
		return
	}
	uploads, err := r.stripper.StripSpan(sp)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.spans.Create(req.Context(), principal.WorkspaceID, sp); err != nil {
		writeError(w, err)
		return
	}
	if err := r.uploads.Upload(req.Context(), principal.WorkspaceID, uploads); err != nil {
		writeError(w, err)
		return
	}
	r.publisher.Publish(principal.WorkspaceID, notify.KeySpanCreated, map[string]interface{}{"id": sp.ID})
	metrics.Count("api.spans.created", 1, nil, 1)
	w.Header().Set("Location", fmt.Sprintf("/v1/private/spans/%s", sp.ID))
	w.WriteHeader(http.StatusCreated)
}

// prepareSpan resolves the project and validates an incoming span.
func (r *Receiver) prepareSpan(req *http.Request, principal *auth.Principal, sp *model.Span) error {
	p, err := r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, sp.ProjectName, principal.User)
	if err != nil {
		return err
	}
	sp.ProjectID = p.ID
	sp.ProjectName = p.Name
	sp.CreatedBy = principal.User
	sp.LastUpdatedBy = principal.User
	if err := model.ValidateEntityID(sp.ID, "span"); err != nil {
		return err
	}
	return model.ValidateSpanWrite(sp)
}

func (r *Receiver) handleSpanBatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	var payload struct {
		Spans []*model.Span `json:"spans"`
	}
	if err := r.decode(req, &payload); err != nil {
		writeError(w, err)
		return
	}
	var uploads []attachment.Upload
	for _, sp := range payload.Spans {
		if sp.ID == uuid.Nil {
			sp.ID = uuid.Must(uuid.NewV7())
		}
		if err := r.prepareSpan(req, principal, sp); err != nil {
			writeError(w, err)
			return
		}
		ups, err := r.stripper.StripSpan(sp)
		if err != nil {
			writeError(w, err)
			return
		}
		uploads = append(uploads, ups...)
	}
	itemErrs, err := r.spans.BatchCreate(req.Context(), principal.WorkspaceID, payload.Spans)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.uploads.Upload(req.Context(), principal.WorkspaceID, uploads); err != nil {
		writeError(w, err)
		return
	}
	metrics.Count("api.spans.created", int64(len(payload.Spans)-len(itemErrs)), nil, 1)
	if len(itemErrs) > 0 {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"errors": itemErrs})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) handleSpanGet(w http.ResponseWriter, req *http.Request) {
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
	sp, err := r.spans.Get(req.Context(), principal.WorkspaceID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.checkReadByID(req, principal, sp.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	r.presentSpan(req, principal, sp, exclude)
	writeJSON(w, http.StatusOK, sp)
}

// presentSpan applies the read-side options: attachment reinjection,
// truncation, score and comment enrichment and field exclusion.
func (r *Receiver) presentSpan(req *http.Request, principal *auth.Principal, sp *model.Span, exclude map[string]bool) {
	strip := queryBool(req, "strip_attachments", true)
	truncate := queryBool(req, "truncate", false)
	if !strip && !truncate {
		r.reinjector.ReinjectSpan(req.Context(), principal.WorkspaceID, sp)
	}
	if truncate {
		budget := r.conf.TruncationBudget
		sp.Input = attachment.Truncate(sp.Input, budget)
		sp.Output = attachment.Truncate(sp.Output, budget)
		sp.Metadata = attachment.Truncate(sp.Metadata, budget)
	}
	if scores, err := r.feedback.ForEntity(req.Context(), principal.WorkspaceID, model.EntityTypeSpan, sp.ID); err == nil {
		sp.FeedbackScores = scores
	}
	if comments, err := r.comments.ForEntity(req.Context(), principal.WorkspaceID, model.EntityTypeSpan, sp.ID); err == nil {
		sp.Comments = comments
	}
	fields.ApplySpan(sp, exclude)
}

func (r *Receiver) handleSpanPatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	// An update may arrive before its create, so the id faces the same
	// version check creates do.
	if err := model.ValidateEntityID(id, "span"); err != nil {
		writeError(w, err)
		return
	}
	patch := new(model.SpanUpdate)
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
	uploads, err := r.stripPatch(projectID, model.EntityTypeSpan, id, &patch.Input, &patch.Output, &patch.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.spans.Update(req.Context(), principal.WorkspaceID, id, projectID, patch, principal.User); err != nil {
		writeError(w, err)
		return
	}
	if len(uploads) > 0 {
		// Replaced trees invalidate previously stripped payloads.
		if err := r.uploads.ReplaceAuto(req.Context(), principal.WorkspaceID, projectID, model.EntityTypeSpan, id); err != nil {
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

// stripPatch runs attachment stripping over the trees of a partial update.
func (r *Receiver) stripPatch(projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID, trees ...*model.JSON) ([]attachment.Upload, error) {
	carrier := &model.Span{ID: entityID, ProjectID: projectID}
	if entityType == model.EntityTypeTrace {
		tr := &model.Trace{ID: entityID, ProjectID: projectID}
		assignTrees(&tr.Input, &tr.Output, &tr.Metadata, trees)
		uploads, err := r.stripper.StripTrace(tr)
		if err != nil {
			return nil, err
		}
		restoreTrees(trees, tr.Input, tr.Output, tr.Metadata)
		return uploads, nil
	}
	assignTrees(&carrier.Input, &carrier.Output, &carrier.Metadata, trees)
	uploads, err := r.stripper.StripSpan(carrier)
	if err != nil {
		return nil, err
	}
	restoreTrees(trees, carrier.Input, carrier.Output, carrier.Metadata)
	return uploads, nil
}

func assignTrees(input, output, metadata *model.JSON, trees []*model.JSON) {
	dst := []*model.JSON{input, output, metadata}
	for i, tree := range trees {
		if i < len(dst) && tree != nil {
			*dst[i] = *tree
		}
	}
}

func restoreTrees(trees []*model.JSON, input, output, metadata model.JSON) {
	src := []model.JSON{input, output, metadata}
	for i, tree := range trees {
		if i < len(src) && tree != nil {
			*tree = src[i]
		}
	}
}

func (r *Receiver) handleSpanDelete(w http.ResponseWriter, _ *http.Request) {
	writeError(w, model.NewNotImplemented("Span deletion is not supported"))
}

// spanListRequest builds the store request from query parameters.
func (r *Receiver) spanListRequest(req *http.Request, principal *auth.Principal) (store.SpanListRequest, error) {
	out := store.SpanListRequest{}
	p, err := r.resolveProjectScope(req, principal)
	if err != nil {
		return out, err
	}
	out.ProjectID = p.ID
	q := req.URL.Query()
	if raw := q.Get("trace_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, model.NewBadRequest("trace_id '%s' is not a valid UUID", raw)
		}
		out.TraceID = id
	}
	if raw := q.Get("type"); raw != "" {
		t := model.SpanType(raw)
		if !t.Valid() {
			return out, model.NewBadRequest("Invalid span type '%s'", raw)
		}
		out.Type = t
	}
	filters, err := parseFilters(q.Get("filters"), filter.TargetSpan)
	if err != nil {
		return out, err
	}
	out.Filters = filters
	sorts, err := store.ParseSorting(q.Get("sorting"))
	if err != nil {
		return out, err
	}
	out.Sort = sorts
	out.Page = queryInt(req, "page", 1)
	out.Size = queryInt(req, "size", 10)
	return out, nil
}

func (r *Receiver) handleSpanList(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	listReq, err := r.spanListRequest(req, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	exclude, err := fields.Parse(req.URL.Query().Get("exclude"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := r.spans.List(req.Context(), principal.WorkspaceID, listReq)
	if err != nil {
		writeError(w, err)
		return
	}
	r.enrichSpans(req, principal, page.Content, exclude)
	writeJSON(w, http.StatusOK, page)
}

// enrichSpans bulk-loads feedback scores and applies the read-side
// options over one page of spans.
func (r *Receiver) enrichSpans(req *http.Request, principal *auth.Principal, spans []*model.Span, exclude map[string]bool) {
	if len(spans) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(spans))
	for i, sp := range spans {
		ids[i] = sp.ID
	}
	scores, err := r.feedback.ForEntities(req.Context(), principal.WorkspaceID, model.EntityTypeSpan, ids)
	if err != nil {
		scores = nil
	}
	strip := queryBool(req, "strip_attachments", true)
	truncate := queryBool(req, "truncate", true)
	for _, sp := range spans {
		if scores != nil {
			sp.FeedbackScores = scores[sp.ID]
		}
		if !strip && !truncate {
			r.reinjector.ReinjectSpan(req.Context(), principal.WorkspaceID, sp)
		}
		if truncate {
			budget := r.conf.TruncationBudget
			sp.Input = attachment.Truncate(sp.Input, budget)
			sp.Output = attachment.Truncate(sp.Output, budget)
			sp.Metadata = attachment.Truncate(sp.Metadata, budget)
		}
		fields.ApplySpan(sp, exclude)
	}
}

// spanSearchRequest is the streaming search body.
type spanSearchRequest struct {
	ProjectName     string          `json:"project_name,omitempty"`
	ProjectID       uuid.UUID       `json:"project_id,omitempty"`
	TraceID         uuid.UUID       `json:"trace_id,omitempty"`
	Type            model.SpanType  `json:"type,omitempty"`
	Filters         []filter.Clause `json:"filters,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	LastRetrievedID uuid.UUID       `json:"last_retrieved_id,omitempty"`
}

func (r *Receiver) handleSpanSearch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	var body spanSearchRequest
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	listReq := store.SpanListRequest{
		TraceID:         body.TraceID,
		Type:            body.Type,
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
		compiled, err := filter.Compile(body.Filters, filter.TargetSpan)
		if err != nil {
			writeError(w, err)
			return
		}
		listReq.Filters = compiled
	}

	stream := newStreamWriter(w, r.conf.StreamChunkSize)
	err := r.spans.Stream(req.Context(), principal.WorkspaceID, listReq, func(sp *model.Span) bool {
		if req.Context().Err() != nil {
			return false
		}
		return stream.write(sp)
	})
	if err != nil {
		if !stream.started {
			writeError(w, err)
		}
		return
	}
	stream.finish()
}

// streamLimit clamps a requested stream size to the configured maximum.
func (r *Receiver) streamLimit(requested int) int {
	max := r.conf.StreamMaxItems
	if max <= 0 {
		max = 2000
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

func (r *Receiver) handleSpanStats(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	listReq, err := r.spanListRequest(req, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := r.spans.Stats(req.Context(), principal.WorkspaceID, listReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// streamWriter emits newline-delimited JSON, flushing every chunkSize
// items so slow consumers see steady progress.
type streamWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	chunkSize int
	count     int
	started   bool
}

func newStreamWriter(w http.ResponseWriter, chunkSize int) *streamWriter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	flusher, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: flusher, chunkSize: chunkSize}
}

func (s *streamWriter) write(v interface{}) bool {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	body, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := s.w.Write(append(body, '\n')); err != nil {
		return false
	}
	s.count++
	if s.count%s.chunkSize == 0 && s.flusher != nil {
		s.flusher.Flush()
	}
	return true
}

func (s *streamWriter) finish() {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

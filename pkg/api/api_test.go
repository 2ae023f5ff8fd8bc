// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceloom/traceloom/pkg/attachment"
	"github.com/traceloom/traceloom/pkg/auth"
	"github.com/traceloom/traceloom/pkg/config"
	"github.com/traceloom/traceloom/pkg/model"
	"github.com/traceloom/traceloom/pkg/otel"
	"github.com/traceloom/traceloom/pkg/store"
)

// fakeSpans is an in-memory SpanBackend.
type fakeSpans struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.Span
}

func newFakeSpans() *fakeSpans {
	return &fakeSpans{items: map[uuid.UUID]*model.Span{}}
}

func (f *fakeSpans) Create(_ context.Context, _ string, sp *model.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sp
	f.items[sp.ID] = &cp
	return nil
}

func (f *fakeSpans) Update(_ context.Context, _ string, id, projectID uuid.UUID, patch *model.SpanUpdate, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.items[id]
	if !ok {
		sp = &model.Span{ID: id, ProjectID: projectID}
		f.items[id] = sp
	}
	if patch.Name != nil {
		sp.Name = *patch.Name
	}
	if len(patch.Output) > 0 {
		sp.Output = patch.Output
	}
	return nil
}

func (f *fakeSpans) Get(_ context.Context, _ string, id uuid.UUID) (*model.Span, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.items[id]
	if !ok {
		return nil, model.NewNotFound("Span id '%s' not found", id)
	}
	cp := *sp
	return &cp, nil
}

func (f *fakeSpans) BatchCreate(ctx context.Context, ws string, spans []*model.Span) ([]store.BatchItemError, error) {
	if len(spans) == 0 {
		return nil, model.NewUnprocessable("spans must not be empty")
	}
	seen := map[uuid.UUID]bool{}
	for _, sp := range spans {
		if seen[sp.ID] {
			return nil, model.NewUnprocessable("Duplicate span id '%s'", sp.ID)
		}
		seen[sp.ID] = true
	}
	for _, sp := range spans {
		f.Create(ctx, ws, sp) //nolint:errcheck
	}
	return nil, nil
}

func (f *fakeSpans) List(_ context.Context, _ string, req store.SpanListRequest) (*model.SpanPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var content []*model.Span
	for _, sp := range f.items {
		if req.ProjectID != uuid.Nil && sp.ProjectID != req.ProjectID {
			continue
		}
		cp := *sp
		content = append(content, &cp)
	}
	sort.Slice(content, func(i, j int) bool { return content[i].ID.String() > content[j].ID.String() })
	return &model.SpanPage{Page: req.Page, Size: req.Size, Total: uint64(len(content)), Content: content}, nil
}

func (f *fakeSpans) Stream(ctx context.Context, ws string, req store.SpanListRequest, fn func(*model.Span) bool) error {
	page, _ := f.List(ctx, ws, req)
	n := 0
	for _, sp := range page.Content {
		if req.Limit > 0 && n >= req.Limit {
			break
		}
		if !fn(sp) {
			break
		}
		n++
	}
	return nil
}

func (f *fakeSpans) Stats(_ context.Context, _ string, _ store.SpanListRequest) (*model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.Stats{Count: uint64(len(f.items))}, nil
}

// fakeTraces is an in-memory TraceBackend.
type fakeTraces struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.Trace
}

func newFakeTraces() *fakeTraces {
	return &fakeTraces{items: map[uuid.UUID]*model.Trace{}}
}

func (f *fakeTraces) Create(_ context.Context, _ string, tr *model.Trace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tr
	f.items[tr.ID] = &cp
	return nil
}

func (f *fakeTraces) Update(_ context.Context, _ string, id, projectID uuid.UUID, patch *model.TraceUpdate, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.items[id]
	if !ok {
		tr = &model.Trace{ID: id, ProjectID: projectID}
		f.items[id] = tr
	}
	if patch.Name != nil {
		tr.Name = *patch.Name
	}
	return nil
}

func (f *fakeTraces) Get(_ context.Context, _ string, id uuid.UUID) (*model.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.items[id]
	if !ok {
		return nil, model.NewNotFound("Trace id '%s' not found", id)
	}
	cp := *tr
	return &cp, nil
}

func (f *fakeTraces) BatchCreate(ctx context.Context, ws string, traces []*model.Trace) ([]store.BatchItemError, error) {
	for _, tr := range traces {
		f.Create(ctx, ws, tr) //nolint:errcheck
	}
	return nil, nil
}

func (f *fakeTraces) List(_ context.Context, _ string, req store.TraceListRequest) (*model.TracePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var content []*model.Trace
	for _, tr := range f.items {
		cp := *tr
		content = append(content, &cp)
	}
	return &model.TracePage{Page: req.Page, Size: req.Size, Total: uint64(len(content)), Content: content}, nil
}

func (f *fakeTraces) Stream(ctx context.Context, ws string, req store.TraceListRequest, fn func(*model.Trace) bool) error {
	page, _ := f.List(ctx, ws, req)
	for _, tr := range page.Content {
		if !fn(tr) {
			break
		}
	}
	return nil
}

func (f *fakeTraces) Stats(_ context.Context, _ string, _ store.TraceListRequest) (*model.Stats, error) {
	return &model.Stats{Count: uint64(len(f.items))}, nil
}

// fakeFeedback is an in-memory FeedbackBackend.
type fakeFeedback struct {
	mu     sync.Mutex
	scores map[uuid.UUID][]model.FeedbackScore
}

func newFakeFeedback() *fakeFeedback {
	return &fakeFeedback{scores: map[uuid.UUID][]model.FeedbackScore{}}
}

func (f *fakeFeedback) Put(ctx context.Context, ws string, key store.ScoreKey, score *model.FeedbackScore, user string) error {
	return f.PutBatch(ctx, ws, []store.ScoreKey{key}, []*model.FeedbackScore{score}, user)
}

func (f *fakeFeedback) PutBatch(_ context.Context, _ string, keys []store.ScoreKey, scores []*model.FeedbackScore, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, score := range scores {
		cp := *score
		cp.EntityID = keys[i].EntityID
		cp.CreatedBy = user
		f.scores[keys[i].EntityID] = append(f.scores[keys[i].EntityID], cp)
	}
	return nil
}

func (f *fakeFeedback) Delete(_ context.Context, _ string, _ model.EntityType, entityID uuid.UUID, del model.DeleteFeedbackScore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.scores[entityID][:0]
	for _, s := range f.scores[entityID] {
		if s.Name != del.Name {
			kept = append(kept, s)
		}
	}
	f.scores[entityID] = kept
	return nil
}

func (f *fakeFeedback) ForEntity(_ context.Context, _ string, _ model.EntityType, entityID uuid.UUID) ([]model.FeedbackScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[entityID], nil
}

func (f *fakeFeedback) ForEntities(ctx context.Context, ws string, et model.EntityType, ids []uuid.UUID) (map[uuid.UUID][]model.FeedbackScore, error) {
	out := map[uuid.UUID][]model.FeedbackScore{}
	for _, id := range ids {
		scores, _ := f.ForEntity(ctx, ws, et, id)
		if len(scores) > 0 {
			out[id] = scores
		}
	}
	return out, nil
}

// fakeComments is an in-memory CommentBackend.
type fakeComments struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.Comment
}

func newFakeComments() *fakeComments {
	return &fakeComments{items: map[uuid.UUID]*model.Comment{}}
}

func (f *fakeComments) Create(_ context.Context, _ string, _ uuid.UUID, _ model.EntityType, entityID uuid.UUID, c *model.Comment, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	c.EntityID = entityID
	c.CreatedBy = user
	cp := *c
	f.items[c.ID] = &cp
	return nil
}

func (f *fakeComments) Get(_ context.Context, _ string, id uuid.UUID) (*model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return nil, model.NewNotFound("Comment id '%s' not found", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeComments) Update(_ context.Context, _ string, id uuid.UUID, text, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return model.NewNotFound("Comment id '%s' not found", id)
	}
	c.Text = text
	c.LastUpdatedBy = user
	return nil
}

func (f *fakeComments) ForEntity(_ context.Context, _ string, _ model.EntityType, entityID uuid.UUID) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Comment
	for _, c := range f.items {
		if c.EntityID == entityID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeComments) Delete(_ context.Context, _ string, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.items, id)
	}
	return nil
}

// fakeProjects is an in-memory ProjectResolver.
type fakeProjects struct {
	mu    sync.Mutex
	byKey map[string]*model.Project
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{byKey: map[string]*model.Project{}}
}

func (f *fakeProjects) GetOrCreate(_ context.Context, workspaceID, name, user string) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = model.ResolveProjectName(name)
	key := workspaceID + "/" + strings.ToLower(name)
	if p, ok := f.byKey[key]; ok {
		return p, nil
	}
	p := &model.Project{
		ID:          uuid.Must(uuid.NewV7()),
		Name:        name,
		WorkspaceID: workspaceID,
		Visibility:  model.VisibilityPrivate,
		CreatedBy:   user,
	}
	f.byKey[key] = p
	return p, nil
}

func (f *fakeProjects) GetByName(_ context.Context, workspaceID, name string) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + "/" + strings.ToLower(model.ResolveProjectName(name))
	if p, ok := f.byKey[key]; ok {
		return p, nil
	}
	return nil, model.NewNotFound("Project not found")
}

func (f *fakeProjects) GetByID(_ context.Context, workspaceID string, id uuid.UUID) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byKey {
		if p.WorkspaceID == workspaceID && p.ID == id {
			return p, nil
		}
	}
	return nil, model.NewNotFound("Project not found")
}

func (f *fakeProjects) SetVisibility(_ context.Context, workspaceID string, id uuid.UUID, v model.Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byKey {
		if p.WorkspaceID == workspaceID && p.ID == id {
			p.Visibility = v
			return nil
		}
	}
	return model.NewNotFound("Project not found")
}

// quotaAuth rejects a fixed api key with an exhausted quota.
type quotaAuth struct {
	overKey string
}

func (a *quotaAuth) Authenticate(_ context.Context, creds auth.Credentials) (*auth.Principal, error) {
	if creds.APIKey == "" && creds.SessionToken == "" {
		return nil, model.NewUnauthorized("Missing credentials")
	}
	p := &auth.Principal{WorkspaceID: "ws-test", User: "tester"}
	if creds.APIKey == a.overKey {
		p.Quotas = []auth.Quota{{Type: "spans", Used: 10, Limit: 10}}
	}
	return p, nil
}

func newTestReceiver(t *testing.T) (*Receiver, *fakeSpans, *fakeTraces) {
	t.Helper()
	conf := config.New()
	spans := newFakeSpans()
	traces := newFakeTraces()
	memStore := attachment.NewMemStore()
	return NewReceiver(conf, Deps{
		Auth:       &quotaAuth{overKey: "over-quota"},
		Projects:   newFakeProjects(),
		Spans:      spans,
		Traces:     traces,
		Feedback:   newFakeFeedback(),
		Comments:   newFakeComments(),
		Uploads:    attachment.NewUploader(memStore),
		Reinjector: attachment.NewReinjector(memStore),
		Stripper:   attachment.NewStripper(conf.AttachmentMinSize, conf.MaxJSONStringBytes),
		Translator: otel.NewTranslator(),
	}), spans, traces
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func spanBody(id uuid.UUID) string {
	return fmt.Sprintf(`{
		"id": "%s",
		"trace_id": "%s",
		"name": "generate",
		"type": "llm",
		"start_time": "2024-05-01T10:00:00Z",
		"end_time": "2024-05-01T10:00:01Z",
		"input": {"q": "hello"}
	}`, id, uuid.Must(uuid.NewV7()))
}

func TestSpanCreateAndGet(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", spanBody(id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/private/spans/"+id.String(), rec.Header().Get("Location"))

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Span
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "generate", got.Name)
	assert.Equal(t, model.DefaultProjectName, got.ProjectName)
	assert.JSONEq(t, `{"q": "hello"}`, string(got.Input))
}

func TestSpanGetExcludesFields(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", spanBody(id))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String()+"?exclude=input,name", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Span
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got.Name)
	assert.Empty(t, got.Input)

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String()+"?exclude=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpanResponseOmitsZeroCost(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", spanBody(id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "total_estimated_cost")
}

func TestSpanCreateValidationEnvelope(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	body := fmt.Sprintf(`{"id": "%s", "trace_id": "%s", "start_time": "2024-05-01T10:00:00Z"}`,
		id, uuid.Must(uuid.NewV7()))
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Errors, "name must not be blank")
}

func TestSpanCreateRejectsNonV7ID(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	body := fmt.Sprintf(`{"id": "%s", "trace_id": "%s", "name": "x", "start_time": "2024-05-01T10:00:00Z"}`,
		uuid.New(), uuid.Must(uuid.NewV7()))
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version 7")
}

func TestPatchRejectsNonV7ID(t *testing.T) {
	r, spans, _ := newTestReceiver(t)
	handler := r.Handler()

	v4 := uuid.New()
	rec := doRequest(t, handler, http.MethodPatch, "/v1/private/spans/"+v4.String(),
		`{"project_name": "Default Project", "output": {"a": 1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version 7")
	assert.Empty(t, spans.items)

	rec = doRequest(t, handler, http.MethodPatch, "/v1/private/traces/"+v4.String(),
		`{"project_name": "Default Project", "output": {"a": 1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version 7")
}

func TestScoreRejectsNonV7EntityID(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	v4 := uuid.New()
	rec := doRequest(t, handler, http.MethodPut,
		"/v1/private/spans/"+v4.String()+"/feedback-scores",
		`{"project_name": "Default Project", "name": "relevance", "value": 0.9, "source": "sdk"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version 7")

	body := fmt.Sprintf(`{"scores": [{"id": "%s", "name": "relevance", "value": 0.9, "source": "sdk"}]}`, v4)
	rec = doRequest(t, handler, http.MethodPut, "/v1/private/spans/feedback-scores", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version 7")
}

func TestSpanBatchCreate(t *testing.T) {
	r, spans, _ := newTestReceiver(t)
	handler := r.Handler()

	body := fmt.Sprintf(`{"spans": [%s, %s]}`,
		spanBody(uuid.Must(uuid.NewV7())), spanBody(uuid.Must(uuid.NewV7())))
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans/batch", body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Len(t, spans.items, 2)
}

func TestSpanDeleteNotImplemented(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	rec := doRequest(t, handler, http.MethodDelete,
		"/v1/private/spans/"+uuid.Must(uuid.NewV7()).String(), "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMissingCredentialsRejected(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/private/spans?project_name=p", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQuotaGateRejectsWrites(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	req := httptest.NewRequest(http.MethodPost, "/v1/private/spans",
		bytes.NewReader([]byte(spanBody(id))))
	req.Header.Set("Authorization", "over-quota")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "Usage limit exceeded")

	// Reads stay open for over-quota workspaces.
	getReq := httptest.NewRequest(http.MethodGet, "/v1/private/spans?project_name=p", nil)
	getReq.Header.Set("Authorization", "over-quota")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, getReq)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSpanSearchStreamsNDJSON(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	for i := 0; i < 3; i++ {
		rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans",
			spanBody(uuid.Must(uuid.NewV7())))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans/search",
		`{"project_name": "Default Project", "limit": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var sp model.Span
		require.NoError(t, json.Unmarshal([]byte(line), &sp))
		assert.NotEqual(t, uuid.Nil, sp.ID)
	}
}

func TestFeedbackScoreLifecycle(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", spanBody(id))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPut,
		"/v1/private/spans/"+id.String()+"/feedback-scores",
		`{"name": "relevance", "value": 0.9, "source": "ui"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Span
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.FeedbackScores, 1)
	assert.Equal(t, "relevance", got.FeedbackScores[0].Name)

	rec = doRequest(t, handler, http.MethodPost,
		"/v1/private/spans/"+id.String()+"/feedback-scores/delete",
		`{"name": "relevance"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Deleting again is a no-op.
	rec = doRequest(t, handler, http.MethodPost,
		"/v1/private/spans/"+id.String()+"/feedback-scores/delete",
		`{"name": "relevance"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestFeedbackScoreValidation(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPut,
		"/v1/private/traces/"+id.String()+"/feedback-scores",
		`{"name": "", "value": 1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "name must not be blank")
}

func TestCommentRequiresEntity(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	missing := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost,
		"/v1/private/traces/"+missing.String()+"/comments", `{"text": "nice"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	traceID := uuid.Must(uuid.NewV7())
	body := fmt.Sprintf(`{"id": "%s", "name": "run", "start_time": "2024-05-01T10:00:00Z"}`, traceID)
	rec = doRequest(t, handler, http.MethodPost, "/v1/private/traces", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, handler, http.MethodPost,
		"/v1/private/traces/"+traceID.String()+"/comments", `{"text": "nice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	location := rec.Header().Get("Location")
	require.NotEmpty(t, location)

	commentID := location[strings.LastIndex(location, "/")+1:]
	rec = doRequest(t, handler, http.MethodGet, "/v1/private/comments/"+commentID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Comment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "nice", got.Text)

	rec = doRequest(t, handler, http.MethodPatch,
		"/v1/private/comments/"+commentID, `{"text": "better"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/v1/private/comments/delete",
		fmt.Sprintf(`{"ids": ["%s"]}`, commentID))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/comments/"+commentID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTracePatchAndList(t *testing.T) {
	r, _, traces := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	body := fmt.Sprintf(`{"id": "%s", "name": "run", "start_time": "2024-05-01T10:00:00Z"}`, id)
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/traces", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPatch, "/v1/private/traces/"+id.String(),
		`{"name": "renamed"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "renamed", traces.items[id].Name)

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/traces?project_name=Default%20Project", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page model.TracePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, uint64(1), page.Total)
}

func TestPublicProjectAnonymousRead(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	id := uuid.Must(uuid.NewV7())
	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans", spanBody(id))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Anonymous read of a private project looks like a missing project.
	anon := httptest.NewRequest(http.MethodGet, "/v1/private/spans/"+id.String(), nil)
	anon.Header.Set("workspaceName", "ws-test")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anon)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Flip the project public; the same read now succeeds.
	getRec := doRequest(t, handler, http.MethodGet, "/v1/private/spans/"+id.String(), "")
	require.Equal(t, http.StatusOK, getRec.Code)
	var sp model.Span
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &sp))

	rec = doRequest(t, handler, http.MethodPatch,
		"/v1/private/projects/"+sp.ProjectID.String(), `{"visibility": "public"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	anon = httptest.NewRequest(http.MethodGet, "/v1/private/spans/"+id.String(), nil)
	anon.Header.Set("workspaceName", "ws-test")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anon)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Writes stay closed to anonymous callers.
	anonWrite := httptest.NewRequest(http.MethodPost, "/v1/private/spans",
		bytes.NewReader([]byte(spanBody(uuid.Must(uuid.NewV7())))))
	anonWrite.Header.Set("workspaceName", "ws-test")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anonWrite)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidSortingRejected(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	rec := doRequest(t, handler, http.MethodGet,
		"/v1/private/spans?project_name=Default%20Project&sorting=%5B%7B%22field%22%3A%22bogus%22%7D%5D", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid sorting field 'bogus'")
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	handler := r.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/private/spans",
		spanBody(uuid.Must(uuid.NewV7())))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/private/spans/stats?project_name=Default%20Project", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Count)
}

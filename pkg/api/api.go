// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package api exposes the private HTTP surface: trace and span ingestion,
// querying, feedback, comments, attachments and the OTLP endpoint.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/traceloom/traceloom/pkg/api/apiutil"
	"github.com/traceloom/traceloom/pkg/attachment"
	"github.com/traceloom/traceloom/pkg/auth"
	"github.com/traceloom/traceloom/pkg/config"
	"github.com/traceloom/traceloom/pkg/filter"
	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
	"github.com/traceloom/traceloom/pkg/notify"
	"github.com/traceloom/traceloom/pkg/otel"
	"github.com/traceloom/traceloom/pkg/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SpanBackend is the span persistence contract the handlers need.
type SpanBackend interface {
	Create(ctx context.Context, workspaceID string, sp *model.Span) error
	Update(ctx context.Context, workspaceID string, id, projectID uuid.UUID, patch *model.SpanUpdate, user string) error
	Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Span, error)
	BatchCreate(ctx context.Context, workspaceID string, spans []*model.Span) ([]store.BatchItemError, error)
	List(ctx context.Context, workspaceID string, req store.SpanListRequest) (*model.SpanPage, error)
	Stream(ctx context.Context, workspaceID string, req store.SpanListRequest, fn func(*model.Span) bool) error
	Stats(ctx context.Context, workspaceID string, req store.SpanListRequest) (*model.Stats, error)
}

// TraceBackend is the trace persistence contract.
type TraceBackend interface {
	Create(ctx context.Context, workspaceID string, tr *model.Trace) error
	Update(ctx context.Context, workspaceID string, id, projectID uuid.UUID, patch *model.TraceUpdate, user string) error
	Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Trace, error)
	BatchCreate(ctx context.Context, workspaceID string, traces []*model.Trace) ([]store.BatchItemError, error)
	List(ctx context.Context, workspaceID string, req store.TraceListRequest) (*model.TracePage, error)
	Stream(ctx context.Context, workspaceID string, req store.TraceListRequest, fn func(*model.Trace) bool) error
	Stats(ctx context.Context, workspaceID string, req store.TraceListRequest) (*model.Stats, error)
}

// FeedbackBackend is the feedback-score persistence contract.
type FeedbackBackend interface {
	Put(ctx context.Context, workspaceID string, key store.ScoreKey, score *model.FeedbackScore, user string) error
	PutBatch(ctx context.Context, workspaceID string, keys []store.ScoreKey, scores []*model.FeedbackScore, user string) error
	Delete(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID, del model.DeleteFeedbackScore) error
	ForEntity(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID) ([]model.FeedbackScore, error)
	ForEntities(ctx context.Context, workspaceID string, entityType model.EntityType, ids []uuid.UUID) (map[uuid.UUID][]model.FeedbackScore, error)
}

// CommentBackend is the comment persistence contract.
type CommentBackend interface {
	Create(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID, c *model.Comment, user string) error
	Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Comment, error)
	Update(ctx context.Context, workspaceID string, id uuid.UUID, text, user string) error
	ForEntity(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID) ([]model.Comment, error)
	Delete(ctx context.Context, workspaceID string, ids []uuid.UUID) error
}

// ProjectResolver maps project names to project rows, creating on first
// use.
type ProjectResolver interface {
	GetOrCreate(ctx context.Context, workspaceID, name, user string) (*model.Project, error)
	GetByName(ctx context.Context, workspaceID, name string) (*model.Project, error)
	GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Project, error)
	SetVisibility(ctx context.Context, workspaceID string, id uuid.UUID, v model.Visibility) error
}

// AttachmentBackend covers upload, listing and reinjection.
type AttachmentBackend interface {
	Upload(ctx context.Context, workspaceID string, uploads []attachment.Upload) error
	ReplaceAuto(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) error
	List(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) ([]model.Attachment, error)
}

// Receiver is the HTTP server for the private API.
type Receiver struct {
	conf *config.Config

	authn      auth.Authenticator
	projects   ProjectResolver
	spans      SpanBackend
	traces     TraceBackend
	feedback   FeedbackBackend
	comments   CommentBackend
	uploads    AttachmentBackend
	reinjector *attachment.Reinjector
	stripper   *attachment.Stripper
	translator *otel.Translator
	publisher  notify.Publisher

	server *http.Server
	wg     sync.WaitGroup
}

// Deps bundles the receiver's collaborators.
type Deps struct {
	Auth       auth.Authenticator
	Projects   ProjectResolver
	Spans      SpanBackend
	Traces     TraceBackend
	Feedback   FeedbackBackend
	Comments   CommentBackend
	Uploads    AttachmentBackend
	Reinjector *attachment.Reinjector
	Stripper   *attachment.Stripper
	Translator *otel.Translator
	Publisher  notify.Publisher
}

// NewReceiver wires a receiver; it does not start listening.
func NewReceiver(conf *config.Config, deps Deps) *Receiver {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Receiver{
		conf:       conf,
		authn:      deps.Auth,
		projects:   deps.Projects,
		spans:      deps.Spans,
		traces:     deps.Traces,
		feedback:   deps.Feedback,
		comments:   deps.Comments,
		uploads:    deps.Uploads,
		reinjector: deps.Reinjector,
		stripper:   deps.Stripper,
		translator: deps.Translator,
		publisher:  publisher,
	}
}

// Handler builds the full route table.
func (r *Receiver) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)

	pr := router.PathPrefix("/v1/private").Subrouter()
	pr.Use(r.authMiddleware)

	pr.HandleFunc("/traces", r.handleTraceCreate).Methods(http.MethodPost)
	pr.HandleFunc("/traces/batch", r.handleTraceBatch).Methods(http.MethodPost)
	pr.HandleFunc("/traces/search", r.handleTraceSearch).Methods(http.MethodPost)
	pr.HandleFunc("/traces/stats", r.handleTraceStats).Methods(http.MethodGet)
	pr.HandleFunc("/traces/{id}", r.handleTraceGet).Methods(http.MethodGet)
	pr.HandleFunc("/traces/{id}", r.handleTracePatch).Methods(http.MethodPatch)
	pr.HandleFunc("/traces", r.handleTraceList).Methods(http.MethodGet)

	pr.HandleFunc("/spans", r.handleSpanCreate).Methods(http.MethodPost)
	pr.HandleFunc("/spans/batch", r.handleSpanBatch).Methods(http.MethodPost)
	pr.HandleFunc("/spans/search", r.handleSpanSearch).Methods(http.MethodPost)
	pr.HandleFunc("/spans/stats", r.handleSpanStats).Methods(http.MethodGet)
	pr.HandleFunc("/spans/{id}", r.handleSpanGet).Methods(http.MethodGet)
	pr.HandleFunc("/spans/{id}", r.handleSpanPatch).Methods(http.MethodPatch)
	pr.HandleFunc("/spans/{id}", r.handleSpanDelete).Methods(http.MethodDelete)
	pr.HandleFunc("/spans", r.handleSpanList).Methods(http.MethodGet)

	pr.HandleFunc("/{entity:traces|spans}/{id}/feedback-scores", r.handleScorePut).Methods(http.MethodPut)
	pr.HandleFunc("/{entity:traces|spans}/{id}/feedback-scores/delete", r.handleScoreDelete).Methods(http.MethodPost)
	pr.HandleFunc("/{entity:traces|spans}/feedback-scores", r.handleScoreBatch).Methods(http.MethodPut)

	pr.HandleFunc("/{entity:traces|spans}/{id}/comments", r.handleCommentCreate).Methods(http.MethodPost)
	pr.HandleFunc("/{entity:traces|spans}/{id}/comments", r.handleCommentList).Methods(http.MethodGet)
	pr.HandleFunc("/comments/{id}", r.handleCommentGet).Methods(http.MethodGet)
	pr.HandleFunc("/comments/{id}", r.handleCommentPatch).Methods(http.MethodPatch)
	pr.HandleFunc("/comments/delete", r.handleCommentDelete).Methods(http.MethodPost)

	pr.HandleFunc("/attachments/{entity:traces|spans}/{id}", r.handleAttachmentList).Methods(http.MethodGet)

	pr.HandleFunc("/projects/{id}", r.handleProjectGet).Methods(http.MethodGet)
	pr.HandleFunc("/projects/{id}", r.handleProjectPatch).Methods(http.MethodPatch)

	otlp := router.PathPrefix("/otel/v1").Subrouter()
	otlp.Use(r.authMiddleware)
	otlp.HandleFunc("/traces", r.handleOTLPTraces).Methods(http.MethodPost)
	otlp.HandleFunc("/metrics", r.handleOTLPMetrics).Methods(http.MethodPost)

	return router
}

// Start begins serving; it returns once the listener is bound.
func (r *Receiver) Start() error {
	addr := net.JoinHostPort(r.conf.ReceiverHost, strconv.Itoa(r.conf.ReceiverPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding receiver listener: %w", err)
	}
	timeout := time.Duration(r.conf.ReceiverTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.server = &http.Server{
		Handler:     r.Handler(),
		ReadTimeout: timeout,
		// Streaming responses manage their own deadline.
		WriteTimeout: 0,
		ErrorLog:     nil,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server exited: %v", err) //nolint:errcheck
		}
	}()
	log.Infof("listening for API traffic on %s", addr)
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (r *Receiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	err := r.server.Shutdown(ctx)
	r.wg.Wait()
	return err
}

func (r *Receiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principalKey carries the authenticated caller through the request
// context.
type principalKey struct{}

func principalFrom(req *http.Request) *auth.Principal {
	p, _ := req.Context().Value(principalKey{}).(*auth.Principal)
	return p
}

// authMiddleware validates credentials and annotates the context. The
// quota gate runs here so over-quota callers are rejected before any
// work happens.
func (r *Receiver) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		creds := auth.Credentials{
			APIKey:        req.Header.Get("Authorization"),
			WorkspaceName: req.Header.Get("workspaceName"),
		}
		if creds.WorkspaceName == "" {
			creds.WorkspaceName = req.Header.Get("Comet-Workspace")
		}
		if cookie, err := req.Cookie("sessionToken"); err == nil {
			creds.SessionToken = cookie.Value
		}
		principal, err := r.authn.Authenticate(req.Context(), creds)
		if err != nil {
			// Unauthenticated reads fall through as anonymous; each read
			// handler then requires a public project.
			if model.StatusOf(err) == http.StatusUnauthorized &&
				req.Method == http.MethodGet && creds.WorkspaceName != "" {
				principal = &auth.Principal{
					WorkspaceID: creds.WorkspaceName,
					User:        "anonymous",
					Anonymous:   true,
				}
			} else {
				writeError(w, err)
				return
			}
		}
		if req.Method != http.MethodGet {
			if err := auth.CheckQuota(principal); err != nil {
				writeError(w, err)
				return
			}
		}
		ctx := context.WithValue(req.Context(), principalKey{}, principal)
		next.ServeHTTP(w, req.WithContext(ctx))
		metrics.Since("api.request_ms", start)
	})
}

// readBody drains the request body under the configured size cap.
func (r *Receiver) readBody(req *http.Request) ([]byte, error) {
	limit := r.conf.MaxRequestBytes
	if limit <= 0 {
		limit = 50 * 1024 * 1024
	}
	body, err := io.ReadAll(apiutil.NewLimitedReader(req.Body, limit))
	if err == apiutil.ErrLimitedReaderLimitReached {
		return nil, model.NewBadRequest("Request body exceeds the %d byte limit", limit)
	}
	if err != nil {
		return nil, model.NewBadRequest("Unable to read request body: %v", err)
	}
	return body, nil
}

// decode unmarshals a JSON request body strictly.
func (r *Receiver) decode(req *http.Request, v interface{}) error {
	body, err := r.readBody(req)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return model.NewBadRequest("Request body must not be empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return model.NewBadRequest("Unable to process JSON: %v", err)
	}
	return nil
}

// pathID parses the {id} path variable as a UUID.
func pathID(req *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(req)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.NewBadRequest("id '%s' is not a valid UUID", raw)
	}
	return id, nil
}

// pathEntity maps the {entity} path variable to its entity type.
func pathEntity(req *http.Request) model.EntityType {
	if mux.Vars(req)["entity"] == "traces" {
		return model.EntityTypeTrace
	}
	return model.EntityTypeSpan
}

// resolveProjectScope resolves the project referenced by query params.
// Anonymous callers never create projects and only see public ones.
func (r *Receiver) resolveProjectScope(req *http.Request, principal *auth.Principal) (*model.Project, error) {
	q := req.URL.Query()
	var (
		p   *model.Project
		err error
	)
	if raw := q.Get("project_id"); raw != "" {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return nil, model.NewBadRequest("project_id '%s' is not a valid UUID", raw)
		}
		p, err = r.projects.GetByID(req.Context(), principal.WorkspaceID, id)
	} else if principal.Anonymous {
		p, err = r.projects.GetByName(req.Context(), principal.WorkspaceID, q.Get("project_name"))
	} else {
		p, err = r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, q.Get("project_name"), principal.User)
	}
	if err != nil {
		return nil, err
	}
	if err := checkRead(principal, p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkRead gates anonymous access: a private project reads as missing.
func checkRead(principal *auth.Principal, p *model.Project) error {
	if principal.Anonymous && p.Visibility != model.VisibilityPublic {
		return model.NewNotFound("Project not found")
	}
	return nil
}

// checkReadByID is checkRead for paths that only hold a project id.
func (r *Receiver) checkReadByID(req *http.Request, principal *auth.Principal, projectID uuid.UUID) error {
	if !principal.Anonymous {
		return nil
	}
	p, err := r.projects.GetByID(req.Context(), principal.WorkspaceID, projectID)
	if err != nil {
		return err
	}
	return checkRead(principal, p)
}

// queryBool parses a boolean query param with a default.
func queryBool(req *http.Request, name string, def bool) bool {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func queryInt(req *http.Request, name string, def int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// parseFilters compiles the filters query/body value.
func parseFilters(raw string, target filter.Target) (*filter.Compiled, error) {
	clauses, err := filter.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	return filter.Compile(clauses, target)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to encode response: %v", err)
	}
}

// writeError is the single choke point turning errors into responses.
func writeError(w http.ResponseWriter, err error) {
	var vErr *model.ValidationError
	if ok := asValidation(err, &vErr); ok {
		writeJSON(w, vErr.Code, map[string]interface{}{"errors": vErr.Errors})
		return
	}
	status := model.StatusOf(err)
	message := err.Error()
	if status == 500 {
		var reqErr *model.RequestError
		if ok := asRequest(err, &reqErr); ok {
			message = reqErr.Message
		} else {
			log.Errorf("unexpected error: %v", err) //nolint:errcheck
			message = "Unexpected error"
		}
	}
	writeJSON(w, status, map[string]interface{}{"code": status, "message": message})
}

func asValidation(err error, target **model.ValidationError) bool {
	for err != nil {
		if v, ok := err.(*model.ValidationError); ok {
			*target = v
			return true
		}
		err = unwrap(err)
	}
	return false
}

func asRequest(err error, target **model.RequestError) bool {
	for err != nil {
		if v, ok := err.(*model.RequestError); ok {
			*target = v
			return true
		}
		err = unwrap(err)
	}
	return false
}

func unwrap(err error) error {
	type causer interface{ Cause() error }
	type wrapper interface{ Unwrap() error }
	switch e := err.(type) {
	case wrapper:
		return e.Unwrap()
	case causer:
		return e.Cause()
	}
	return nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/traceloom/traceloom/pkg/auth"
	"github.com/traceloom/traceloom/pkg/model"
	"github.com/traceloom/traceloom/pkg/notify"
	"github.com/traceloom/traceloom/pkg/store"
)

// entityProject finds the owning project of an annotated entity, falling
// back to the named (or default) project when the entity has not arrived
// yet. Scores and comments on not-yet-ingested entities are accepted.
func (r *Receiver) entityProject(req *http.Request, principal *auth.Principal, entityType model.EntityType, entityID uuid.UUID, projectName string) (uuid.UUID, error) {
	if entityType == model.EntityTypeTrace {
		if tr, err := r.traces.Get(req.Context(), principal.WorkspaceID, entityID); err == nil {
			return tr.ProjectID, nil
		} else if model.StatusOf(err) != 404 {
			return uuid.Nil, err
		}
	} else {
		if sp, err := r.spans.Get(req.Context(), principal.WorkspaceID, entityID); err == nil {
			return sp.ProjectID, nil
		} else if model.StatusOf(err) != 404 {
			return uuid.Nil, err
		}
	}
	p, err := r.projects.GetOrCreate(req.Context(), principal.WorkspaceID, projectName, principal.User)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (r *Receiver) handleScorePut(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	entityID, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	// Scores land on not-yet-ingested entities too, so the id faces the
	// same version check creates do.
	if err := model.ValidateEntityID(entityID, string(entityType)); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ProjectName string `json:"project_name,omitempty"`
		model.FeedbackScore
	}
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if errs := body.Validate(); len(errs) > 0 {
		writeError(w, &model.ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs})
		return
	}
	projectID, err := r.entityProject(req, principal, entityType, entityID, body.ProjectName)
	if err != nil {
		writeError(w, err)
		return
	}
	key := store.ScoreKey{ProjectID: projectID, EntityType: entityType, EntityID: entityID}
	if err := r.feedback.Put(req.Context(), principal.WorkspaceID, key, &body.FeedbackScore, principal.User); err != nil {
		writeError(w, err)
		return
	}
	r.publisher.Publish(principal.WorkspaceID, notify.KeyScoreCreated, map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"name":        body.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) handleScoreDelete(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	entityID, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := model.ValidateEntityID(entityID, string(entityType)); err != nil {
		writeError(w, err)
		return
	}
	var del model.DeleteFeedbackScore
	if err := r.decode(req, &del); err != nil {
		writeError(w, err)
		return
	}
	if del.Name == "" {
		writeError(w, model.NewBadRequest("name must not be blank"))
		return
	}
	if err := r.feedback.Delete(req.Context(), principal.WorkspaceID, entityType, entityID, del); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) handleScoreBatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	var payload struct {
		Scores []model.FeedbackScoreBatchItem `json:"scores"`
	}
	if err := r.decode(req, &payload); err != nil {
		writeError(w, err)
		return
	}
	if len(payload.Scores) == 0 {
		writeError(w, model.NewUnprocessable("scores must not be empty"))
		return
	}
	if len(payload.Scores) > r.conf.BatchSizeCap {
		writeError(w, model.NewUnprocessable("scores size must be between 1 and %d", r.conf.BatchSizeCap))
		return
	}

	keys := make([]store.ScoreKey, len(payload.Scores))
	scores := make([]*model.FeedbackScore, len(payload.Scores))
	for i := range payload.Scores {
		item := &payload.Scores[i]
		if err := model.ValidateEntityID(item.ID, string(entityType)); err != nil {
			writeError(w, err)
			return
		}
		if errs := item.Validate(); len(errs) > 0 {
			writeError(w, &model.ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs})
			return
		}
		projectID, err := r.entityProject(req, principal, entityType, item.ID, item.ProjectName)
		if err != nil {
			writeError(w, err)
			return
		}
		keys[i] = store.ScoreKey{ProjectID: projectID, EntityType: entityType, EntityID: item.ID}
		scores[i] = &item.FeedbackScore
	}
	if err := r.feedback.PutBatch(req.Context(), principal.WorkspaceID, keys, scores, principal.User); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// entityExists reports whether the annotated entity has been ingested,
// returning its project id.
func (r *Receiver) entityExists(req *http.Request, principal *auth.Principal, entityType model.EntityType, entityID uuid.UUID) (uuid.UUID, error) {
	if entityType == model.EntityTypeTrace {
		tr, err := r.traces.Get(req.Context(), principal.WorkspaceID, entityID)
		if err != nil {
			return uuid.Nil, err
		}
		return tr.ProjectID, nil
	}
	sp, err := r.spans.Get(req.Context(), principal.WorkspaceID, entityID)
	if err != nil {
		return uuid.Nil, err
	}
	return sp.ProjectID, nil
}

func (r *Receiver) handleCommentCreate(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	entityID, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	// Unlike scores, comments require the entity to exist already.
	projectID, err := r.entityExists(req, principal, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	c := new(model.Comment)
	if err := r.decode(req, c); err != nil {
		writeError(w, err)
		return
	}
	if errs := c.Validate(); len(errs) > 0 {
		writeError(w, &model.ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs})
		return
	}
	if err := r.comments.Create(req.Context(), principal.WorkspaceID, projectID, entityType, entityID, c, principal.User); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/private/comments/%s", c.ID))
	w.WriteHeader(http.StatusCreated)
}

func (r *Receiver) handleCommentGet(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	if principal.Anonymous {
		writeError(w, model.NewUnauthorized("Missing credentials"))
		return
	}
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := r.comments.Get(req.Context(), principal.WorkspaceID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (r *Receiver) handleCommentPatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if errs := (&model.Comment{Text: body.Text}).Validate(); len(errs) > 0 {
		writeError(w, &model.ValidationError{Code: http.StatusUnprocessableEntity, Errors: errs})
		return
	}
	if err := r.comments.Update(req.Context(), principal.WorkspaceID, id, body.Text, principal.User); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) handleCommentList(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	entityID, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if principal.Anonymous {
		projectID, err := r.entityExists(req, principal, entityType, entityID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := r.checkReadByID(req, principal, projectID); err != nil {
			writeError(w, err)
			return
		}
	}
	comments, err := r.comments.ForEntity(req.Context(), principal.WorkspaceID, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": comments})
}

func (r *Receiver) handleCommentDelete(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	var body struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := r.comments.Delete(req.Context(), principal.WorkspaceID, body.IDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

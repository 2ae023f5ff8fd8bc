// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"net/http"

	"github.com/traceloom/traceloom/pkg/model"
)

func (r *Receiver) handleProjectGet(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := r.projects.GetByID(req.Context(), principal.WorkspaceID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := checkRead(principal, p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Receiver) handleProjectPatch(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	id, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Visibility model.Visibility `json:"visibility"`
	}
	if err := r.decode(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Visibility != model.VisibilityPrivate && body.Visibility != model.VisibilityPublic {
		writeError(w, model.NewBadRequest("visibility must be one of [private, public]"))
		return
	}
	if err := r.projects.SetVisibility(req.Context(), principal.WorkspaceID, id, body.Visibility); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

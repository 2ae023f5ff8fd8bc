// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package api

import (
	"net/http"
)

func (r *Receiver) handleAttachmentList(w http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req)
	entityType := pathEntity(req)
	entityID, err := pathID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	projectID, err := r.entityExists(req, principal, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.checkReadByID(req, principal, projectID); err != nil {
		writeError(w, err)
		return
	}
	attachments, err := r.uploads.List(req.Context(), principal.WorkspaceID, projectID, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": attachments})
}

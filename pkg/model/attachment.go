// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"fmt"

	"github.com/google/uuid"
)

// AttachmentSource distinguishes payloads the stripper extracted from
// payloads a user uploaded directly. Auto-stripped attachments are replaced
// wholesale when their entity is updated; user uploads survive.
type AttachmentSource string

// Attachment sources.
const (
	AttachmentSourceAutoStripped AttachmentSource = "auto_stripped"
	AttachmentSourceUserUploaded AttachmentSource = "user_uploaded"
)

// Attachment is a binary blob stored outside the entity JSON, identified by
// (project_id, entity_type, entity_id, file_name).
type Attachment struct {
	ProjectID  uuid.UUID        `json:"project_id"`
	EntityType EntityType       `json:"entity_type"`
	EntityID   uuid.UUID        `json:"entity_id"`
	FileName   string           `json:"file_name"`
	MimeType   string           `json:"mime_type,omitempty"`
	FileSize   int64            `json:"file_size,omitempty"`
	Source     AttachmentSource `json:"source,omitempty"`
}

// ObjectKey renders the object-store key for the attachment bytes.
func (a *Attachment) ObjectKey(workspaceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", workspaceID, a.ProjectID, a.EntityType, a.EntityID, a.FileName)
}

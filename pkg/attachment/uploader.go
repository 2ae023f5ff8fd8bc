// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package attachment

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
)

// uploadConcurrency bounds the object-store fan-out per request.
const uploadConcurrency = 8

// Uploader moves extracted payloads into object storage and maintains the
// entity's attachment set across updates.
type Uploader struct {
	store ObjectStore
}

// NewUploader wraps an ObjectStore.
func NewUploader(store ObjectStore) *Uploader {
	return &Uploader{store: store}
}

// Upload pushes every extracted payload concurrently. Partial failure fails
// the whole batch; already-uploaded objects are harmless leftovers since a
// retry overwrites them under the same key.
func (u *Uploader) Upload(ctx context.Context, workspaceID string, uploads []Upload) error {
	if len(uploads) == 0 {
		return nil
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, up := range uploads {
		up := up
		g.Go(func() error {
			key := up.Attachment.ObjectKey(workspaceID)
			return u.store.Put(gctx, key, up.Data, up.Attachment.MimeType)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.Count("attachment.uploads", int64(len(uploads)), nil, 1)
	metrics.Since("attachment.upload_ms", start)
	return nil
}

// ReplaceAuto deletes the entity's previously auto-stripped attachments.
// Called before re-uploading on update so the auto-stripped set always
// mirrors the latest body; user uploads are left alone.
func (u *Uploader) ReplaceAuto(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) error {
	prefix := entityPrefix(workspaceID, projectID, entityType, entityID)
	objects, err := u.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if !tokenRe.MatchString("[" + name + "]") {
			continue
		}
		if err := u.store.Delete(ctx, obj.Key); err != nil {
			log.Warnf("failed to delete stale attachment %q: %v", obj.Key, err)
		}
	}
	return nil
}

// List returns the entity's attachments, classified by filename shape:
// names minted by the stripper are auto-stripped, everything else is a
// user upload.
func (u *Uploader) List(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) ([]model.Attachment, error) {
	prefix := entityPrefix(workspaceID, projectID, entityType, entityID)
	objects, err := u.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Attachment, 0, len(objects))
	for _, obj := range objects {
		name := path.Base(obj.Key)
		source := model.AttachmentSourceUserUploaded
		if tokenRe.MatchString("[" + name + "]") {
			source = model.AttachmentSourceAutoStripped
		}
		out = append(out, model.Attachment{
			ProjectID:  projectID,
			EntityType: entityType,
			EntityID:   entityID,
			FileName:   name,
			MimeType:   mimeFromExt(name),
			FileSize:   obj.Size,
			Source:     source,
		})
	}
	return out, nil
}

func entityPrefix(workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) string {
	a := model.Attachment{ProjectID: projectID, EntityType: entityType, EntityID: entityID}
	key := a.ObjectKey(workspaceID)
	return strings.TrimSuffix(key, "/") + "/"
}

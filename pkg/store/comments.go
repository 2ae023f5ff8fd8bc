// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/traceloom/traceloom/pkg/model"
)

// CommentStore persists free-text comments on traces and spans.
type CommentStore struct {
	conn *Conn
}

// NewCommentStore wraps a connection.
func NewCommentStore(conn *Conn) *CommentStore {
	return &CommentStore{conn: conn}
}

const commentInsert = `INSERT INTO comments (workspace_id, project_id, entity_type, entity_id,
	id, text, created_at, last_updated_at, created_by, last_updated_by)`

// Create stores one comment. Entity existence is the caller's concern.
func (s *CommentStore) Create(ctx context.Context, workspaceID string, projectID uuid.UUID, entityType model.EntityType, entityID uuid.UUID, c *model.Comment, user string) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now().UTC()
	c.EntityID = entityID
	c.CreatedAt = model.NewTime(now)
	c.LastUpdatedAt = model.NewTime(now)
	c.CreatedBy = user
	c.LastUpdatedBy = user
	return s.conn.batch(ctx, commentInsert, func(b driver.Batch) error {
		return b.Append(
			workspaceID,
			projectID,
			string(entityType),
			entityID,
			c.ID,
			c.Text,
			now,
			now,
			user,
			user,
		)
	})
}

// Get fetches one comment by id.
func (s *CommentStore) Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Comment, error) {
	query := `SELECT id, entity_id, text, created_at, last_updated_at, created_by, last_updated_by
		FROM comments FINAL
		WHERE workspace_id = @workspaceId AND id = @id
		LIMIT 1`
	var found *model.Comment
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if rows.Next() {
			c, err := scanComment(rows)
			if err != nil {
				return err
			}
			found = c
		}
		return rows.Err()
	}, clickhouse.Named("workspaceId", workspaceID), clickhouse.Named("id", id.String()))
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, model.NewNotFound("Comment id '%s' not found", id)
	}
	return found, nil
}

// Update replaces a comment's text.
func (s *CommentStore) Update(ctx context.Context, workspaceID string, id uuid.UUID, text, user string) error {
	existing, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	// Re-fetch the scope columns, then append the replacement version.
	query := `SELECT project_id, entity_type FROM comments FINAL
		WHERE workspace_id = @workspaceId AND id = @id LIMIT 1`
	var (
		projectID  uuid.UUID
		entityType string
	)
	err = s.conn.query(ctx, query, func(rows driver.Rows) error {
		if rows.Next() {
			return rows.Scan(&projectID, &entityType)
		}
		return rows.Err()
	}, clickhouse.Named("workspaceId", workspaceID), clickhouse.Named("id", id.String()))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.conn.batch(ctx, commentInsert, func(b driver.Batch) error {
		return b.Append(
			workspaceID,
			projectID,
			entityType,
			existing.EntityID,
			id,
			text,
			existing.CreatedAt.Time,
			now,
			existing.CreatedBy,
			user,
		)
	})
}

// ForEntity lists an entity's comments.
func (s *CommentStore) ForEntity(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID) ([]model.Comment, error) {
	query := `SELECT id, entity_id, text, created_at, last_updated_at, created_by, last_updated_by
		FROM comments FINAL
		WHERE workspace_id = @workspaceId AND entity_type = @entityType AND entity_id = @entityId
		ORDER BY created_at`
	var out []model.Comment
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			c, err := scanComment(rows)
			if err != nil {
				return err
			}
			out = append(out, *c)
		}
		return rows.Err()
	},
		clickhouse.Named("workspaceId", workspaceID),
		clickhouse.Named("entityType", string(entityType)),
		clickhouse.Named("entityId", entityID.String()))
	return out, err
}

// Delete removes a set of comments; missing ids are ignored.
func (s *CommentStore) Delete(ctx context.Context, workspaceID string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = fmt.Sprintf("'%s'", id)
	}
	query := fmt.Sprintf(`DELETE FROM comments
		WHERE workspace_id = @workspaceId AND id IN (%s)`, strings.Join(idStrs, ", "))
	return s.conn.exec(ctx, query, clickhouse.Named("workspaceId", workspaceID))
}

func scanComment(rows driver.Rows) (*model.Comment, error) {
	var (
		c         model.Comment
		createdAt time.Time
		updatedAt time.Time
	)
	if err := rows.Scan(
		&c.ID,
		&c.EntityID,
		&c.Text,
		&createdAt,
		&updatedAt,
		&c.CreatedBy,
		&c.LastUpdatedBy,
	); err != nil {
		return nil, err
	}
	c.CreatedAt = model.NewTime(createdAt)
	c.LastUpdatedAt = model.NewTime(updatedAt)
	return &c, nil
}

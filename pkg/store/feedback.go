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

// FeedbackStore persists feedback scores. The composite key is
// (entity_id, name, author): writing the same key replaces the row, the
// ReplacingMergeTree folds older versions away.
type FeedbackStore struct {
	conn     *Conn
	batchCap int
}

// NewFeedbackStore wraps a connection.
func NewFeedbackStore(conn *Conn, batchCap int) *FeedbackStore {
	if batchCap <= 0 {
		batchCap = 1000
	}
	return &FeedbackStore{conn: conn, batchCap: batchCap}
}

// ScoreKey scopes one score row.
type ScoreKey struct {
	ProjectID  uuid.UUID
	EntityType model.EntityType
	EntityID   uuid.UUID
}

// Put writes one score; same (entity, name, author) replaces.
func (s *FeedbackStore) Put(ctx context.Context, workspaceID string, key ScoreKey, score *model.FeedbackScore, user string) error {
	return s.PutBatch(ctx, workspaceID, []ScoreKey{key}, []*model.FeedbackScore{score}, user)
}

// PutBatch bulk-writes scores; keys and scores run in parallel.
func (s *FeedbackStore) PutBatch(ctx context.Context, workspaceID string, keys []ScoreKey, scores []*model.FeedbackScore, user string) error {
	if len(scores) == 0 {
		return model.NewUnprocessable("scores must not be empty")
	}
	if len(scores) > s.batchCap {
		return model.NewUnprocessable("scores size must be between 1 and %d", s.batchCap)
	}
	now := time.Now().UTC()
	insert := `INSERT INTO feedback_scores (workspace_id, project_id, entity_type, entity_id,
		name, category_name, value, reason, source,
		created_at, last_updated_at, created_by, last_updated_by)`
	return s.conn.batch(ctx, insert, func(b driver.Batch) error {
		for i, score := range scores {
			key := keys[i]
			source := score.Source
			if source == "" {
				source = model.ScoreSourceSDK
			}
			if err := b.Append(
				workspaceID,
				key.ProjectID,
				string(key.EntityType),
				key.EntityID,
				score.Name,
				score.CategoryName,
				score.Value,
				score.Reason,
				string(source),
				now,
				now,
				user,
				user,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a score by name, optionally narrowed to one author. It is
// idempotent: deleting a missing score succeeds.
func (s *FeedbackStore) Delete(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID, del model.DeleteFeedbackScore) error {
	query := `DELETE FROM feedback_scores
		WHERE workspace_id = @workspaceId AND entity_type = @entityType
		AND entity_id = @entityId AND name = @name`
	args := []interface{}{
		clickhouse.Named("workspaceId", workspaceID),
		clickhouse.Named("entityType", string(entityType)),
		clickhouse.Named("entityId", entityID.String()),
		clickhouse.Named("name", del.Name),
	}
	if del.Author != "" {
		query += " AND created_by = @author"
		args = append(args, clickhouse.Named("author", del.Author))
	}
	return s.conn.exec(ctx, query, args...)
}

// ForEntity returns the scores of one entity.
func (s *FeedbackStore) ForEntity(ctx context.Context, workspaceID string, entityType model.EntityType, entityID uuid.UUID) ([]model.FeedbackScore, error) {
	byEntity, err := s.ForEntities(ctx, workspaceID, entityType, []uuid.UUID{entityID})
	if err != nil {
		return nil, err
	}
	return byEntity[entityID], nil
}

// ForEntities bulk-loads the scores of a page of entities.
func (s *FeedbackStore) ForEntities(ctx context.Context, workspaceID string, entityType model.EntityType, ids []uuid.UUID) (map[uuid.UUID][]model.FeedbackScore, error) {
	if len(ids) == 0 {
		return map[uuid.UUID][]model.FeedbackScore{}, nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = fmt.Sprintf("'%s'", id)
	}
	query := fmt.Sprintf(`SELECT entity_id, name, category_name, value, reason, source,
		created_at, last_updated_at, created_by, last_updated_by
		FROM feedback_scores FINAL
		WHERE workspace_id = @workspaceId AND entity_type = @entityType
		AND entity_id IN (%s)
		ORDER BY name, created_by`, strings.Join(idStrs, ", "))

	out := make(map[uuid.UUID][]model.FeedbackScore, len(ids))
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			var (
				score     model.FeedbackScore
				source    string
				createdAt time.Time
				updatedAt time.Time
			)
			if err := rows.Scan(
				&score.EntityID,
				&score.Name,
				&score.CategoryName,
				&score.Value,
				&score.Reason,
				&source,
				&createdAt,
				&updatedAt,
				&score.CreatedBy,
				&score.LastUpdatedBy,
			); err != nil {
				return err
			}
			score.Source = model.ScoreSource(source)
			score.CreatedAt = model.NewTime(createdAt)
			score.LastUpdatedAt = model.NewTime(updatedAt)
			out[score.EntityID] = append(out[score.EntityID], score)
		}
		return rows.Err()
	},
		clickhouse.Named("workspaceId", workspaceID),
		clickhouse.Named("entityType", string(entityType)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package store

import "context"

// Version rows are append-only: every create and update inserts one row and
// reads pick the newest per id. The MergeTree ordering makes the
// latest-version scan a prefix read.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS spans (
		workspace_id                 String,
		project_id                   UUID,
		id                           UUID,
		trace_id                     UUID,
		parent_span_id               UUID,
		name                         String,
		type                         LowCardinality(String),
		start_time                   DateTime64(9, 'UTC'),
		end_time                     Nullable(DateTime64(9, 'UTC')),
		input                        String,
		output                       String,
		metadata                     String,
		model                        String,
		provider                     LowCardinality(String),
		thread_id                    String,
		tags                         Array(String),
		usage                        Map(String, Int64),
		error_info                   String,
		total_estimated_cost         Decimal(38, 12),
		total_estimated_cost_version String,
		created_at                   DateTime64(9, 'UTC') DEFAULT now64(9),
		last_updated_at              DateTime64(9, 'UTC') DEFAULT now64(9),
		created_by                   String,
		last_updated_by              String
	) ENGINE = MergeTree()
	ORDER BY (workspace_id, project_id, trace_id, parent_span_id, id)`,

	`CREATE TABLE IF NOT EXISTS traces (
		workspace_id                 String,
		project_id                   UUID,
		id                           UUID,
		name                         String,
		start_time                   DateTime64(9, 'UTC'),
		end_time                     Nullable(DateTime64(9, 'UTC')),
		input                        String,
		output                       String,
		metadata                     String,
		thread_id                    String,
		tags                         Array(String),
		usage                        Map(String, Int64),
		error_info                   String,
		total_estimated_cost         Decimal(38, 12),
		total_estimated_cost_version String,
		created_at                   DateTime64(9, 'UTC') DEFAULT now64(9),
		last_updated_at              DateTime64(9, 'UTC') DEFAULT now64(9),
		created_by                   String,
		last_updated_by              String
	) ENGINE = MergeTree()
	ORDER BY (workspace_id, project_id, id)`,

	`CREATE TABLE IF NOT EXISTS feedback_scores (
		workspace_id    String,
		project_id      UUID,
		entity_type     LowCardinality(String),
		entity_id       UUID,
		name            String,
		category_name   String,
		value           Decimal(18, 9),
		reason          String,
		source          LowCardinality(String),
		created_at      DateTime64(9, 'UTC') DEFAULT now64(9),
		last_updated_at DateTime64(9, 'UTC') DEFAULT now64(9),
		created_by      String,
		last_updated_by String
	) ENGINE = ReplacingMergeTree(last_updated_at)
	ORDER BY (workspace_id, project_id, entity_type, entity_id, name, created_by)`,

	`CREATE TABLE IF NOT EXISTS comments (
		workspace_id    String,
		project_id      UUID,
		entity_type     LowCardinality(String),
		entity_id       UUID,
		id              UUID,
		text            String,
		created_at      DateTime64(9, 'UTC') DEFAULT now64(9),
		last_updated_at DateTime64(9, 'UTC') DEFAULT now64(9),
		created_by      String,
		last_updated_by String
	) ENGINE = ReplacingMergeTree(last_updated_at)
	ORDER BY (workspace_id, entity_type, entity_id, id)`,
}

// EnsureSchema creates the analytics tables when they do not exist yet.
func (c *Conn) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if err := c.exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

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
	"github.com/shopspring/decimal"

	"github.com/traceloom/traceloom/pkg/filter"
	"github.com/traceloom/traceloom/pkg/model"
)

const traceColumns = `workspace_id, project_id, id, name,
	start_time, end_time, input, output, metadata, thread_id,
	tags, usage, error_info, total_estimated_cost, total_estimated_cost_version,
	created_at, last_updated_at, created_by, last_updated_by`

const traceInsert = `INSERT INTO traces (` + traceColumns + `)`

const latestTraces = `SELECT ` + traceColumns + ` FROM traces
	WHERE workspace_id = @workspaceId %s
	ORDER BY last_updated_at DESC
	LIMIT 1 BY id`

// TraceStore is the versioned trace persistence layer.
type TraceStore struct {
	conn     *Conn
	batchCap int
}

// NewTraceStore wraps a connection. batchCap bounds batch_create.
func NewTraceStore(conn *Conn, batchCap int) *TraceStore {
	if batchCap <= 0 {
		batchCap = 1000
	}
	return &TraceStore{conn: conn, batchCap: batchCap}
}

// Get returns the latest version of one trace.
func (s *TraceStore) Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Trace, error) {
	tr, err := s.latest(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, model.NewNotFound("Trace id '%s' not found", id)
	}
	return tr, nil
}

func (s *TraceStore) latest(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Trace, error) {
	query := fmt.Sprintf(latestTraces, "AND id = @id") + " LIMIT 1"
	var found *model.Trace
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if rows.Next() {
			tr, err := scanTrace(rows)
			if err != nil {
				return err
			}
			found = tr
		}
		return rows.Err()
	}, clickhouse.Named("workspaceId", workspaceID), clickhouse.Named("id", id.String()))
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Create inserts a trace, merging into a prior shadow row when one exists.
func (s *TraceStore) Create(ctx context.Context, workspaceID string, tr *model.Trace) error {
	existing, err := s.latest(ctx, workspaceID, tr.ID)
	if err != nil {
		return err
	}
	merged, err := mergeTraceCreate(existing, tr)
	if err != nil {
		return err
	}
	if err := s.insert(ctx, workspaceID, []*model.Trace{merged}); err != nil {
		return err
	}
	*tr = *merged
	return nil
}

// Update applies a partial update, writing a shadow row when the trace
// does not exist yet.
func (s *TraceStore) Update(ctx context.Context, workspaceID string, id, projectID uuid.UUID, patch *model.TraceUpdate, user string) error {
	existing, err := s.latest(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	merged, err := mergeTracePatch(existing, id, projectID, patch, user)
	if err != nil {
		return err
	}
	if merged == nil {
		return nil
	}
	return s.insert(ctx, workspaceID, []*model.Trace{merged})
}

// BatchCreate merges and bulk-inserts up to batchCap traces.
func (s *TraceStore) BatchCreate(ctx context.Context, workspaceID string, traces []*model.Trace) ([]BatchItemError, error) {
	if len(traces) == 0 {
		return nil, model.NewUnprocessable("traces must not be empty")
	}
	if len(traces) > s.batchCap {
		return nil, model.NewUnprocessable("traces size must be between 1 and %d", s.batchCap)
	}
	seen := make(map[uuid.UUID]bool, len(traces))
	for _, tr := range traces {
		if seen[tr.ID] {
			return nil, model.NewUnprocessable("Duplicate trace id '%s'", tr.ID)
		}
		seen[tr.ID] = true
	}

	var (
		rows     []*model.Trace
		itemErrs []BatchItemError
	)
	for _, tr := range traces {
		existing, err := s.latest(ctx, workspaceID, tr.ID)
		if err != nil {
			return nil, err
		}
		merged, err := mergeTraceCreate(existing, tr)
		if err != nil {
			itemErrs = append(itemErrs, BatchItemError{ID: tr.ID, Err: err.Error()})
			continue
		}
		rows = append(rows, merged)
	}
	if len(rows) > 0 {
		if err := s.insert(ctx, workspaceID, rows); err != nil {
			return nil, err
		}
	}
	return itemErrs, nil
}

func (s *TraceStore) insert(ctx context.Context, workspaceID string, traces []*model.Trace) error {
	return s.conn.batch(ctx, traceInsert, func(b driver.Batch) error {
		for _, tr := range traces {
			if err := b.Append(
				workspaceID,
				tr.ProjectID,
				tr.ID,
				tr.Name,
				tr.StartTime.Time,
				timePtr(tr.EndTime),
				string(tr.Input),
				string(tr.Output),
				string(tr.Metadata),
				tr.ThreadID,
				emptyTags(tr.Tags),
				emptyUsage(tr.Usage),
				errorInfoJSON(tr.ErrorInfo),
				costValue(tr.TotalEstimatedCost),
				tr.TotalEstimatedCostVersion,
				tr.CreatedAt.Time,
				tr.LastUpdatedAt.Time,
				tr.CreatedBy,
				tr.LastUpdatedBy,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// TraceListRequest scopes a trace listing.
type TraceListRequest struct {
	ProjectID uuid.UUID
	ThreadID  string
	Filters   *filter.Compiled
	Sort []SortField

	Page int
	Size int

	LastRetrievedID uuid.UUID
	Limit           int
}

func (r *TraceListRequest) scopeSQL(workspaceID string) (string, []interface{}) {
	scope := "AND project_id = @projectId"
	args := []interface{}{
		clickhouse.Named("workspaceId", workspaceID),
		clickhouse.Named("projectId", r.ProjectID.String()),
	}
	if r.ThreadID != "" {
		scope += " AND thread_id = @threadId"
		args = append(args, clickhouse.Named("threadId", r.ThreadID))
	}
	return fmt.Sprintf(latestTraces, scope), args
}

func (r *TraceListRequest) filterSQL(workspaceID string) (string, []interface{}) {
	if r.Filters == nil {
		return "", nil
	}
	var clauses []string
	if where := r.Filters.EntityWhere(); len(where) > 0 {
		clauses = append(clauses, where...)
	}
	if having := r.Filters.ScoreHaving(); len(having) > 0 {
		clauses = append(clauses, fmt.Sprintf(`id IN (
			SELECT entity_id FROM feedback_scores FINAL
			WHERE workspace_id = @workspaceId AND entity_type = 'trace'
			GROUP BY entity_id
			HAVING %s)`, strings.Join(having, " AND ")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), namedParams(r.Filters.Params)
}

// List returns one page of traces ordered id DESC.
func (s *TraceStore) List(ctx context.Context, workspaceID string, req TraceListRequest) (*model.TracePage, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM (%s) AS t%s", scope, where)
	err := s.conn.query(ctx, countQuery, func(rows driver.Rows) error {
		if rows.Next() {
			return rows.Scan(&total)
		}
		return rows.Err()
	}, args...)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM (%s) AS t%s
		ORDER BY %s
		LIMIT %d OFFSET %d`,
		traceColumns, scope, where,
		orderSQL(req.Sort, "id DESC"),
		req.Size, (req.Page-1)*req.Size)

	var content []*model.Trace
	err = s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			tr, err := scanTrace(rows)
			if err != nil {
				return err
			}
			content = append(content, tr)
		}
		return rows.Err()
	}, args...)
	if err != nil {
		return nil, err
	}
	return &model.TracePage{Page: req.Page, Size: len(content), Total: total, Content: content}, nil
}

// Stream hands traces to fn in id DESC order starting below the cursor.
func (s *TraceStore) Stream(ctx context.Context, workspaceID string, req TraceListRequest, fn func(*model.Trace) bool) error {
	if req.Limit <= 0 {
		req.Limit = 500
	}
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	if req.LastRetrievedID != uuid.Nil {
		cursor := "id < @lastRetrievedId"
		args = append(args, clickhouse.Named("lastRetrievedId", req.LastRetrievedID.String()))
		if where == "" {
			where = " WHERE " + cursor
		} else {
			where += " AND " + cursor
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM (%s) AS t%s
		ORDER BY id DESC
		LIMIT %d`, traceColumns, scope, where, req.Limit)

	return s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			tr, err := scanTrace(rows)
			if err != nil {
				return err
			}
			if !fn(tr) {
				return nil
			}
		}
		return rows.Err()
	}, args...)
}

// Stats aggregates the filtered trace set.
func (s *TraceStore) Stats(ctx context.Context, workspaceID string, req TraceListRequest) (*model.Stats, error) {
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	query := fmt.Sprintf(`SELECT
		count(),
		quantiles(0.5, 0.9, 0.99)(dur),
		avg(dur),
		sum(total_estimated_cost),
		uniqExact(name),
		uniqExact(thread_id)
	FROM (
		SELECT *, if(isNotNull(end_time),
			(toUnixTimestamp64Micro(end_time) - toUnixTimestamp64Micro(start_time)) / 1000.0,
			0.0) AS dur
		FROM (%s) AS base
	) AS t%s`, scope, where)

	stats := &model.Stats{Cardinality: map[string]uint64{}}
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if !rows.Next() {
			return rows.Err()
		}
		var (
			quants          []float64
			avg             float64
			costSum         decimal.Decimal
			names, threads  uint64
		)
		if err := rows.Scan(&stats.Count, &quants, &avg, &costSum, &names, &threads); err != nil {
			return err
		}
		if len(quants) == 3 {
			stats.DurationP50, stats.DurationP90, stats.DurationP99 = quants[0], quants[1], quants[2]
		}
		stats.DurationAvg = avg
		stats.TotalCost = costSum
		stats.Cardinality["name"] = names
		stats.Cardinality["thread_id"] = threads
		return nil
	}, args...)
	if err != nil {
		return nil, err
	}

	scores, err := s.scoreStats(ctx, workspaceID, req.ProjectID)
	if err != nil {
		return nil, err
	}
	stats.FeedbackScores = scores
	return stats, nil
}

func (s *TraceStore) scoreStats(ctx context.Context, workspaceID string, projectID uuid.UUID) ([]model.ScoreStats, error) {
	query := `SELECT name, min(value), avg(toFloat64(value)), max(value)
		FROM feedback_scores FINAL
		WHERE workspace_id = @workspaceId AND project_id = @projectId AND entity_type = 'trace'
		GROUP BY name
		ORDER BY name`
	var out []model.ScoreStats
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			var (
				st  model.ScoreStats
				avg float64
			)
			if err := rows.Scan(&st.Name, &st.Min, &avg, &st.Max); err != nil {
				return err
			}
			st.Avg = decimal.NewFromFloat(avg)
			out = append(out, st)
		}
		return rows.Err()
	}, clickhouse.Named("workspaceId", workspaceID), clickhouse.Named("projectId", projectID.String()))
	return out, err
}

// scanTrace reads one row in traceColumns order.
func scanTrace(rows driver.Rows) (*model.Trace, error) {
	var (
		tr          model.Trace
		workspaceID string
		start       time.Time
		end         *time.Time
		input       string
		output      string
		metadata    string
		errorInfo   string
		costStored  decimal.Decimal
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := rows.Scan(
		&workspaceID,
		&tr.ProjectID,
		&tr.ID,
		&tr.Name,
		&start,
		&end,
		&input,
		&output,
		&metadata,
		&tr.ThreadID,
		&tr.Tags,
		&tr.Usage,
		&errorInfo,
		&costStored,
		&tr.TotalEstimatedCostVersion,
		&createdAt,
		&updatedAt,
		&tr.CreatedBy,
		&tr.LastUpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	tr.StartTime = model.NewTime(start)
	if end != nil {
		et := model.NewTime(*end)
		tr.EndTime = &et
	}
	tr.Input = model.JSON(input)
	tr.Output = model.JSON(output)
	tr.Metadata = model.JSON(metadata)
	tr.ErrorInfo = parseErrorInfo(errorInfo)
	tr.TotalEstimatedCost = costPtr(costStored)
	tr.CreatedAt = model.NewTime(createdAt)
	tr.LastUpdatedAt = model.NewTime(updatedAt)
	tr.Duration = model.ComputeDuration(tr.StartTime, tr.EndTime)
	return &tr, nil
}

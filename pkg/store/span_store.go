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
	jsoniter "github.com/json-iterator/go"

	"github.com/traceloom/traceloom/pkg/filter"
	"github.com/traceloom/traceloom/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const spanColumns = `workspace_id, project_id, id, trace_id, parent_span_id, name, type,
	start_time, end_time, input, output, metadata, model, provider, thread_id,
	tags, usage, error_info, total_estimated_cost, total_estimated_cost_version,
	created_at, last_updated_at, created_by, last_updated_by`

const spanInsert = `INSERT INTO spans (` + spanColumns + `)`

// latestSpans resolves the newest version row per span id inside one
// workspace/project scope.
const latestSpans = `SELECT ` + spanColumns + ` FROM spans
	WHERE workspace_id = @workspaceId %s
	ORDER BY last_updated_at DESC
	LIMIT 1 BY id`

// SpanStore is the versioned span persistence layer.
type SpanStore struct {
	conn     *Conn
	batchCap int
}

// NewSpanStore wraps a connection. batchCap bounds batch_create.
func NewSpanStore(conn *Conn, batchCap int) *SpanStore {
	if batchCap <= 0 {
		batchCap = 1000
	}
	return &SpanStore{conn: conn, batchCap: batchCap}
}

// Get returns the latest version of one span, 404 when the workspace has
// no row under the id.
func (s *SpanStore) Get(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Span, error) {
	sp, err := s.latest(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, model.NewNotFound("Span id '%s' not found", id)
	}
	return sp, nil
}

func (s *SpanStore) latest(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Span, error) {
	query := fmt.Sprintf(latestSpans, "AND id = @id") + " LIMIT 1"
	var found *model.Span
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if rows.Next() {
			sp, err := scanSpan(rows)
			if err != nil {
				return err
			}
			found = sp
		}
		return rows.Err()
	}, clickhouse.Named("workspaceId", workspaceID), clickhouse.Named("id", id.String()))
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Create inserts a span, merging into a prior shadow row when one exists.
// The span is updated in place to the merged state.
func (s *SpanStore) Create(ctx context.Context, workspaceID string, sp *model.Span) error {
	existing, err := s.latest(ctx, workspaceID, sp.ID)
	if err != nil {
		return err
	}
	merged, err := mergeSpanCreate(existing, sp)
	if err != nil {
		return err
	}
	if err := s.insert(ctx, workspaceID, []*model.Span{merged}); err != nil {
		return err
	}
	*sp = *merged
	return nil
}

// Update applies a partial update, writing a shadow row when the span does
// not exist yet. Stale patches are dropped silently.
func (s *SpanStore) Update(ctx context.Context, workspaceID string, id, projectID uuid.UUID, patch *model.SpanUpdate, user string) error {
	existing, err := s.latest(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	merged, err := mergeSpanPatch(existing, id, projectID, patch, user)
	if err != nil {
		return err
	}
	if merged == nil {
		return nil
	}
	return s.insert(ctx, workspaceID, []*model.Span{merged})
}

// BatchItemError ties a failed batch item to its cause.
type BatchItemError struct {
	ID  uuid.UUID `json:"id"`
	Err string    `json:"error"`
}

// BatchCreate merges and bulk-inserts up to batchCap spans. Duplicate ids
// or an oversized batch fail the whole request before anything is written;
// per-item merge conflicts are isolated into the returned errors slice.
func (s *SpanStore) BatchCreate(ctx context.Context, workspaceID string, spans []*model.Span) ([]BatchItemError, error) {
	if len(spans) == 0 {
		return nil, model.NewUnprocessable("spans must not be empty")
	}
	if len(spans) > s.batchCap {
		return nil, model.NewUnprocessable("spans size must be between 1 and %d", s.batchCap)
	}
	seen := make(map[uuid.UUID]bool, len(spans))
	for _, sp := range spans {
		if seen[sp.ID] {
			return nil, model.NewUnprocessable("Duplicate span id '%s'", sp.ID)
		}
		seen[sp.ID] = true
	}

	var (
		rows     []*model.Span
		itemErrs []BatchItemError
	)
	for _, sp := range spans {
		existing, err := s.latest(ctx, workspaceID, sp.ID)
		if err != nil {
			return nil, err
		}
		merged, err := mergeSpanCreate(existing, sp)
		if err != nil {
			itemErrs = append(itemErrs, BatchItemError{ID: sp.ID, Err: err.Error()})
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

func (s *SpanStore) insert(ctx context.Context, workspaceID string, spans []*model.Span) error {
	return s.conn.batch(ctx, spanInsert, func(b driver.Batch) error {
		for _, sp := range spans {
			if err := b.Append(
				workspaceID,
				sp.ProjectID,
				sp.ID,
				sp.TraceID,
				sp.ParentSpanID,
				sp.Name,
				string(sp.Type),
				sp.StartTime.Time,
				timePtr(sp.EndTime),
				string(sp.Input),
				string(sp.Output),
				string(sp.Metadata),
				sp.Model,
				sp.Provider,
				sp.ThreadID,
				emptyTags(sp.Tags),
				emptyUsage(sp.Usage),
				errorInfoJSON(sp.ErrorInfo),
				costValue(sp.TotalEstimatedCost),
				sp.TotalEstimatedCostVersion,
				sp.CreatedAt.Time,
				sp.LastUpdatedAt.Time,
				sp.CreatedBy,
				sp.LastUpdatedBy,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// SpanListRequest scopes a span listing.
type SpanListRequest struct {
	ProjectID uuid.UUID
	TraceID   uuid.UUID
	Type      model.SpanType
	Filters   *filter.Compiled
	Sort      []SortField

	Page int
	Size int

	// Stream cursor; zero means from the top.
	LastRetrievedID uuid.UUID
	Limit           int
}

// scopeSQL renders the inner latest-version scope plus its binds.
func (r *SpanListRequest) scopeSQL(workspaceID string) (string, []interface{}) {
	scope := "AND project_id = @projectId"
	args := []interface{}{
		clickhouse.Named("workspaceId", workspaceID),
		clickhouse.Named("projectId", r.ProjectID.String()),
	}
	if r.TraceID != uuid.Nil {
		scope += " AND trace_id = @traceId"
		args = append(args, clickhouse.Named("traceId", r.TraceID.String()))
	}
	if r.Type != "" {
		scope += " AND type = @spanType"
		args = append(args, clickhouse.Named("spanType", string(r.Type)))
	}
	return fmt.Sprintf(latestSpans, scope), args
}

// filterSQL renders the outer predicate clauses plus their binds.
func (r *SpanListRequest) filterSQL(workspaceID string) (string, []interface{}) {
	if r.Filters == nil {
		return "", nil
	}
	var (
		clauses []string
		args    []interface{}
	)
	if where := r.Filters.EntityWhere(); len(where) > 0 {
		clauses = append(clauses, where...)
	}
	if having := r.Filters.ScoreHaving(); len(having) > 0 {
		clauses = append(clauses, fmt.Sprintf(`id IN (
			SELECT entity_id FROM feedback_scores FINAL
			WHERE workspace_id = @workspaceId AND entity_type = 'span'
			GROUP BY entity_id
			HAVING %s)`, strings.Join(having, " AND ")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	args = append(args, namedParams(r.Filters.Params)...)
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns one page ordered (trace_id, parent_span_id, id) DESC.
func (s *SpanStore) List(ctx context.Context, workspaceID string, req SpanListRequest) (*model.SpanPage, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	total, err := s.count(ctx, scope, where, args)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM (%s) AS s%s
		ORDER BY %s
		LIMIT %d OFFSET %d`,
		spanColumns, scope, where,
		orderSQL(req.Sort, "trace_id DESC, parent_span_id DESC, id DESC"),
		req.Size, (req.Page-1)*req.Size)

	var content []*model.Span
	err = s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			sp, err := scanSpan(rows)
			if err != nil {
				return err
			}
			content = append(content, sp)
		}
		return rows.Err()
	}, args...)
	if err != nil {
		return nil, err
	}
	return &model.SpanPage{Page: req.Page, Size: len(content), Total: total, Content: content}, nil
}

func (s *SpanStore) count(ctx context.Context, scope, where string, args []interface{}) (uint64, error) {
	var total uint64
	query := fmt.Sprintf("SELECT count() FROM (%s) AS s%s", scope, where)
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if rows.Next() {
			return rows.Scan(&total)
		}
		return rows.Err()
	}, args...)
	return total, err
}

// Stream hands spans to fn in id DESC order starting below the cursor;
// fn returning false stops the scan.
func (s *SpanStore) Stream(ctx context.Context, workspaceID string, req SpanListRequest, fn func(*model.Span) bool) error {
	if req.Limit <= 0 {
		req.Limit = 500
	}
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	cursor := ""
	if req.LastRetrievedID != uuid.Nil {
		cursor = "id < @lastRetrievedId"
		args = append(args, clickhouse.Named("lastRetrievedId", req.LastRetrievedID.String()))
	}
	if cursor != "" {
		if where == "" {
			where = " WHERE " + cursor
		} else {
			where += " AND " + cursor
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM (%s) AS s%s
		ORDER BY id DESC
		LIMIT %d`, spanColumns, scope, where, req.Limit)

	return s.conn.query(ctx, query, func(rows driver.Rows) error {
		for rows.Next() {
			sp, err := scanSpan(rows)
			if err != nil {
				return err
			}
			if !fn(sp) {
				return nil
			}
		}
		return rows.Err()
	}, args...)
}

// Stats aggregates the filtered span set.
func (s *SpanStore) Stats(ctx context.Context, workspaceID string, req SpanListRequest) (*model.Stats, error) {
	scope, args := req.scopeSQL(workspaceID)
	where, filterArgs := req.filterSQL(workspaceID)
	args = append(args, filterArgs...)

	query := fmt.Sprintf(`SELECT
		count(),
		quantiles(0.5, 0.9, 0.99)(dur),
		avg(dur),
		sum(total_estimated_cost),
		uniqExact(name),
		uniqExact(model),
		uniqExact(provider)
	FROM (
		SELECT *, if(isNotNull(end_time),
			(toUnixTimestamp64Micro(end_time) - toUnixTimestamp64Micro(start_time)) / 1000.0,
			0.0) AS dur
		FROM (%s) AS base
	) AS s%s`, scope, where)

	stats := &model.Stats{Cardinality: map[string]uint64{}}
	err := s.conn.query(ctx, query, func(rows driver.Rows) error {
		if !rows.Next() {
			return rows.Err()
		}
		var (
			quants                     []float64
			avg                        float64
			costSum                    decimal.Decimal
			names, models, providers   uint64
		)
		if err := rows.Scan(&stats.Count, &quants, &avg, &costSum, &names, &models, &providers); err != nil {
			return err
		}
		if len(quants) == 3 {
			stats.DurationP50, stats.DurationP90, stats.DurationP99 = quants[0], quants[1], quants[2]
		}
		stats.DurationAvg = avg
		stats.TotalCost = costSum
		stats.Cardinality["name"] = names
		stats.Cardinality["model"] = models
		stats.Cardinality["provider"] = providers
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

func (s *SpanStore) scoreStats(ctx context.Context, workspaceID string, projectID uuid.UUID) ([]model.ScoreStats, error) {
	query := `SELECT name, min(value), avg(toFloat64(value)), max(value)
		FROM feedback_scores FINAL
		WHERE workspace_id = @workspaceId AND project_id = @projectId AND entity_type = 'span'
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

// scanSpan reads one row in spanColumns order.
func scanSpan(rows driver.Rows) (*model.Span, error) {
	var (
		sp          model.Span
		workspaceID string
		spanType    string
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
		&sp.ProjectID,
		&sp.ID,
		&sp.TraceID,
		&sp.ParentSpanID,
		&sp.Name,
		&spanType,
		&start,
		&end,
		&input,
		&output,
		&metadata,
		&sp.Model,
		&sp.Provider,
		&sp.ThreadID,
		&sp.Tags,
		&sp.Usage,
		&errorInfo,
		&costStored,
		&sp.TotalEstimatedCostVersion,
		&createdAt,
		&updatedAt,
		&sp.CreatedBy,
		&sp.LastUpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	sp.Type = model.SpanType(spanType)
	sp.StartTime = model.NewTime(start)
	if end != nil {
		et := model.NewTime(*end)
		sp.EndTime = &et
	}
	sp.Input = model.JSON(input)
	sp.Output = model.JSON(output)
	sp.Metadata = model.JSON(metadata)
	sp.ErrorInfo = parseErrorInfo(errorInfo)
	sp.TotalEstimatedCost = costPtr(costStored)
	sp.CreatedAt = model.NewTime(createdAt)
	sp.LastUpdatedAt = model.NewTime(updatedAt)
	sp.Duration = model.ComputeDuration(sp.StartTime, sp.EndTime)
	return &sp, nil
}

func timePtr(t *model.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return &t.Time
}

func emptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func emptyUsage(usage map[string]int64) map[string]int64 {
	if usage == nil {
		return map[string]int64{}
	}
	return usage
}

func errorInfoJSON(ei *model.ErrorInfo) string {
	if ei == nil {
		return ""
	}
	raw, err := json.Marshal(ei)
	if err != nil {
		return ""
	}
	return string(raw)
}

func parseErrorInfo(raw string) *model.ErrorInfo {
	if raw == "" {
		return nil
	}
	ei := new(model.ErrorInfo)
	if err := json.Unmarshal([]byte(raw), ei); err != nil {
		return nil
	}
	return ei
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package project manages the relational project registry. Ingest resolves
// project names to ids here, creating projects on first use.
package project

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/model"
)

// row is the bun mapping of one project.
type row struct {
	bun.BaseModel `bun:"table:projects,alias:p"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	Name        string    `bun:"name,notnull"`
	WorkspaceID string    `bun:"workspace_id,notnull"`
	Visibility  string    `bun:"visibility,notnull,default:'private'"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	CreatedBy   string    `bun:"created_by"`
}

// Store reads and writes project rows.
type Store struct {
	db *bun.DB
}

// New dials Postgres with the given DSN.
func New(dsn string) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging postgres")
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *bun.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the projects table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*row)(nil)).
		IfNotExists().
		Exec(ctx)
	return errors.Wrap(err, "creating projects table")
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate resolves a project by name within the workspace, creating it
// on first use. Name matching is case-insensitive; a blank name resolves
// to the default project.
func (s *Store) GetOrCreate(ctx context.Context, workspaceID, name, user string) (*model.Project, error) {
	name = model.ResolveProjectName(name)

	if p, err := s.GetByName(ctx, workspaceID, name); err == nil {
		return p, nil
	} else if model.StatusOf(err) != 404 {
		return nil, err
	}

	r := &row{
		ID:          uuid.Must(uuid.NewV7()),
		Name:        name,
		WorkspaceID: workspaceID,
		Visibility:  string(model.VisibilityPrivate),
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   user,
	}
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		// A concurrent create may have won; read back before failing.
		if p, rerr := s.GetByName(ctx, workspaceID, name); rerr == nil {
			return p, nil
		}
		return nil, errors.Wrapf(err, "creating project %q", name)
	}
	log.Infof("created project %q in workspace %s", name, workspaceID)
	return toModel(r), nil
}

// GetByName fetches one project by case-insensitive name.
func (s *Store) GetByName(ctx context.Context, workspaceID, name string) (*model.Project, error) {
	r := new(row)
	err := s.db.NewSelect().
		Model(r).
		Where("p.workspace_id = ?", workspaceID).
		Where("lower(p.name) = lower(?)", strings.TrimSpace(name)).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFound("Project not found")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching project %q", name)
	}
	return toModel(r), nil
}

// GetByID fetches one project by id.
func (s *Store) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*model.Project, error) {
	r := new(row)
	err := s.db.NewSelect().
		Model(r).
		Where("p.workspace_id = ?", workspaceID).
		Where("p.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFound("Project not found")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching project %s", id)
	}
	return toModel(r), nil
}

// SetVisibility flips a project between private and public.
func (s *Store) SetVisibility(ctx context.Context, workspaceID string, id uuid.UUID, v model.Visibility) error {
	res, err := s.db.NewUpdate().
		Model((*row)(nil)).
		Set("visibility = ?", string(v)).
		Where("workspace_id = ?", workspaceID).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrapf(err, "updating project %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewNotFound("Project not found")
	}
	return nil
}

func toModel(r *row) *model.Project {
	return &model.Project{
		ID:          r.ID,
		Name:        r.Name,
		WorkspaceID: r.WorkspaceID,
		Visibility:  model.Visibility(r.Visibility),
		CreatedAt:   r.CreatedAt,
		CreatedBy:   r.CreatedBy,
	}
}

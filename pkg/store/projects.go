package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/engine"
)

type Project struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	CreatedAtMs int64  `json:"createdAtMs" db:"created_at_ms"`
	UpdatedAtMs int64  `json:"updatedAtMs" db:"updated_at_ms"`
}

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		return errors.Wrap(engine.ErrValidation, "project id is empty")
	}
	now := nowMs()
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = now
	}
	p.UpdatedAtMs = now
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO projects (id, name, created_at_ms, updated_at_ms)
		 VALUES (:id, :name, :created_at_ms, :updated_at_ms)`, p)
	return errors.Wrap(err, "creating project")
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(engine.ErrNotFound, "project %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting project")
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	ret := []Project{}
	err := s.db.SelectContext(ctx, &ret, `SELECT * FROM projects ORDER BY name ASC`)
	return ret, errors.Wrap(err, "listing projects")
}

func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAtMs = nowMs()
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE projects SET name = :name, updated_at_ms = :updated_at_ms WHERE id = :id`, p)
	if err != nil {
		return errors.Wrap(err, "updating project")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Wrapf(engine.ErrNotFound, "project %s", p.ID)
	}
	return nil
}

// DeleteProject removes the project row; its conversations survive with a
// dangling project id so nothing user-visible disappears implicitly.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return errors.Wrap(err, "deleting project")
}

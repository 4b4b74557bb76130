package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOrCreateProject returns the project row, creating it when first seen.
// Path is only written on creation or when the stored path is still empty;
// project directories do not move.
func (s *Store) GetOrCreateProject(ctx context.Context, id, path string) (*Project, error) {
	project, err := s.GetProject(ctx, id)
	if err == nil {
		if project.Path == "" && path != "" {
			if err := s.setProjectPath(ctx, id, path); err != nil {
				return nil, err
			}
			project.Path = path
		}
		return project, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	project = &Project{ID: id, Path: path, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (id, path, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), project.ID, project.Path, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", id, err)
	}
	return project, nil
}

func (s *Store) setProjectPath(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE projects SET path = ?, updated_at = ? WHERE id = ? AND path = ''
	`), path, time.Now().UTC(), id)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	project := &Project{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, path, created_at, updated_at FROM projects WHERE id = ?
	`), id).Scan(&project.ID, &project.Path, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns all projects ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, path, created_at, updated_at FROM projects ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Project
	for rows.Next() {
		project := &Project{}
		if err := rows.Scan(&project.ID, &project.Path, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

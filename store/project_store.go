package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskcoord/coordinator/project"
)

// ProjectStore implements project.Store against the shared SQLite pool.
type ProjectStore struct {
	db    *sql.DB
	store *Store
}

func (s *ProjectStore) Create(ctx context.Context, p *project.Project) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		p.CreatedAt = now
		p.UpdatedAt = now
		if p.Status == "" {
			p.Status = project.StatusActive
		}

		res, err := s.db.ExecContext(ctx, `
INSERT INTO projects (name, external_channel, description, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			p.Name, p.ExternalChannel, p.Description, string(p.Status),
			nullTime(&p.CreatedAt), nullTime(&p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("store: create project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: create project: last insert id: %w", err)
		}
		p.ID = id
		return nil
	})
}

func (s *ProjectStore) Get(ctx context.Context, id int64) (*project.Project, error) {
	var out *project.Project
	err := s.store.do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
SELECT id, name, external_channel, description, status, created_at, updated_at, deleted_at
FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if err == sql.ErrNoRows {
			out = nil
			return nil
		}
		out = p
		return err
	})
	return out, err
}

func (s *ProjectStore) Update(ctx context.Context, p *project.Project) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		p.UpdatedAt = time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
UPDATE projects SET name = ?, external_channel = ?, description = ?, status = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL`,
			p.Name, p.ExternalChannel, p.Description, string(p.Status), nullTime(&p.UpdatedAt), p.ID)
		if err != nil {
			return fmt.Errorf("store: update project %d: %w", p.ID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("store: update project %d: %w", p.ID, sql.ErrNoRows)
		}
		return nil
	})
}

func (s *ProjectStore) List(ctx context.Context, f project.Filter) ([]*project.Project, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, name, external_channel, description, status, created_at, updated_at, deleted_at FROM projects WHERE 1=1`)
	var args []any

	if !f.IncludeDeleted {
		sb.WriteString(" AND deleted_at IS NULL")
	}
	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	sb.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	}

	var out []*project.Project
	err := s.store.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("store: list projects: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (s *ProjectStore) SoftDelete(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		return execOne(ctx, s.db, `UPDATE projects SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			nullTime(&now), nullTime(&now), id)
	})
}

func (s *ProjectStore) Restore(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		return execOne(ctx, s.db, `UPDATE projects SET deleted_at = NULL, updated_at = ? WHERE id = ?`, nullTime(&now), id)
	})
}

func (s *ProjectStore) HardDelete(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return execOne(ctx, s.db, `DELETE FROM projects WHERE id = ?`, id)
	})
}

func scanProject(row scanner) (*project.Project, error) {
	var p project.Project
	var externalChannel, description sql.NullString
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	var status string

	if err := row.Scan(&p.ID, &p.Name, &externalChannel, &description, &status,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	p.ExternalChannel = externalChannel.String
	p.Description = description.String
	p.Status = project.Status(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse project created_at: %w", err)
	}
	p.CreatedAt = t
	t, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse project updated_at: %w", err)
	}
	p.UpdatedAt = t
	p.DeletedAt, err = parseNullTime(deletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

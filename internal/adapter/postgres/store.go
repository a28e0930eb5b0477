package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/domain/project"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return orEmpty(projects), rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = $1`, id)

	var p project.Project
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
		return nil, notFoundWrap(err, "get project %s", id)
	}
	return &p, nil
}

// --- Tasks ---

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]project.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, created_at
		 FROM tasks WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []project.Task
	for rows.Next() {
		var t project.Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return orEmpty(tasks), rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*project.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, name, created_at FROM tasks WHERE id = $1`, id)

	var t project.Task
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.CreatedAt); err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

// --- Runs ---

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]project.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, name, status, created_at
		 FROM runs WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []project.Run
	for rows.Next() {
		var r project.Run
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Name, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return orEmpty(runs), rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id string) (*project.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, name, status, created_at FROM runs WHERE id = $1`, id)

	var r project.Run
	if err := row.Scan(&r.ID, &r.TaskID, &r.Name, &r.Status, &r.CreatedAt); err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status project.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update run %s status", id)
}

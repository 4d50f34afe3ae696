package repo

import (
	"context"
	"database/sql"
	"strings"

	"keylane/internal/domain"
)

const taskColumns = `id,context_type,context_id,role,title,description,due_at,status,ai_generated,created_at,updated_at,completed_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,context_type,context_id,role,title,description,due_at,status,ai_generated,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ContextType, t.ContextID, nullable(t.Role), t.Title, nullable(t.Description),
		nullableStringPtr(t.DueAt), t.Status, boolToInt(t.AIGenerated), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// TaskTitles returns the set of task titles already present for a context.
// This is the dedup boundary the template expander checks against.
func (r Repo) TaskTitles(ctx context.Context, contextType, contextID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT title FROM tasks WHERE context_type=? AND context_id=?`, contextType, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	titles := map[string]bool{}
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		titles[title] = true
	}
	return titles, rows.Err()
}

// TaskIDByTitle resolves a dependency title against persisted tasks for a
// context. Returns ErrNotFound when no task carries the title.
func (r Repo) TaskIDByTitle(ctx context.Context, contextType, contextID, title string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM tasks WHERE context_type=? AND context_id=? AND title=?`, contextType, contextID, title).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var role, description, dueAt, completedAt sql.NullString
	var aiGenerated int
	err := scan(&t.ID, &t.ContextType, &t.ContextID, &role, &t.Title, &description, &dueAt, &t.Status, &aiGenerated, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if role.Valid {
		t.Role = role.String
	}
	if description.Valid {
		t.Description = description.String
	}
	t.DueAt = stringPtr(dueAt)
	t.CompletedAt = stringPtr(completedAt)
	t.AIGenerated = aiGenerated != 0
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	ContextType string
	ContextID   string
	Role        string
	Status      string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ContextType != "" {
		clauses = append(clauses, "context_type=?")
		args = append(args, f.ContextType)
	}
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].DependsOn, err = r.ListTaskDependencies(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, completed_at=? WHERE id=?`,
		status, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentflow/internal/domain"
)

const taskColumns = `id,project_id,title,description,status,priority,assigned_agent_id,assigned_at,deadline,started_at,completed_at,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), string(t.Status), t.Priority,
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.AssignedAt), nullableStringPtr(t.Deadline),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, assigned_agent_id=?, assigned_at=?, deadline=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), string(t.Status), t.Priority,
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.AssignedAt), nullableStringPtr(t.Deadline),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, assignee, assignedAt, deadline, startedAt, completedAt sql.NullString
	var status string
	err := scan(&t.ID, &t.ProjectID, &t.Title, &desc, &status, &t.Priority,
		&assignee, &assignedAt, &deadline, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.Description = desc.String
	if assignee.Valid {
		t.AssignedAgentID = &assignee.String
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.String
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID string
	Status    string
	AgentID   string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "assigned_agent_id=?")
		args = append(args, f.AgentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// BacklogTasks returns the agent's open tasks in the project for the pull:
// priority ascending (P0 first), then deadline ascending with nulls last.
func (r Repo) BacklogTasks(ctx context.Context, projectID, agentID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE project_id=? AND assigned_agent_id=? AND status IN ('assigned','in_progress','blocked')
ORDER BY priority ASC,
	CASE WHEN deadline IS NULL THEN 1 ELSE 0 END,
	deadline ASC,
	id ASC`
	rows, err := r.DB.QueryContext(ctx, query, projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RecentCompletedTaskIDs returns ids of the agent's most recently completed
// tasks, newest first.
func (r Repo) RecentCompletedTaskIDs(ctx context.Context, agentID string, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE assigned_agent_id=? AND status='completed' ORDER BY completed_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountCompletedTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE assigned_agent_id=? AND status='completed'`, agentID).Scan(&n)
	return n, err
}

// AssignedTasksBefore returns the agent's tasks assigned before the cutoff,
// any status. Feeds the feature completion rate.
func (r Repo) AssignedTasksBefore(ctx context.Context, agentID, cutoff string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assigned_agent_id=? AND assigned_at IS NOT NULL AND assigned_at<=?`
	rows, err := r.DB.QueryContext(ctx, query, agentID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CompletedTasksWithTimestamps returns completed tasks that have both
// started_at and completed_at set.
func (r Repo) CompletedTasksWithTimestamps(ctx context.Context, agentID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assigned_agent_id=? AND status='completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	rows, err := r.DB.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

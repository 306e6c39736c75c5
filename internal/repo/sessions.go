package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentflow/internal/domain"
)

const sessionColumns = `id,agent_id,project_id,status,started_at,stopped_at,duration_seconds,tasks_worked_json,summary`

// IsUniqueViolation reports whether err is a SQLite unique-constraint failure.
// The sessions_one_active partial index turns a racing second start into one.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AgentID, s.ProjectID, string(s.Status), s.StartedAt,
		nullableStringPtr(s.StoppedAt), nullableInt64Ptr(s.DurationSeconds),
		nullableStringPtr(s.TasksWorkedJSON), nullable(s.Summary))
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, stopped_at=?, duration_seconds=?, tasks_worked_json=?, summary=? WHERE id=?`,
		string(s.Status), nullableStringPtr(s.StoppedAt), nullableInt64Ptr(s.DurationSeconds),
		nullableStringPtr(s.TasksWorkedJSON), nullable(s.Summary), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var status string
	var stoppedAt, tasksWorked, summary sql.NullString
	var duration sql.NullInt64
	err := scan(&s.ID, &s.AgentID, &s.ProjectID, &status, &s.StartedAt, &stoppedAt, &duration, &tasksWorked, &summary)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.SessionStatus(status)
	if stoppedAt.Valid {
		s.StoppedAt = &stoppedAt.String
	}
	if duration.Valid {
		d := duration.Int64
		s.DurationSeconds = &d
	}
	if tasksWorked.Valid {
		s.TasksWorkedJSON = &tasksWorked.String
	}
	s.Summary = summary.String
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ActiveSession returns the agent's non-stopped session, if any.
func (r Repo) ActiveSession(ctx context.Context, agentID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE agent_id=? AND status!='stopped'`, agentID)
	return scanSession(row.Scan)
}

// LastStoppedSession returns the agent's most recently stopped session.
func (r Repo) LastStoppedSession(ctx context.Context, agentID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE agent_id=? AND status='stopped' ORDER BY stopped_at DESC, id DESC LIMIT 1`, agentID)
	return scanSession(row.Scan)
}

func (r Repo) ListSessions(ctx context.Context, agentID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE agent_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StaleSessions returns non-stopped sessions started at or before the cutoff.
func (r Repo) StaleSessions(ctx context.Context, cutoff string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status!='stopped' AND started_at<=?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertCapabilitySnapshot(ctx context.Context, tx *sql.Tx, snap domain.CapabilitySnapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO capability_snapshots(session_id,agent_id,capabilities_json,settings_json,created_at) VALUES (?,?,?,?,?)`,
		snap.SessionID, snap.AgentID, snap.CapabilitiesJSON, snap.SettingsJSON, snap.CreatedAt)
	return err
}

// LatestCapabilitySnapshot returns the agent's newest snapshot.
func (r Repo) LatestCapabilitySnapshot(ctx context.Context, agentID string) (domain.CapabilitySnapshot, error) {
	var snap domain.CapabilitySnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,agent_id,capabilities_json,settings_json,created_at FROM capability_snapshots WHERE agent_id=? ORDER BY created_at DESC, session_id DESC LIMIT 1`, agentID).
		Scan(&snap.SessionID, &snap.AgentID, &snap.CapabilitiesJSON, &snap.SettingsJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return snap, ErrNotFound
	}
	return snap, err
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

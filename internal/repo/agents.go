package repo

import (
	"context"
	"database/sql"

	"agentflow/internal/domain"
)

const agentColumns = `id,code,project_id,name,status,trust_score,capabilities_json,settings_json,created_at,updated_at`

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Code, a.ProjectID, nullable(a.Name), string(a.Status), a.TrustScore,
		nullable(a.CapabilitiesJSON), nullable(a.SettingsJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var name, caps, settings sql.NullString
	var status string
	err := scan(&a.ID, &a.Code, &a.ProjectID, &name, &status, &a.TrustScore, &caps, &settings, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.AgentStatus(status)
	a.Name = name.String
	a.CapabilitiesJSON = caps.String
	a.SettingsJSON = settings.String
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentByCode(ctx context.Context, code string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE code=?`, code)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgentIdentity covers administrative record edits. Status and trust
// score are owned by the status controller and deliberately not touched here.
func (r Repo) UpdateAgentIdentity(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, capabilities_json=?, settings_json=?, updated_at=? WHERE id=?`,
		nullable(a.Name), nullable(a.CapabilitiesJSON), nullable(a.SettingsJSON), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentTrust writes the controller-owned fields.
func (r Repo) UpdateAgentTrust(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, trustScore float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=?, trust_score=?, updated_at=? WHERE id=?`,
		string(status), trustScore, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

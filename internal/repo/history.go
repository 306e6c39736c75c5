package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentflow/internal/domain"
)

// Review, defect, deployment and commit rows are the raw material the
// indicator calculator reads. All four tables are append-only.

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rev domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,agent_id,task_id,outcome,change_rounds,lint_failed,recorded_at) VALUES (?,?,?,?,?,?,?)`,
		rev.ID, rev.AgentID, nullableStringPtr(rev.TaskID), string(rev.Outcome), rev.ChangeRounds, boolToInt(rev.LintFailed), rev.RecordedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, agentID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,task_id,outcome,change_rounds,lint_failed,recorded_at FROM reviews WHERE agent_id=? ORDER BY recorded_at DESC, id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rev domain.Review
		var taskID sql.NullString
		var outcome string
		var lint int
		if err := rows.Scan(&rev.ID, &rev.AgentID, &taskID, &outcome, &rev.ChangeRounds, &lint, &rev.RecordedAt); err != nil {
			return nil, err
		}
		rev.Outcome = domain.ReviewOutcome(outcome)
		rev.LintFailed = lint != 0
		if taskID.Valid {
			rev.TaskID = &taskID.String
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

// ConsecutiveRejectedReviews counts the run of rejected reviews at the head
// of the agent's review history (newest first).
func (r Repo) ConsecutiveRejectedReviews(ctx context.Context, agentID string) (int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT outcome FROM reviews WHERE agent_id=? ORDER BY recorded_at DESC, id DESC`, agentID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, err
		}
		if domain.ReviewOutcome(outcome) != domain.ReviewRejected {
			break
		}
		count++
	}
	return count, rows.Err()
}

func (r Repo) InsertDefect(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO defects(id,agent_id,task_id,description,recorded_at) VALUES (?,?,?,?,?)`,
		d.ID, d.AgentID, nullableStringPtr(d.TaskID), nullable(d.Description), d.RecordedAt)
	return err
}

func (r Repo) CountDefectsSince(ctx context.Context, agentID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM defects WHERE agent_id=? AND recorded_at>=?`, agentID, since).Scan(&n)
	return n, err
}

// CountDefectsForTasks counts defects linked to any of the given task ids.
func (r Repo) CountDefectsForTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	var n int
	err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM defects WHERE task_id IN (%s)`, placeholders), args...).Scan(&n)
	return n, err
}

func (r Repo) InsertDeployment(ctx context.Context, tx *sql.Tx, d domain.Deployment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deployments(id,agent_id,succeeded,recorded_at) VALUES (?,?,?,?)`,
		d.ID, d.AgentID, boolToInt(d.Succeeded), d.RecordedAt)
	return err
}

func (r Repo) CountDeploymentFailuresSince(ctx context.Context, agentID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments WHERE agent_id=? AND succeeded=0 AND recorded_at>=?`, agentID, since).Scan(&n)
	return n, err
}

func (r Repo) InsertCommit(ctx context.Context, tx *sql.Tx, c domain.Commit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commits(id,agent_id,lines_added,lines_removed,committed_at) VALUES (?,?,?,?,?)`,
		c.ID, c.AgentID, c.LinesAdded, c.LinesRemoved, c.CommittedAt)
	return err
}

// CodeChurnSince sums added+removed lines across the agent's commits at or
// after the cutoff.
func (r Repo) CodeChurnSince(ctx context.Context, agentID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(lines_added+lines_removed),0) FROM commits WHERE agent_id=? AND committed_at>=?`, agentID, since).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

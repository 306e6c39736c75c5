package repo

import (
	"context"
	"database/sql"

	"agentflow/internal/domain"
)

const recordColumns = `id,agent_id,recorded_at,tasks_completed,code_quality_score,positive_feedback_count,feature_completion_rate,bugs_introduced,deployment_failures,code_churn,average_task_duration,trends_json,overall_trend`

func (r Repo) InsertPerformanceRecord(ctx context.Context, tx *sql.Tx, rec domain.PerformanceRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO performance_records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.AgentID, rec.RecordedAt, rec.TasksCompleted, rec.CodeQualityScore,
		rec.PositiveFeedbackCount, rec.FeatureCompletionRate, rec.BugsIntroduced,
		rec.DeploymentFailures, rec.CodeChurn, rec.AverageTaskDuration, rec.TrendsJSON, rec.OverallTrend)
	return err
}

func scanRecord(scan func(dest ...any) error) (domain.PerformanceRecord, error) {
	var rec domain.PerformanceRecord
	err := scan(&rec.ID, &rec.AgentID, &rec.RecordedAt, &rec.TasksCompleted, &rec.CodeQualityScore,
		&rec.PositiveFeedbackCount, &rec.FeatureCompletionRate, &rec.BugsIntroduced,
		&rec.DeploymentFailures, &rec.CodeChurn, &rec.AverageTaskDuration, &rec.TrendsJSON, &rec.OverallTrend)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// LatestPerformanceRecords returns up to limit records, newest first.
func (r Repo) LatestPerformanceRecords(ctx context.Context, agentID string, limit int) ([]domain.PerformanceRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM performance_records WHERE agent_id=? ORDER BY recorded_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PerformanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestPerformanceRecord returns the newest record for the agent.
func (r Repo) LatestPerformanceRecord(ctx context.Context, agentID string) (domain.PerformanceRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM performance_records WHERE agent_id=? ORDER BY recorded_at DESC, id DESC LIMIT 1`, agentID)
	return scanRecord(row.Scan)
}

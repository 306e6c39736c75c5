package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

// Windows over which the trailing-count metrics are read.
const (
	churnWindow          = 30 * 24 * time.Hour
	completionRateWindow = 7 * 24 * time.Hour
)

// ComputeIndicators derives a fresh performance snapshot for the agent from
// its task, review, defect, deployment and commit history, persists it and
// emits a kpi_updated event. Agent fields are never touched here; trust
// recalculation is a separate step.
func (e Engine) ComputeIndicators(ctx context.Context, agentID string) (domain.PerformanceRecord, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.PerformanceRecord{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	now := e.now().UTC()

	tasksCompleted, err := e.Repo.CountCompletedTasks(ctx, a.ID)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}

	reviews, err := e.Repo.ListReviews(ctx, a.ID)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}
	quality, positiveFeedback := qualityFromReviews(reviews)

	completionRate, err := e.featureCompletionRate(ctx, a.ID, now)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}

	windowStart := now.Add(-churnWindow).Format(time.RFC3339)
	bugs, err := e.Repo.CountDefectsSince(ctx, a.ID, windowStart)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}
	deployFailures, err := e.Repo.CountDeploymentFailuresSince(ctx, a.ID, windowStart)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}
	churn, err := e.Repo.CodeChurnSince(ctx, a.ID, windowStart)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}

	avgDuration, err := e.averageTaskDuration(ctx, a.ID)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}

	rec := domain.PerformanceRecord{
		ID:                    uuid.New().String(),
		AgentID:               a.ID,
		RecordedAt:            now.Format(time.RFC3339),
		TasksCompleted:        tasksCompleted,
		CodeQualityScore:      quality,
		PositiveFeedbackCount: positiveFeedback,
		FeatureCompletionRate: completionRate,
		BugsIntroduced:        bugs,
		DeploymentFailures:    deployFailures,
		CodeChurn:             churn,
		AverageTaskDuration:   avgDuration,
	}

	prev, err := e.Repo.LatestPerformanceRecord(ctx, a.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		rec.TrendsJSON, rec.OverallTrend = trendLabels(rec, nil)
	case err != nil:
		return domain.PerformanceRecord{}, err
	default:
		rec.TrendsJSON, rec.OverallTrend = trendLabels(rec, &prev)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PerformanceRecord{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPerformanceRecord(ctx, tx, rec); err != nil {
		return domain.PerformanceRecord{}, fmt.Errorf("insert performance record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeKPIUpdated, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"tasks_completed": rec.TasksCompleted,
		"quality_score":   rec.CodeQualityScore,
		"overall_trend":   rec.OverallTrend,
	}); err != nil {
		return domain.PerformanceRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PerformanceRecord{}, err
	}
	return rec, nil
}

// qualityFromReviews scores review history: base 50, +10 per clean approval,
// -5 per requested-change round, -10 per lint failure, clamped to [0,100].
// Clean approvals also count as positive feedback.
func qualityFromReviews(reviews []domain.Review) (float64, int) {
	quality := 50.0
	positive := 0
	for _, rev := range reviews {
		if rev.Outcome == domain.ReviewApproved && rev.ChangeRounds == 0 {
			quality += 10
			positive++
		}
		quality -= 5 * float64(rev.ChangeRounds)
		if rev.LintFailed {
			quality -= 10
		}
	}
	return clamp(quality, 0, 100), positive
}

// featureCompletionRate is completed/assigned among tasks assigned at least
// seven days ago. New agents with no task that old default to 1.0.
func (e Engine) featureCompletionRate(ctx context.Context, agentID string, now time.Time) (float64, error) {
	cutoff := now.Add(-completionRateWindow).Format(time.RFC3339)
	tasks, err := e.Repo.AssignedTasksBefore(ctx, agentID, cutoff)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 1.0, nil
	}
	completed := 0
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(tasks)), nil
}

// averageTaskDuration is the mean completion time in minutes over completed
// tasks with both timestamps set; 0 if none.
func (e Engine) averageTaskDuration(ctx context.Context, agentID string) (float64, error) {
	tasks, err := e.Repo.CompletedTasksWithTimestamps(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	var total float64
	counted := 0
	for _, t := range tasks {
		started, err1 := time.Parse(time.RFC3339, *t.StartedAt)
		completed, err2 := time.Parse(time.RFC3339, *t.CompletedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		total += completed.Sub(started).Minutes()
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	return total / float64(counted), nil
}

// compositeScore is the weighted blend used for overall trend and the
// consistency bonus.
func compositeScore(rec domain.PerformanceRecord) float64 {
	return 0.4*rec.CodeQualityScore/100 +
		0.3*rec.FeatureCompletionRate +
		0.2*math.Max(0, 1-float64(rec.BugsIntroduced)/10) +
		0.1*math.Max(0, 1-float64(rec.DeploymentFailures)/3)
}

const trendEpsilon = 1e-9

// trendLabels compares a snapshot against its immediate predecessor. With no
// prior record, everything is stable.
func trendLabels(rec domain.PerformanceRecord, prev *domain.PerformanceRecord) (string, string) {
	labels := map[string]string{
		"tasks_completed":         domain.TrendStable,
		"code_quality_score":      domain.TrendStable,
		"positive_feedback_count": domain.TrendStable,
		"feature_completion_rate": domain.TrendStable,
		"bugs_introduced":         domain.TrendStable,
		"deployment_failures":     domain.TrendStable,
		"code_churn":              domain.TrendStable,
		"average_task_duration":   domain.TrendStable,
	}
	overall := domain.TrendStable
	if prev != nil {
		labels["tasks_completed"] = compareMetric(float64(rec.TasksCompleted), float64(prev.TasksCompleted))
		labels["code_quality_score"] = compareMetric(rec.CodeQualityScore, prev.CodeQualityScore)
		labels["positive_feedback_count"] = compareMetric(float64(rec.PositiveFeedbackCount), float64(prev.PositiveFeedbackCount))
		labels["feature_completion_rate"] = compareMetric(rec.FeatureCompletionRate, prev.FeatureCompletionRate)
		labels["bugs_introduced"] = compareMetric(float64(rec.BugsIntroduced), float64(prev.BugsIntroduced))
		labels["deployment_failures"] = compareMetric(float64(rec.DeploymentFailures), float64(prev.DeploymentFailures))
		labels["code_churn"] = compareMetric(float64(rec.CodeChurn), float64(prev.CodeChurn))
		labels["average_task_duration"] = compareMetric(rec.AverageTaskDuration, prev.AverageTaskDuration)

		switch compareMetric(compositeScore(rec), compositeScore(*prev)) {
		case domain.TrendUp:
			overall = domain.TrendImproving
		case domain.TrendDown:
			overall = domain.TrendDeclining
		}
	}
	b, _ := json.Marshal(labels)
	return string(b), overall
}

func compareMetric(current, previous float64) string {
	switch {
	case current > previous+trendEpsilon:
		return domain.TrendUp
	case current < previous-trendEpsilon:
		return domain.TrendDown
	}
	return domain.TrendStable
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package engine_test

import (
	"encoding/json"
	"testing"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
)

func TestComputeIndicatorsFromHistory(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	// one completed task taking 30 minutes
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	env.Advance(30 * time.Minute)
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskCompleted); err != nil {
		t.Fatal(err)
	}

	// review history: two clean approvals, one two-round change request
	for i := 0; i < 2; i++ {
		env.Advance(time.Minute)
		if _, err := env.Engine.RecordReview(env.Ctx, engine.ReviewRecordOptions{AgentID: a.ID, Outcome: "approved"}); err != nil {
			t.Fatal(err)
		}
	}
	env.Advance(time.Minute)
	if _, err := env.Engine.RecordReview(env.Ctx, engine.ReviewRecordOptions{AgentID: a.ID, Outcome: "changes_requested", ChangeRounds: 2}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.Engine.RecordDefect(env.Ctx, a.ID, task.ID, "bug"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.RecordDeployment(env.Ctx, a.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordDeployment(env.Ctx, a.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordCommit(env.Ctx, a.ID, 100, 50); err != nil {
		t.Fatal(err)
	}

	rec, err := env.Engine.ComputeIndicators(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if rec.TasksCompleted != 1 {
		t.Errorf("tasks completed = %d, want 1", rec.TasksCompleted)
	}
	// 50 + 10 + 10 - 5*2
	if rec.CodeQualityScore != 60 {
		t.Errorf("quality = %v, want 60", rec.CodeQualityScore)
	}
	if rec.PositiveFeedbackCount != 2 {
		t.Errorf("positive feedback = %d, want 2", rec.PositiveFeedbackCount)
	}
	// the task was assigned under seven days ago, so the window is empty
	if rec.FeatureCompletionRate != 1.0 {
		t.Errorf("completion rate = %v, want 1.0", rec.FeatureCompletionRate)
	}
	if rec.BugsIntroduced != 2 {
		t.Errorf("bugs = %d, want 2", rec.BugsIntroduced)
	}
	if rec.DeploymentFailures != 1 {
		t.Errorf("deploy failures = %d, want 1", rec.DeploymentFailures)
	}
	if rec.CodeChurn != 150 {
		t.Errorf("churn = %d, want 150", rec.CodeChurn)
	}
	if rec.AverageTaskDuration != 30 {
		t.Errorf("avg duration = %v, want 30", rec.AverageTaskDuration)
	}
	if rec.OverallTrend != domain.TrendStable {
		t.Errorf("first record trend = %s, want stable", rec.OverallTrend)
	}
}

func TestIndicatorTrendsAgainstPreviousRecord(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	if _, err := env.Engine.ComputeIndicators(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	env.Advance(time.Hour)
	if _, err := env.Engine.RecordReview(env.Ctx, engine.ReviewRecordOptions{AgentID: a.ID, Outcome: "approved"}); err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Hour)
	rec, err := env.Engine.ComputeIndicators(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.OverallTrend != domain.TrendImproving {
		t.Fatalf("trend = %s, want improving", rec.OverallTrend)
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(rec.TrendsJSON), &labels); err != nil {
		t.Fatalf("trends json: %v", err)
	}
	if labels["code_quality_score"] != domain.TrendUp {
		t.Fatalf("quality trend = %s, want up", labels["code_quality_score"])
	}
	if labels["bugs_introduced"] != domain.TrendStable {
		t.Fatalf("bugs trend = %s, want stable", labels["bugs_introduced"])
	}
}

func TestFeatureCompletionRateCountsOldAssignments(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	mk := func(title string) domain.Task {
		t.Helper()
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: title})
		if err != nil {
			t.Fatal(err)
		}
		if task, err = env.Engine.AssignTask(env.Ctx, task.ID, a.ID); err != nil {
			t.Fatal(err)
		}
		return task
	}
	done := mk("finished")
	mk("stuck")

	if _, err := env.Engine.SetTaskStatus(env.Ctx, done.ID, domain.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, done.ID, domain.TaskCompleted); err != nil {
		t.Fatal(err)
	}

	env.Advance(8 * 24 * time.Hour)
	rec, err := env.Engine.ComputeIndicators(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FeatureCompletionRate != 0.5 {
		t.Fatalf("completion rate = %v, want 0.5", rec.FeatureCompletionRate)
	}
}

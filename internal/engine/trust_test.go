package engine_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

// seedRecord inserts a performance record directly, advancing the clock so
// each seeded record gets a distinct timestamp.
func seedRecord(t *testing.T, env testEnv, agentID string, rec domain.PerformanceRecord) {
	t.Helper()
	env.Advance(time.Minute)
	rec.ID = uuid.NewString()
	rec.AgentID = agentID
	rec.RecordedAt = env.Engine.Now().UTC().Format(time.RFC3339)
	if rec.TrendsJSON == "" {
		rec.TrendsJSON = "{}"
	}
	if rec.OverallTrend == "" {
		rec.OverallTrend = domain.TrendStable
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, env.Engine.Repo.InsertPerformanceRecord(env.Ctx, tx, rec))
	require.NoError(t, tx.Commit())
}

func upTrends(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"code_quality_score": domain.TrendUp,
		"tasks_completed":    domain.TrendUp,
	})
	require.NoError(t, err)
	return string(b)
}

func TestTrustNoHistoryKeepsDefault(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 50.0, res.Score)
	require.Equal(t, domain.AgentActive, res.Status)

	// no write, no event
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.TypeTrustScoreChanged})
	require.NoError(t, err)
	require.Empty(t, evts)
}

func TestTrustBaseScoreSingleRecord(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore:      50,
		FeatureCompletionRate: 1.0,
	})

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	// 40*0.5 + 30*1.0 + 20 + 10, no trend or consistency with one record
	require.Equal(t, 80.0, res.Score)
	require.Equal(t, 50.0, res.PreviousScore)
	require.Equal(t, domain.AgentActive, res.Status)

	got, err := env.Engine.Repo.GetAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 80.0, got.TrustScore)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.TypeTrustScoreChanged})
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestTrustHighPerformerClampsAtHundred(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		TasksCompleted: 4, CodeQualityScore: 80, FeatureCompletionRate: 1.0,
	})
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		TasksCompleted: 5, CodeQualityScore: 85, FeatureCompletionRate: 1.0,
		OverallTrend: domain.TrendImproving, TrendsJSON: upTrends(t),
	})
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		TasksCompleted: 6, CodeQualityScore: 90, FeatureCompletionRate: 1.0,
		OverallTrend: domain.TrendImproving, TrendsJSON: upTrends(t),
	})

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	// base 96 plus trend and consistency bonuses, clamped
	require.Equal(t, 100.0, res.Score)
}

func TestTrustIdempotentRecalculation(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 70, FeatureCompletionRate: 0.5, BugsIntroduced: 2,
	})

	first, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	second, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, first.Score, second.Score)
	require.Equal(t, first.Status, second.Status)
}

func TestProbationOnLowScore(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 40, FeatureCompletionRate: 0, BugsIntroduced: 8, DeploymentFailures: 5,
	})

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Less(t, res.Score, 30.0)
	require.Equal(t, domain.AgentProbation, res.Status)
	require.Contains(t, res.Reason, "below")
}

func TestProbationOnLowQuality(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	// score stays healthy but quality alone trips the threshold
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 15, FeatureCompletionRate: 1.0,
	})

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Score, 30.0)
	require.Equal(t, domain.AgentProbation, res.Status)
	require.Contains(t, res.Reason, "quality")
}

func TestProbationOnConsecutiveRejects(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 70, FeatureCompletionRate: 1.0,
	})
	for i := 0; i < 3; i++ {
		env.Advance(time.Minute)
		_, err := env.Engine.RecordReview(env.Ctx, engine.ReviewRecordOptions{AgentID: a.ID, Outcome: "rejected"})
		require.NoError(t, err)
	}

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentProbation, res.Status)
	require.Contains(t, res.Reason, "rejected")
}

func TestProbationOnRecentTaskBugs(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 70, FeatureCompletionRate: 1.0,
	})

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "risky change"})
	require.NoError(t, err)
	_, err = env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)
	_, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress)
	require.NoError(t, err)
	_, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskCompleted)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		env.Advance(time.Minute)
		_, err := env.Engine.RecordDefect(env.Ctx, a.ID, task.ID, "crash")
		require.NoError(t, err)
	}

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentProbation, res.Status)
	require.Contains(t, res.Reason, "bugs")
}

func putOnProbation(t *testing.T, env testEnv, agentID string) {
	t.Helper()
	seedRecord(t, env, agentID, domain.PerformanceRecord{
		CodeQualityScore: 10, FeatureCompletionRate: 0, BugsIntroduced: 8,
	})
	res, err := env.Engine.RecalculateTrust(env.Ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentProbation, res.Status)
}

func TestRecoveryFromProbation(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	putOnProbation(t, env, a.ID)

	for i := 0; i < 3; i++ {
		seedRecord(t, env, a.ID, domain.PerformanceRecord{
			TasksCompleted: 6, CodeQualityScore: 70, FeatureCompletionRate: 1.0,
			OverallTrend: domain.TrendImproving, TrendsJSON: upTrends(t),
		})
	}

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentActive, res.Status)
	require.GreaterOrEqual(t, res.Score, 50.0)
	require.Contains(t, res.Reason, "recovered")
}

func TestPartialRecoveryStaysOnProbation(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	putOnProbation(t, env, a.ID)

	// strong numbers but only the newest two records trend improving
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		TasksCompleted: 6, CodeQualityScore: 70, FeatureCompletionRate: 1.0,
		OverallTrend: domain.TrendStable,
	})
	for i := 0; i < 2; i++ {
		seedRecord(t, env, a.ID, domain.PerformanceRecord{
			TasksCompleted: 6, CodeQualityScore: 70, FeatureCompletionRate: 1.0,
			OverallTrend: domain.TrendImproving, TrendsJSON: upTrends(t),
		})
	}

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentProbation, res.Status)
}

func TestTerminatedAgentNeverTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	_, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentTerminated)
	require.NoError(t, err)
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore: 10, FeatureCompletionRate: 0, BugsIntroduced: 8,
	})

	res, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentTerminated, res.Status)
}

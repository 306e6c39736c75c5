package engine_test

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"agentflow/internal/domain"
)

// Trust scores must stay inside [0,100] no matter what history produced them,
// and recomputing over unchanged history must give the same answer.
func TestTrustScoreBounds(t *testing.T) {
	env := newTestEnv(t)
	seq := 0
	rapid.Check(t, func(rt *rapid.T) {
		seq++
		a := registerAgent(t, env, fmt.Sprintf("dev-%d", seq))

		n := rapid.IntRange(1, 6).Draw(rt, "records")
		for i := 0; i < n; i++ {
			seedRecord(t, env, a.ID, domain.PerformanceRecord{
				TasksCompleted:        rapid.IntRange(0, 50).Draw(rt, "tasks"),
				CodeQualityScore:      rapid.Float64Range(0, 100).Draw(rt, "quality"),
				FeatureCompletionRate: rapid.Float64Range(0, 1).Draw(rt, "rate"),
				BugsIntroduced:        rapid.IntRange(0, 50).Draw(rt, "bugs"),
				DeploymentFailures:    rapid.IntRange(0, 20).Draw(rt, "deploys"),
				OverallTrend: rapid.SampledFrom([]string{
					domain.TrendImproving, domain.TrendDeclining, domain.TrendStable,
				}).Draw(rt, "trend"),
			})
		}

		first, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
		if err != nil {
			rt.Fatalf("recalculate: %v", err)
		}
		if first.Score < 0 || first.Score > 100 {
			rt.Fatalf("score %v out of range", first.Score)
		}
		second, err := env.Engine.RecalculateTrust(env.Ctx, a.ID)
		if err != nil {
			rt.Fatalf("recalculate again: %v", err)
		}
		if second.Score != first.Score {
			rt.Fatalf("recomputation changed score: %v then %v", first.Score, second.Score)
		}
	})
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"agentflow/internal/domain"
	"agentflow/internal/events"
)

// TrustResult is the outcome of one trust recalculation.
type TrustResult struct {
	AgentID        string             `json:"agent_id"`
	PreviousScore  float64            `json:"previous_score"`
	Score          float64            `json:"score"`
	PreviousStatus domain.AgentStatus `json:"previous_status"`
	Status         domain.AgentStatus `json:"status"`
	Reason         string             `json:"reason"`
}

// RecalculateTrust recomputes the agent's trust score from its stored
// PerformanceRecord history and applies any probation or recovery transition.
// The score is a pure function of history: identical records always yield an
// identical score, so the call is safe to retry after a partial failure
// between record append and trust update.
func (e Engine) RecalculateTrust(ctx context.Context, agentID string) (TrustResult, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return TrustResult{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	res := TrustResult{
		AgentID:        a.ID,
		PreviousScore:  a.TrustScore,
		PreviousStatus: a.Status,
		Status:         a.Status,
	}

	records, err := e.Repo.LatestPerformanceRecords(ctx, a.ID, 10)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		res.Score = domain.DefaultTrustScore
		res.Reason = "no performance records; default score retained"
		return res, nil
	}

	newest := records[0]
	base := baseScore(newest)
	trendMod := 0.0
	if len(records) >= 2 {
		trendMod = trendModifier(newest)
	}
	bonus := consistencyBonus(records)
	res.Score = round2(clamp(base+trendMod+bonus, 0, 100))
	res.Reason = fmt.Sprintf("base %.2f, trend %+.1f, consistency %.2f", base, trendMod, bonus)

	status, statusReason, err := e.decideStatus(ctx, a, newest, records, res.Score)
	if err != nil {
		return res, err
	}
	res.Status = status
	if statusReason != "" {
		res.Reason = statusReason
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentTrust(ctx, tx, a.ID, res.Status, res.Score, now); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTrustScoreChanged, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"previous_score":  res.PreviousScore,
		"new_score":       res.Score,
		"previous_status": string(res.PreviousStatus),
		"new_status":      string(res.Status),
		"reason":          res.Reason,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	e.Metrics.TrustRecalculated(a.Code, res.Score)
	if res.PreviousStatus != domain.AgentProbation && res.Status == domain.AgentProbation {
		e.Metrics.ProbationEntered()
	}
	if res.PreviousStatus == domain.AgentProbation && res.Status == domain.AgentActive {
		e.Metrics.ProbationRecovered()
	}
	return res, nil
}

// baseScore weighs the newest snapshot: quality 40%, completion rate 30%,
// bug penalty up to 20, deploy penalty up to 10. Clamped to [0,100].
func baseScore(rec domain.PerformanceRecord) float64 {
	score := 40*rec.CodeQualityScore/100 +
		30*rec.FeatureCompletionRate +
		math.Max(0, 20-4*float64(rec.BugsIntroduced)) +
		math.Max(0, 10-3.33*float64(rec.DeploymentFailures))
	return clamp(score, 0, 100)
}

// trendModifier reads the newest record's stored trend labels, which by
// construction compare it to the second-newest snapshot.
func trendModifier(newest domain.PerformanceRecord) float64 {
	mod := 0.0
	switch newest.OverallTrend {
	case domain.TrendImproving:
		mod += 5
	case domain.TrendDeclining:
		mod -= 5
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(newest.TrendsJSON), &labels); err != nil {
		return mod
	}
	switch labels["code_quality_score"] {
	case domain.TrendUp:
		mod += 2
	case domain.TrendDown:
		mod -= 2
	}
	switch labels["tasks_completed"] {
	case domain.TrendUp:
		mod += 1
	case domain.TrendDown:
		mod -= 1
	}
	return mod
}

// consistencyBonus rewards low variance of the composite score across the
// observed history: max(0, 5 - sigma/0.06). Needs at least three records.
func consistencyBonus(records []domain.PerformanceRecord) float64 {
	if len(records) < 3 {
		return 0
	}
	scores := make([]float64, len(records))
	var sum float64
	for i, rec := range records {
		scores[i] = compositeScore(rec)
		sum += scores[i]
	}
	mean := sum / float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))
	sigma := math.Sqrt(variance)
	return math.Max(0, 5-sigma/0.06)
}

// decideStatus is the agent status controller. Probation triggers are
// evaluated only when the agent is not already on probation or terminated;
// recovery only from probation, and only when every condition holds.
func (e Engine) decideStatus(ctx context.Context, a domain.Agent, newest domain.PerformanceRecord, records []domain.PerformanceRecord, score float64) (domain.AgentStatus, string, error) {
	switch a.Status {
	case domain.AgentTerminated:
		return a.Status, "", nil
	case domain.AgentProbation:
		ok, err := e.recoveryMet(records, newest, score)
		if err != nil {
			return a.Status, "", err
		}
		if ok {
			return domain.AgentActive, "recovered: all recovery conditions met", nil
		}
		return a.Status, "", nil
	}

	reason, err := e.probationTrigger(ctx, a, newest, score)
	if err != nil {
		return a.Status, "", err
	}
	if reason != "" {
		return domain.AgentProbation, reason, nil
	}
	return a.Status, "", nil
}

func (e Engine) probationTrigger(ctx context.Context, a domain.Agent, newest domain.PerformanceRecord, score float64) (string, error) {
	p := e.Config.Trust.Probation
	if score < p.ScoreBelow {
		return fmt.Sprintf("probation: trust score %.2f below %.0f", score, p.ScoreBelow), nil
	}
	if newest.CodeQualityScore < p.QualityBelow {
		return fmt.Sprintf("probation: quality score %.2f below %.0f", newest.CodeQualityScore, p.QualityBelow), nil
	}
	rejects, err := e.Repo.ConsecutiveRejectedReviews(ctx, a.ID)
	if err != nil {
		return "", err
	}
	if rejects >= p.ConsecutiveRejects {
		return fmt.Sprintf("probation: %d consecutive rejected reviews", rejects), nil
	}
	taskIDs, err := e.Repo.RecentCompletedTaskIDs(ctx, a.ID, p.RecentTaskWindow)
	if err != nil {
		return "", err
	}
	bugs, err := e.Repo.CountDefectsForTasks(ctx, taskIDs)
	if err != nil {
		return "", err
	}
	if bugs >= p.BugsInRecentTasks {
		return fmt.Sprintf("probation: %d bugs in last %d completed tasks", bugs, len(taskIDs)), nil
	}
	return "", nil
}

// recoveryMet is an all-or-nothing gate: partial recovery performs no
// transition, so an agent cannot flap in and out of probation.
func (e Engine) recoveryMet(records []domain.PerformanceRecord, newest domain.PerformanceRecord, score float64) (bool, error) {
	r := e.Config.Trust.Recovery
	if score < r.ScoreAtLeast {
		return false, nil
	}
	if newest.CodeQualityScore < r.QualityAtLeast {
		return false, nil
	}
	if newest.TasksCompleted < r.TasksCompleted {
		return false, nil
	}
	if len(records) < r.ImprovingRecords {
		return false, nil
	}
	for _, rec := range records[:r.ImprovingRecords] {
		if rec.OverallTrend != domain.TrendImproving {
			return false, nil
		}
	}
	return true, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package engine_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != domain.SessionStarted {
		t.Fatalf("status = %s, want started", s.Status)
	}

	env.Advance(time.Minute)
	s, evt, err := env.Engine.LogSession(env.Ctx, s.ID, a.ID, "reading backlog", nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if s.Status != domain.SessionLogging {
		t.Fatalf("status after first log = %s, want logging", s.Status)
	}
	// the appended entry comes back so the caller can reference it
	if evt.ID == 0 || evt.Type != events.TypeSessionLog || evt.SessionID != s.ID {
		t.Fatalf("log event = %+v, want stored session_log row for session %s", evt, s.ID)
	}
	if !strings.Contains(evt.Payload, "reading backlog") {
		t.Fatalf("event payload %q does not carry the message", evt.Payload)
	}

	env.Advance(time.Minute)
	res, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID, AgentID: a.ID, Summary: "done"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Session.Status != domain.SessionStopped {
		t.Fatalf("status = %s, want stopped", res.Session.Status)
	}
	if res.Session.DurationSeconds == nil || *res.Session.DurationSeconds != 120 {
		t.Fatalf("duration = %v, want 120", res.Session.DurationSeconds)
	}

	// stopped is terminal
	if _, _, err := env.Engine.LogSession(env.Ctx, s.ID, a.ID, "late", nil); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error on log after stop, got %v", err)
	}
	if _, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID}); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error on double stop, got %v", err)
	}
}

func TestSecondStartConflicts(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	if _, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestForceStartStopsPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	first, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Hour)
	second, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID, Force: true})
	if err != nil {
		t.Fatalf("force start: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("force start reused the old session")
	}
	old, err := env.Engine.Repo.GetSession(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.SessionStopped {
		t.Fatalf("old session status = %s, want stopped", old.Status)
	}
	// the force-closed session must not have run the pipeline
	if _, err := env.Engine.Repo.LatestPerformanceRecord(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no performance record, got err=%v", err)
	}
}

func TestStartRejectsUnavailableAgent(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	if _, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentTerminated); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestStopShortIdleSessionSkipsPipeline(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(2 * time.Minute)
	res, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record != nil || res.Trust != nil {
		t.Fatalf("short idle stop ran the pipeline: %+v", res)
	}
	got, err := env.Engine.Repo.GetAgent(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TrustScore != 50.0 {
		t.Fatalf("trust score = %v, want untouched 50", got.TrustScore)
	}
}

func TestStopShortSessionWithTasksRunsPipeline(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(2 * time.Minute)
	res, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID, TasksWorkedOn: []string{"task-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record == nil || res.Trust == nil {
		t.Fatal("expected pipeline to run for a session with tasks worked on")
	}
}

func TestStopLongSessionRunsPipeline(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(301 * time.Second)
	res, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record == nil || res.Trust == nil {
		t.Fatal("expected pipeline to run for a long session")
	}
	rec, err := env.Engine.Repo.LatestPerformanceRecord(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	// no history: quality 50, completion rate 1.0
	if rec.CodeQualityScore != 50 || rec.FeatureCompletionRate != 1.0 {
		t.Fatalf("record = quality %v rate %v", rec.CodeQualityScore, rec.FeatureCompletionRate)
	}
}

func TestPullTaskOrdering(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	deadline := env.Engine.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	mk := func(title, priority, dl string) domain.Task {
		t.Helper()
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: "proj-1", Title: title, Priority: priority, Deadline: dl,
		})
		if err != nil {
			t.Fatal(err)
		}
		if task, err = env.Engine.AssignTask(env.Ctx, task.ID, a.ID); err != nil {
			t.Fatal(err)
		}
		return task
	}
	noDeadline := mk("p1 no deadline", "P1", "")
	urgent := mk("p0", "P0", "")
	withDeadline := mk("p1 deadline", "P1", deadline)
	low := mk("p3", "P3", "")

	_, pulled, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{urgent.ID, withDeadline.ID, noDeadline.ID, low.ID}
	if len(pulled.Tasks) != len(want) {
		t.Fatalf("pulled %d tasks, want %d", len(pulled.Tasks), len(want))
	}
	for i, id := range want {
		if pulled.Tasks[i].ID != id {
			t.Fatalf("pulled.Tasks[%d] = %s (%s), want %s", i, pulled.Tasks[i].ID, pulled.Tasks[i].Title, id)
		}
	}
}

func TestPullMessagesSinceLastStop(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Minute)
	if _, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID}); err != nil {
		t.Fatal(err)
	}

	// activity while the agent is away
	env.Advance(time.Minute)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "new work"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Minute)
	if _, err := env.Engine.RecordDefect(env.Ctx, a.ID, task.ID, "regression in parser"); err != nil {
		t.Fatal(err)
	}

	env.Advance(time.Minute)
	_, pulled, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(pulled.Messages) != 2 {
		t.Fatalf("pulled %d messages, want 2: %+v", len(pulled.Messages), pulled.Messages)
	}
	if pulled.Messages[0].Type != events.TypeTaskUpdated || pulled.Messages[1].Type != events.TypeDefectRecorded {
		t.Fatalf("message order = %s, %s", pulled.Messages[0].Type, pulled.Messages[1].Type)
	}
	for _, m := range pulled.Messages {
		if events.SessionInternal(m.Type) {
			t.Fatalf("session-internal event %s leaked into pull", m.Type)
		}
	}
}

func TestPullRoleDeltas(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		Code:         "dev-1",
		ProjectID:    "proj-1",
		Capabilities: []string{"go", "sql"},
		Settings:     map[string]string{"editor": "vim"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Minute)
	if _, err := env.Engine.StopSession(env.Ctx, engine.StopOptions{SessionID: s.ID}); err != nil {
		t.Fatal(err)
	}

	env.Advance(time.Minute)
	if _, err := env.Engine.UpdateAgent(env.Ctx, engine.AgentUpdateOptions{
		AgentID:      a.ID,
		Capabilities: []string{"go", "terraform"},
		Settings:     map[string]string{"editor": "helix"},
	}); err != nil {
		t.Fatal(err)
	}

	env.Advance(time.Minute)
	_, pulled, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID, Force: false})
	if err != nil {
		t.Fatal(err)
	}
	d := pulled.RoleDeltas
	if len(d.AddedCapabilities) != 1 || d.AddedCapabilities[0] != "terraform" {
		t.Fatalf("added = %v", d.AddedCapabilities)
	}
	if len(d.RemovedCapabilities) != 1 || d.RemovedCapabilities[0] != "sql" {
		t.Fatalf("removed = %v", d.RemovedCapabilities)
	}
	if len(d.ChangedSettings) != 1 || d.ChangedSettings[0] != "editor" {
		t.Fatalf("changed settings = %v", d.ChangedSettings)
	}
}

func TestProbationWarningOnStart(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	seedRecord(t, env, a.ID, domain.PerformanceRecord{
		CodeQualityScore:      10,
		FeatureCompletionRate: 0,
		BugsIntroduced:        8,
		OverallTrend:          domain.TrendStable,
	})
	if _, err := env.Engine.RecalculateTrust(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	_, pulled, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
	if err != nil {
		t.Fatalf("probation agent should still start: %v", err)
	}
	if pulled.Warning == "" {
		t.Fatal("expected probation warning in pull")
	}
}

func TestReapAbandonedSessions(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	if _, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID}); err != nil {
		t.Fatal(err)
	}

	// disabled by default
	if _, err := env.Engine.ReapAbandonedSessions(env.Ctx); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error with reaping disabled, got %v", err)
	}

	env.Engine.Config.Session.AbandonedTimeoutSeconds = 3600
	env.Advance(2 * time.Hour)
	reaped, err := env.Engine.ReapAbandonedSessions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d sessions, want 1", len(reaped))
	}
	// a reaped session frees the slot
	if _, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID}); err != nil {
		t.Fatalf("start after reap: %v", err)
	}
}

func TestStartSessionProjectMismatch(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	_, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID, ProjectID: "other-project"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for wrong project, got %v", err)
	}

	// the agent's own project is accepted
	if _, _, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID, ProjectID: a.ProjectID}); err != nil {
		t.Fatalf("start with matching project: %v", err)
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	const n = 2
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.StartSession(env.Ctx, engine.StartOptions{AgentID: a.ID})
		}(i)
	}
	wg.Wait()

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, engine.ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || conflicted != n-1 {
		t.Fatalf("won=%d conflicted=%d, want exactly one winner", won, conflicted)
	}
}

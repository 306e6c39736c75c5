package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/db"
	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

// Advance moves the engine's fake clock forward.
func (env testEnv) Advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &now}
}

func registerAgent(t *testing.T, env testEnv, code string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		Code:      code,
		ProjectID: "proj-1",
		Name:      code,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", code, err)
	}
	return a
}

func TestRegisterAgentDefaults(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	if a.Status != domain.AgentActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	if a.TrustScore != 50.0 {
		t.Fatalf("trust score = %v, want 50", a.TrustScore)
	}
}

func TestRegisterAgentDuplicateCode(t *testing.T) {
	env := newTestEnv(t)
	registerAgent(t, env, "dev-1")
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Code: "dev-1", ProjectID: "proj-1"})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAgentStatusAdminPath(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")

	// probation is controller-owned
	if _, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentProbation); err == nil {
		t.Fatal("expected probation to be rejected administratively")
	}

	a, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentInactive)
	if err != nil || a.Status != domain.AgentInactive {
		t.Fatalf("to inactive: %v", err)
	}
	a, err = env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentTerminated)
	if err != nil || a.Status != domain.AgentTerminated {
		t.Fatalf("to terminated: %v", err)
	}
	// terminated is absorbing
	if _, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentActive); err == nil {
		t.Fatal("expected transition out of terminated to fail")
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "implement parser",
		Priority:  "P1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.TaskBacklog || task.Priority != 1 {
		t.Fatalf("created task = %s P%d", task.Status, task.Priority)
	}

	task, err = env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.AssignedAt == nil || task.AssignedAgentID == nil || *task.AssignedAgentID != a.ID {
		t.Fatalf("assignment not recorded: %+v", task)
	}

	env.Advance(time.Minute)
	task, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress)
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if task.StartedAt == nil {
		t.Fatal("started_at not set on in_progress")
	}

	env.Advance(30 * time.Minute)
	task, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskCompleted)
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not set on completed")
	}

	// completed is terminal
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress); err == nil {
		t.Fatal("expected transition out of completed to fail")
	}
}

func TestAssignTaskRejectsUnavailableAgent(t *testing.T) {
	env := newTestEnv(t)
	a := registerAgent(t, env, "dev-1")
	if _, err := env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentInactive); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string // "P0".."P3"; empty defaults to P2
	Deadline    string // RFC3339, optional
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, validationf("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	priority := 2
	if opts.Priority != "" {
		p, err := domain.ParsePriority(opts.Priority)
		if err != nil {
			return domain.Task{}, validationf("%s", err)
		}
		priority = p
	}
	var deadline *string
	if opts.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
			return domain.Task{}, validationf("deadline: %s", err)
		}
		deadline = &opts.Deadline
	}
	now := e.nowString()
	t := domain.Task{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskBacklog,
		Priority:    priority,
		Deadline:    deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskCreated, events.Ref{ProjectID: t.ProjectID, TaskID: t.ID}, events.EventPayload{
		"title":    t.Title,
		"priority": domain.PriorityLabel(t.Priority),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AssignTask moves a backlog task to assigned and records the assignee.
func (e Engine) AssignTask(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", taskID, err)
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return t, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if a.Status == domain.AgentTerminated || a.Status == domain.AgentInactive {
		return t, preconditionf("agent %s is %s and cannot take tasks", a.Code, a.Status)
	}
	if a.ProjectID != t.ProjectID {
		return t, preconditionf("agent %s not in project %s", a.Code, t.ProjectID)
	}
	if err := domain.EnsureTaskTransition(t.Status, domain.TaskAssigned); err != nil {
		return t, preconditionf("%s", err)
	}
	now := e.nowString()
	t.Status = domain.TaskAssigned
	t.AssignedAgentID = &a.ID
	t.AssignedAt = &now
	t.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskUpdated, events.Ref{ProjectID: t.ProjectID, AgentID: a.ID, TaskID: t.ID}, events.EventPayload{
		"from_status": string(domain.TaskBacklog),
		"to_status":   string(t.Status),
		"assignee":    a.Code,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// SetTaskStatus drives the task state machine. startedAt and completedAt are
// set exactly once, on the corresponding transition.
func (e Engine) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) (domain.Task, error) {
	if !domain.ValidTaskStatus(string(status)) {
		return domain.Task{}, validationf("unknown task status %q", status)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", taskID, err)
	}
	if err := domain.EnsureTaskTransition(t.Status, status); err != nil {
		return t, preconditionf("%s", err)
	}
	from := t.Status
	now := e.nowString()
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case domain.TaskCompleted:
		t.CompletedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	evtType := events.TypeTaskUpdated
	if status == domain.TaskCompleted {
		evtType = events.TypeTaskCompleted
	}
	ref := events.Ref{ProjectID: t.ProjectID, TaskID: t.ID}
	if t.AssignedAgentID != nil {
		ref.AgentID = *t.AssignedAgentID
	}
	if err := e.Events.Append(ctx, tx, evtType, ref, events.EventPayload{
		"from_status": string(from),
		"to_status":   string(status),
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// ReviewRecordOptions capture a review outcome for an agent's work.
type ReviewRecordOptions struct {
	AgentID      string
	TaskID       string
	Outcome      string
	ChangeRounds int
	LintFailed   bool
}

func (e Engine) RecordReview(ctx context.Context, opts ReviewRecordOptions) (domain.Review, error) {
	if !domain.ValidReviewOutcome(opts.Outcome) {
		return domain.Review{}, validationf("unknown review outcome %q", opts.Outcome)
	}
	if opts.ChangeRounds < 0 {
		return domain.Review{}, validationf("change rounds must be >= 0")
	}
	a, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Review{}, fmt.Errorf("agent %s: %w", opts.AgentID, err)
	}
	var taskID *string
	if opts.TaskID != "" {
		if _, err := e.Repo.GetTask(ctx, opts.TaskID); err != nil {
			return domain.Review{}, fmt.Errorf("task %s: %w", opts.TaskID, err)
		}
		taskID = &opts.TaskID
	}
	rev := domain.Review{
		ID:           uuid.New().String(),
		AgentID:      a.ID,
		TaskID:       taskID,
		Outcome:      domain.ReviewOutcome(opts.Outcome),
		ChangeRounds: opts.ChangeRounds,
		LintFailed:   opts.LintFailed,
		RecordedAt:   e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rev, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReview(ctx, tx, rev); err != nil {
		return rev, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeReviewRecorded, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID, TaskID: opts.TaskID}, events.EventPayload{
		"outcome":       string(rev.Outcome),
		"change_rounds": rev.ChangeRounds,
	}); err != nil {
		return rev, err
	}
	return rev, tx.Commit()
}

func (e Engine) RecordDefect(ctx context.Context, agentID, taskID, description string) (domain.Defect, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Defect{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	var tID *string
	if taskID != "" {
		if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
			return domain.Defect{}, fmt.Errorf("task %s: %w", taskID, err)
		}
		tID = &taskID
	}
	d := domain.Defect{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		TaskID:      tID,
		Description: description,
		RecordedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDefect(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDefectRecorded, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID, TaskID: taskID}, events.EventPayload{
		"description": description,
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (e Engine) RecordDeployment(ctx context.Context, agentID string, succeeded bool) (domain.Deployment, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	d := domain.Deployment{
		ID:         uuid.New().String(),
		AgentID:    a.ID,
		Succeeded:  succeeded,
		RecordedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeployment(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDeployRecorded, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"succeeded": succeeded,
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (e Engine) RecordCommit(ctx context.Context, agentID string, linesAdded, linesRemoved int) (domain.Commit, error) {
	if linesAdded < 0 || linesRemoved < 0 {
		return domain.Commit{}, validationf("line counts must be >= 0")
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Commit{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	c := domain.Commit{
		ID:           uuid.New().String(),
		AgentID:      a.ID,
		LinesAdded:   linesAdded,
		LinesRemoved: linesRemoved,
		CommittedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCommit(ctx, tx, c); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// resolveAgent accepts either an agent id or code.
func (e Engine) resolveAgent(ctx context.Context, idOrCode string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, idOrCode)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return a, err
	}
	return e.Repo.GetAgentByCode(ctx, idOrCode)
}

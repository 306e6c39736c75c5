package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

// StartOptions are parameters for starting a session.
type StartOptions struct {
	AgentID string
	// ProjectID is optional; when set it must match the agent's project.
	ProjectID string
	// Force stops any lingering session for the agent before starting,
	// without running the indicator pipeline for it.
	Force bool
}

// StartSession opens a work session for an agent. At most one non-stopped
// session may exist per agent; a second start fails with ErrConflict unless
// Force is set. The pull (open tasks, pending messages, role deltas) happens
// as part of the start.
func (e Engine) StartSession(ctx context.Context, opts StartOptions) (domain.Session, PulledUpdates, error) {
	var pulled PulledUpdates
	a, err := e.resolveAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Session{}, pulled, err
	}
	if opts.ProjectID != "" && opts.ProjectID != a.ProjectID {
		return domain.Session{}, pulled, validationf("agent %s belongs to project %s, not %s", a.Code, a.ProjectID, opts.ProjectID)
	}
	switch a.Status {
	case domain.AgentTerminated, domain.AgentInactive:
		return domain.Session{}, pulled, preconditionf("agent %s is %s and cannot start a session", a.Code, a.Status)
	case domain.AgentProbation:
		pulled.Warning = "agent is on probation"
	}

	if active, err := e.Repo.ActiveSession(ctx, a.ID); err == nil {
		if !opts.Force {
			return domain.Session{}, pulled, conflictf("agent %s already has session %s in status %s", a.Code, active.ID, active.Status)
		}
		if err := e.forceStop(ctx, active, events.EventPayload{"forced": true}); err != nil {
			return domain.Session{}, pulled, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, pulled, err
	}

	if pulled, err = e.pullUpdates(ctx, a); err != nil {
		return domain.Session{}, pulled, err
	}

	s := domain.Session{
		ID:        uuid.NewString(),
		AgentID:   a.ID,
		ProjectID: a.ProjectID,
		Status:    domain.SessionStarted,
		StartedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, pulled, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		// The sessions_one_active partial index catches a racing start that
		// slipped past the read above.
		if repo.IsUniqueViolation(err) {
			return s, pulled, conflictf("agent %s already has an active session", a.Code)
		}
		return s, pulled, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionStart, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID, SessionID: s.ID}, events.EventPayload{
		"pulled_tasks":    len(pulled.Tasks),
		"pulled_messages": len(pulled.Messages),
		"agent_status":    string(a.Status),
	}); err != nil {
		return s, pulled, err
	}
	if err := tx.Commit(); err != nil {
		return s, pulled, err
	}
	e.Metrics.SessionStarted()
	return s, pulled, nil
}

// LogSession appends a log entry to an open session and returns the stored
// event so the caller can reference it. The first log moves the session from
// started to logging; entries live in the append-only event log.
func (e Engine) LogSession(ctx context.Context, sessionID, agentID, message string, logCtx map[string]any) (domain.Session, domain.Event, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, domain.Event{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if agentID != "" {
		a, err := e.resolveAgent(ctx, agentID)
		if err != nil {
			return s, domain.Event{}, err
		}
		if a.ID != s.AgentID {
			return s, domain.Event{}, preconditionf("session %s does not belong to agent %s", sessionID, a.Code)
		}
	}
	if s.Status == domain.SessionStopped {
		return s, domain.Event{}, preconditionf("session %s is stopped", sessionID)
	}
	if message == "" {
		return s, domain.Event{}, validationf("log message is required")
	}

	payload := events.EventPayload{"message": message}
	if len(logCtx) > 0 {
		payload["context"] = logCtx
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, domain.Event{}, err
	}
	defer tx.Rollback()
	if s.Status == domain.SessionStarted {
		if err := domain.EnsureSessionTransition(s.Status, domain.SessionLogging); err != nil {
			return s, domain.Event{}, preconditionf("%s", err)
		}
		s.Status = domain.SessionLogging
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return s, domain.Event{}, err
		}
	}
	evt, err := e.Events.AppendReturning(ctx, tx, events.TypeSessionLog, events.Ref{ProjectID: s.ProjectID, AgentID: s.AgentID, SessionID: s.ID}, payload)
	if err != nil {
		return s, domain.Event{}, err
	}
	return s, evt, tx.Commit()
}

// StopOptions are parameters for stopping a session.
type StopOptions struct {
	SessionID     string
	AgentID       string
	TasksWorkedOn []string
	Summary       string
}

// StopResult reports what the stop pipeline did.
type StopResult struct {
	Session domain.Session            `json:"session"`
	Record  *domain.PerformanceRecord `json:"record,omitempty"`
	Trust   *TrustResult              `json:"trust,omitempty"`
}

// StopSession closes a session. When the session lasted longer than the
// configured minimum or names tasks worked on, the stop runs the indicator
// pipeline: compute a new performance snapshot, then recalculate trust.
// A short idle session records nothing.
func (e Engine) StopSession(ctx context.Context, opts StopOptions) (StopResult, error) {
	var res StopResult
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return res, fmt.Errorf("session %s: %w", opts.SessionID, err)
	}
	if opts.AgentID != "" {
		a, err := e.resolveAgent(ctx, opts.AgentID)
		if err != nil {
			return res, err
		}
		if a.ID != s.AgentID {
			return res, preconditionf("session %s does not belong to agent %s", opts.SessionID, a.Code)
		}
	}
	if err := domain.EnsureSessionTransition(s.Status, domain.SessionStopped); err != nil {
		return res, preconditionf("%s", err)
	}

	now := e.now()
	started, err := time.Parse(time.RFC3339, s.StartedAt)
	if err != nil {
		return res, fmt.Errorf("parse session start: %w", err)
	}
	duration := int64(now.Sub(started).Seconds())
	if duration < 0 {
		duration = 0
	}
	stoppedAt := now.UTC().Format(time.RFC3339)
	s.Status = domain.SessionStopped
	s.StoppedAt = &stoppedAt
	s.DurationSeconds = &duration
	s.Summary = opts.Summary
	if len(opts.TasksWorkedOn) > 0 {
		raw, err := json.Marshal(opts.TasksWorkedOn)
		if err != nil {
			return res, fmt.Errorf("marshal tasks worked on: %w", err)
		}
		str := string(raw)
		s.TasksWorkedJSON = &str
	}

	a, err := e.Repo.GetAgent(ctx, s.AgentID)
	if err != nil {
		return res, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return res, err
	}
	if err := e.Repo.InsertCapabilitySnapshot(ctx, tx, domain.CapabilitySnapshot{
		SessionID:        s.ID,
		AgentID:          a.ID,
		CapabilitiesJSON: a.CapabilitiesJSON,
		SettingsJSON:     a.SettingsJSON,
		CreatedAt:        stoppedAt,
	}); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionStop, events.Ref{ProjectID: s.ProjectID, AgentID: s.AgentID, SessionID: s.ID}, events.EventPayload{
		"duration_seconds": duration,
		"tasks_worked_on":  opts.TasksWorkedOn,
		"summary":          opts.Summary,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Session = s
	e.Metrics.SessionStopped(duration)

	if duration <= e.Config.Session.MinDurationSeconds && len(opts.TasksWorkedOn) == 0 {
		return res, nil
	}
	rec, err := e.ComputeIndicators(ctx, s.AgentID)
	if err != nil {
		return res, fmt.Errorf("compute indicators: %w", err)
	}
	res.Record = &rec
	trust, err := e.RecalculateTrust(ctx, s.AgentID)
	if err != nil {
		return res, fmt.Errorf("recalculate trust: %w", err)
	}
	res.Trust = &trust
	return res, nil
}

// ReapAbandonedSessions force-stops non-stopped sessions older than the
// configured abandonment timeout. With the timeout unset the reaper refuses
// to run, so nothing expires sessions implicitly.
func (e Engine) ReapAbandonedSessions(ctx context.Context) ([]domain.Session, error) {
	timeout := e.Config.Session.AbandonedTimeoutSeconds
	if timeout <= 0 {
		return nil, validationf("session reaping is disabled; set session.abandoned_timeout_seconds")
	}
	cutoff := e.now().UTC().Add(-time.Duration(timeout) * time.Second).Format(time.RFC3339)
	stale, err := e.Repo.StaleSessions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var reaped []domain.Session
	for _, s := range stale {
		if err := e.forceStop(ctx, s, events.EventPayload{"reaped": true}); err != nil {
			return reaped, err
		}
		s.Status = domain.SessionStopped
		reaped = append(reaped, s)
		e.Metrics.SessionReaped()
	}
	return reaped, nil
}

// forceStop closes a session administratively. No indicator pipeline runs and
// no capability snapshot is taken; the stop event carries the given payload.
func (e Engine) forceStop(ctx context.Context, s domain.Session, payload events.EventPayload) error {
	now := e.now()
	stoppedAt := now.UTC().Format(time.RFC3339)
	duration := int64(0)
	if started, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
		if d := int64(now.Sub(started).Seconds()); d > 0 {
			duration = d
		}
	}
	s.Status = domain.SessionStopped
	s.StoppedAt = &stoppedAt
	s.DurationSeconds = &duration

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["duration_seconds"] = duration
	if err := e.Events.Append(ctx, tx, events.TypeSessionStop, events.Ref{ProjectID: s.ProjectID, AgentID: s.AgentID, SessionID: s.ID}, payload); err != nil {
		return err
	}
	return tx.Commit()
}

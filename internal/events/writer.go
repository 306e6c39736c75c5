package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentflow/internal/domain"
)

// Event types emitted by the engine.
const (
	TypeSessionStart      = "session_start"
	TypeSessionLog        = "session_log"
	TypeSessionStop       = "session_stop"
	TypeKPIUpdated        = "kpi_updated"
	TypeTrustScoreChanged = "trust_score_changed"
	TypeAgentRegistered   = "agent_registered"
	TypeAgentUpdated      = "agent_updated"
	TypeTaskCreated       = "task_created"
	TypeTaskUpdated       = "task_updated"
	TypeTaskCompleted     = "task_completed"
	TypeReviewRecorded    = "review_recorded"
	TypeDefectRecorded    = "defect_recorded"
	TypeDeployRecorded    = "deploy_recorded"
	TypeProjectCreated    = "project_created"
)

// SessionInternal reports whether an event type is internal to session
// bookkeeping. Internal types are excluded from the pull's pending messages.
func SessionInternal(evtType string) bool {
	switch evtType {
	case TypeSessionStart, TypeSessionLog, TypeSessionStop:
		return true
	}
	return false
}

// SessionInternalTypes lists the internal types for query exclusion.
func SessionInternalTypes() []string {
	return []string{TypeSessionStart, TypeSessionLog, TypeSessionStop}
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Ref names the entities an event points at. Zero fields are stored as NULL.
type Ref struct {
	ProjectID string
	AgentID   string
	SessionID string
	TaskID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, ref Ref, payload EventPayload) error {
	_, err := w.AppendReturning(ctx, tx, evtType, ref, payload)
	return err
}

// AppendReturning appends the event and returns the stored row, so callers
// can hand the caller a reference to the entry just written.
func (w Writer) AppendReturning(ctx context.Context, tx *sql.Tx, evtType string, ref Ref, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,agent_id,session_id,task_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(ref.ProjectID), nullable(ref.AgentID), nullable(ref.SessionID), nullable(ref.TaskID), string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:        id,
		TS:        ts,
		Type:      evtType,
		ProjectID: ref.ProjectID,
		AgentID:   ref.AgentID,
		SessionID: ref.SessionID,
		TaskID:    ref.TaskID,
		Payload:   string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

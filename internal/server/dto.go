package server

import (
	"encoding/json"
	"fmt"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type RegisterAgentRequest struct {
	Code         string            `json:"code"`
	Name         *string           `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

type UpdateAgentRequest struct {
	Name         *string           `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

type SetAgentStatusRequest struct {
	Status string `json:"status" enum:"active,inactive,terminated"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"P0,P1,P2,P3"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
}

type AssignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"backlog,assigned,in_progress,blocked,completed,cancelled"`
}

type StartSessionRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type LogSessionRequest struct {
	AgentID string         `json:"agent_id,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type StopSessionRequest struct {
	AgentID       string   `json:"agent_id,omitempty"`
	TasksWorkedOn []string `json:"tasks_worked_on,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

type RecordReviewRequest struct {
	AgentID      string `json:"agent_id"`
	TaskID       string `json:"task_id,omitempty"`
	Outcome      string `json:"outcome" enum:"approved,changes_requested,rejected"`
	ChangeRounds int    `json:"change_rounds,omitempty"`
	LintFailed   bool   `json:"lint_failed,omitempty"`
}

type RecordDefectRequest struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type RecordDeploymentRequest struct {
	AgentID   string `json:"agent_id"`
	Succeeded bool   `json:"succeeded"`
}

type RecordCommitRequest struct {
	AgentID      string `json:"agent_id"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Response payloads

type AgentResponse struct {
	ID           string            `json:"id"`
	Code         string            `json:"code"`
	ProjectID    string            `json:"project_id"`
	Name         string            `json:"name,omitempty"`
	Status       string            `json:"status"`
	TrustScore   float64           `json:"trust_score"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// Mapper errors mean a stored JSON column is corrupt. They surface as 500s
// through handleError instead of silently rendering empty fields.
func agentResponse(a domain.Agent) (AgentResponse, error) {
	resp := AgentResponse{
		ID:         a.ID,
		Code:       a.Code,
		ProjectID:  a.ProjectID,
		Name:       a.Name,
		Status:     string(a.Status),
		TrustScore: a.TrustScore,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
	if a.CapabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(a.CapabilitiesJSON), &resp.Capabilities); err != nil {
			return resp, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
		}
	}
	if a.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(a.SettingsJSON), &resp.Settings); err != nil {
			return resp, fmt.Errorf("agent %s settings: %w", a.ID, err)
		}
	}
	return resp, nil
}

func mapAgents(items []domain.Agent) ([]AgentResponse, error) {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		resp, err := agentResponse(a)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, nil
}

type TaskResponse struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status"`
	Priority        string  `json:"priority"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	AssignedAt      *string `json:"assigned_at,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		Priority:        domain.PriorityLabel(t.Priority),
		AssignedAgentID: t.AssignedAgentID,
		AssignedAt:      t.AssignedAt,
		Deadline:        t.Deadline,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type SessionResponse struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	ProjectID       string   `json:"project_id"`
	Status          string   `json:"status"`
	StartedAt       string   `json:"started_at"`
	StoppedAt       *string  `json:"stopped_at,omitempty"`
	DurationSeconds *int64   `json:"duration_seconds,omitempty"`
	TasksWorkedOn   []string `json:"tasks_worked_on,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

func sessionResponse(s domain.Session) (SessionResponse, error) {
	resp := SessionResponse{
		ID:              s.ID,
		AgentID:         s.AgentID,
		ProjectID:       s.ProjectID,
		Status:          string(s.Status),
		StartedAt:       s.StartedAt,
		StoppedAt:       s.StoppedAt,
		DurationSeconds: s.DurationSeconds,
		Summary:         s.Summary,
	}
	if s.TasksWorkedJSON != nil {
		if err := json.Unmarshal([]byte(*s.TasksWorkedJSON), &resp.TasksWorkedOn); err != nil {
			return resp, fmt.Errorf("session %s tasks worked: %w", s.ID, err)
		}
	}
	return resp, nil
}

// PulledUpdatesResponse renders pulled tasks and messages through the same
// DTOs as the list endpoints, so priorities and payloads look identical
// everywhere.
type PulledUpdatesResponse struct {
	Tasks      []TaskResponse    `json:"tasks"`
	Messages   []EventResponse   `json:"messages"`
	RoleDeltas engine.RoleDeltas `json:"role_deltas"`
	Warning    string            `json:"warning,omitempty"`
}

func pulledResponse(p engine.PulledUpdates) (PulledUpdatesResponse, error) {
	messages, err := mapEvents(p.Messages)
	if err != nil {
		return PulledUpdatesResponse{}, err
	}
	return PulledUpdatesResponse{
		Tasks:      mapTasks(p.Tasks),
		Messages:   messages,
		RoleDeltas: p.RoleDeltas,
		Warning:    p.Warning,
	}, nil
}

type StartSessionResponse struct {
	Session SessionResponse       `json:"session"`
	Pulled  PulledUpdatesResponse `json:"pulled"`
}

// LogSessionResponse returns the appended log event alongside the session,
// so callers can reference the entry they just wrote.
type LogSessionResponse struct {
	Session SessionResponse `json:"session"`
	Event   EventResponse   `json:"event"`
}

type StopSessionResponse struct {
	Session SessionResponse           `json:"session"`
	Record  *domain.PerformanceRecord `json:"record,omitempty"`
	Trust   *engine.TrustResult       `json:"trust,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) (EventResponse, error) {
	resp := EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		AgentID:   e.AgentID,
		SessionID: e.SessionID,
		TaskID:    e.TaskID,
	}
	if e.Payload != "" {
		if err := json.Unmarshal([]byte(e.Payload), &resp.Payload); err != nil {
			return resp, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
	}
	return resp, nil
}

func mapEvents(items []domain.Event) ([]EventResponse, error) {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		resp, err := eventResponse(e)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, nil
}

package domain

import "fmt"

// AgentStatus is the closed set of agent lifecycle states.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentProbation  AgentStatus = "probation"
	AgentInactive   AgentStatus = "inactive"
	AgentTerminated AgentStatus = "terminated"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s string) bool {
	switch AgentStatus(s) {
	case AgentActive, AgentProbation, AgentInactive, AgentTerminated:
		return true
	}
	return false
}

// EnsureAgentTransition validates an agent status transition.
// Terminated is absorbing: no transition leaves it.
func EnsureAgentTransition(oldStatus, newStatus AgentStatus) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case AgentActive:
		if newStatus == AgentProbation || newStatus == AgentInactive || newStatus == AgentTerminated {
			return nil
		}
	case AgentProbation:
		if newStatus == AgentActive || newStatus == AgentInactive || newStatus == AgentTerminated {
			return nil
		}
	case AgentInactive:
		if newStatus == AgentActive || newStatus == AgentProbation || newStatus == AgentTerminated {
			return nil
		}
	case AgentTerminated:
	}
	return fmt.Errorf("invalid agent status transition %s -> %s", oldStatus, newStatus)
}

// DefaultTrustScore is the score an agent carries before any performance history exists.
const DefaultTrustScore = 50.0

type Agent struct {
	ID               string      `json:"id"`
	Code             string      `json:"code"`
	ProjectID        string      `json:"project_id"`
	Name             string      `json:"name,omitempty"`
	Status           AgentStatus `json:"status" enum:"active,probation,inactive,terminated"`
	TrustScore       float64     `json:"trust_score"`
	CapabilitiesJSON string      `json:"capabilities_json,omitempty"`
	SettingsJSON     string      `json:"settings_json,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

// TaskStatus is the closed set of task states.
type TaskStatus string

const (
	TaskBacklog    TaskStatus = "backlog"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskBacklog, TaskAssigned, TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// EnsureTaskTransition validates a task status transition.
func EnsureTaskTransition(oldStatus, newStatus TaskStatus) error {
	switch oldStatus {
	case TaskBacklog:
		if newStatus == TaskAssigned || newStatus == TaskCancelled {
			return nil
		}
	case TaskAssigned:
		if newStatus == TaskInProgress || newStatus == TaskBacklog || newStatus == TaskCancelled {
			return nil
		}
	case TaskInProgress:
		if newStatus == TaskBlocked || newStatus == TaskCompleted || newStatus == TaskCancelled {
			return nil
		}
	case TaskBlocked:
		if newStatus == TaskInProgress || newStatus == TaskCancelled {
			return nil
		}
	case TaskCompleted, TaskCancelled:
		// terminal
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// ParsePriority converts "P0".."P3" to its stored numeric value (P0 most urgent).
func ParsePriority(s string) (int, error) {
	switch s {
	case "P0":
		return 0, nil
	case "P1":
		return 1, nil
	case "P2":
		return 2, nil
	case "P3":
		return 3, nil
	}
	return 0, fmt.Errorf("invalid priority %q (want P0..P3)", s)
}

// PriorityLabel renders a stored priority as P0..P3.
func PriorityLabel(p int) string {
	return fmt.Sprintf("P%d", p)
}

type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          TaskStatus `json:"status" enum:"backlog,assigned,in_progress,blocked,completed,cancelled"`
	Priority        int        `json:"priority"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	AssignedAt      *string    `json:"assigned_at,omitempty" format:"date-time"`
	Deadline        *string    `json:"deadline,omitempty" format:"date-time"`
	StartedAt       *string    `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string    `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// SessionStatus is the closed set of session states.
type SessionStatus string

const (
	SessionStarted SessionStatus = "started"
	SessionLogging SessionStatus = "logging"
	SessionStopped SessionStatus = "stopped"
)

// EnsureSessionTransition validates a session status transition.
// started -> logging happens on the first log event; stopped is terminal.
func EnsureSessionTransition(oldStatus, newStatus SessionStatus) error {
	switch oldStatus {
	case SessionStarted:
		if newStatus == SessionLogging || newStatus == SessionStopped {
			return nil
		}
	case SessionLogging:
		if newStatus == SessionStopped {
			return nil
		}
	case SessionStopped:
		// terminal
	}
	return fmt.Errorf("invalid session status transition %s -> %s", oldStatus, newStatus)
}

type Session struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	ProjectID       string        `json:"project_id"`
	Status          SessionStatus `json:"status" enum:"started,logging,stopped"`
	StartedAt       string        `json:"started_at" format:"date-time"`
	StoppedAt       *string       `json:"stopped_at,omitempty" format:"date-time"`
	DurationSeconds *int64        `json:"duration_seconds,omitempty"`
	TasksWorkedJSON *string       `json:"tasks_worked_json,omitempty"`
	Summary         string        `json:"summary,omitempty"`
}

// PerformanceRecord is an immutable indicator snapshot for one agent.
// History is append-only, ordered by RecordedAt.
type PerformanceRecord struct {
	ID                    string  `json:"id"`
	AgentID               string  `json:"agent_id"`
	RecordedAt            string  `json:"recorded_at" format:"date-time"`
	TasksCompleted        int     `json:"tasks_completed"`
	CodeQualityScore      float64 `json:"code_quality_score"`
	PositiveFeedbackCount int     `json:"positive_feedback_count"`
	FeatureCompletionRate float64 `json:"feature_completion_rate"`
	BugsIntroduced        int     `json:"bugs_introduced"`
	DeploymentFailures    int     `json:"deployment_failures"`
	CodeChurn             int     `json:"code_churn"`
	AverageTaskDuration   float64 `json:"average_task_duration_minutes"`
	TrendsJSON            string  `json:"trends_json"`
	OverallTrend          string  `json:"overall_trend" enum:"improving,declining,stable"`
}

// Trend labels for single metrics and for the overall composite.
const (
	TrendUp        = "up"
	TrendDown      = "down"
	TrendStable    = "stable"
	TrendImproving = "improving"
	TrendDeclining = "declining"
)

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// ReviewOutcome is the closed set of review results.
type ReviewOutcome string

const (
	ReviewApproved         ReviewOutcome = "approved"
	ReviewChangesRequested ReviewOutcome = "changes_requested"
	ReviewRejected         ReviewOutcome = "rejected"
)

func ValidReviewOutcome(s string) bool {
	switch ReviewOutcome(s) {
	case ReviewApproved, ReviewChangesRequested, ReviewRejected:
		return true
	}
	return false
}

// Review is a review outcome attributed to the authoring agent.
type Review struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	TaskID       *string       `json:"task_id,omitempty"`
	Outcome      ReviewOutcome `json:"outcome" enum:"approved,changes_requested,rejected"`
	ChangeRounds int           `json:"change_rounds"`
	LintFailed   bool          `json:"lint_failed"`
	RecordedAt   string        `json:"recorded_at" format:"date-time"`
}

// Defect is a bug attributed to an agent, optionally linked to a task.
type Defect struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	TaskID      *string `json:"task_id,omitempty"`
	Description string  `json:"description,omitempty"`
	RecordedAt  string  `json:"recorded_at" format:"date-time"`
}

// Deployment is a deploy attempt attributed to an agent.
type Deployment struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Succeeded  bool   `json:"succeeded"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

// Commit is a code change attributed to an agent, feeding the churn metric.
type Commit struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	CommittedAt  string `json:"committed_at" format:"date-time"`
}

// CapabilitySnapshot freezes an agent's capabilities and settings at session stop.
// The next session's pull diffs the live agent against the latest snapshot.
type CapabilitySnapshot struct {
	SessionID        string `json:"session_id"`
	AgentID          string `json:"agent_id"`
	CapabilitiesJSON string `json:"capabilities_json"`
	SettingsJSON     string `json:"settings_json"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

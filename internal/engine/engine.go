package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/config"
	"agentflow/internal/domain"
	"agentflow/internal/events"
	"agentflow/internal/metrics"
	"agentflow/internal/repo"
)

// Engine coordinates the agent lifecycle: session state machine, indicator
// recalculation, trust scoring and the status controller. Every operation is
// a short transaction against the store; nothing is scheduled in the
// background.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Collector
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject creates a project and seeds its default config.
func (e Engine) InitProject(ctx context.Context, projectID, name, description string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, validationf("project id is required")
	}
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, optionalValue(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, events.Ref{ProjectID: p.ID}, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AgentRegisterOptions are parameters for registering an agent.
type AgentRegisterOptions struct {
	Code         string
	ProjectID    string
	Name         string
	Capabilities []string
	Settings     map[string]string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if opts.Code == "" {
		return domain.Agent{}, validationf("agent code is required")
	}
	if opts.ProjectID == "" {
		return domain.Agent{}, validationf("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Agent{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if _, err := e.Repo.GetAgentByCode(ctx, opts.Code); err == nil {
		return domain.Agent{}, conflictf("agent code %s already registered", opts.Code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, err
	}
	now := e.nowString()
	a := domain.Agent{
		ID:               uuid.New().String(),
		Code:             opts.Code,
		ProjectID:        opts.ProjectID,
		Name:             opts.Name,
		Status:           domain.AgentActive,
		TrustScore:       domain.DefaultTrustScore,
		CapabilitiesJSON: marshalCapabilities(opts.Capabilities),
		SettingsJSON:     marshalSettings(opts.Settings),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeAgentRegistered, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"code":   a.Code,
		"status": string(a.Status),
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// AgentUpdateOptions are administrative identity edits. Status and trust
// score are owned by the status controller and not settable here.
type AgentUpdateOptions struct {
	AgentID      string
	Name         *string
	Capabilities []string          // nil leaves capabilities unchanged
	Settings     map[string]string // nil leaves settings unchanged
}

func (e Engine) UpdateAgent(ctx context.Context, opts AgentUpdateOptions) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return a, fmt.Errorf("agent %s: %w", opts.AgentID, err)
	}
	if opts.Name != nil {
		a.Name = *opts.Name
	}
	if opts.Capabilities != nil {
		a.CapabilitiesJSON = marshalCapabilities(opts.Capabilities)
	}
	if opts.Settings != nil {
		a.SettingsJSON = marshalSettings(opts.Settings)
	}
	a.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentIdentity(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAgentUpdated, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"fields": "identity",
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// SetAgentStatus is the administrative status path (deactivate, reactivate,
// terminate). Probation is controller-owned and rejected here.
func (e Engine) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.Agent, error) {
	if !domain.ValidAgentStatus(string(status)) {
		return domain.Agent{}, validationf("unknown agent status %q", status)
	}
	if status == domain.AgentProbation {
		return domain.Agent{}, validationf("probation is set by the trust engine, not administratively")
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return a, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if err := domain.EnsureAgentTransition(a.Status, status); err != nil {
		return a, preconditionf("%s", err)
	}
	prev := a.Status
	a.Status = status
	a.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentTrust(ctx, tx, a.ID, a.Status, a.TrustScore, a.UpdatedAt); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAgentUpdated, events.Ref{ProjectID: a.ProjectID, AgentID: a.ID}, events.EventPayload{
		"previous_status": string(prev),
		"new_status":      string(status),
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func marshalCapabilities(caps []string) string {
	if caps == nil {
		caps = []string{}
	}
	b, _ := json.Marshal(caps)
	return string(b)
}

func marshalSettings(settings map[string]string) string {
	if settings == nil {
		settings = map[string]string{}
	}
	b, _ := json.Marshal(settings)
	return string(b)
}

func optionalValue(s string) any {
	if s == "" {
		return nil
	}
	return s
}

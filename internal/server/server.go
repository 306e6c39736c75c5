package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/metrics"
	"agentflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Metrics  *metrics.Collector
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"agent already has an active session"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agentflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Agentflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerPerformance(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's failure taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrPrecondition):
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		name := input.Body.ID
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, name, desc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		name := ""
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			Code:         input.Body.Code,
			ProjectID:    e.Config.Project.ID,
			Name:         name,
			Capabilities: input.Body.Capabilities,
			Settings:     input.Body.Settings,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := agentResponse(a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx, e.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := mapAgents(items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			a, err = e.Repo.GetAgentByCode(ctx, input.AgentID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := agentResponse(a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent identity",
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.UpdateAgent(ctx, engine.AgentUpdateOptions{
			AgentID:      input.AgentID,
			Name:         input.Body.Name,
			Capabilities: input.Body.Capabilities,
			Settings:     input.Body.Settings,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := agentResponse(a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Set agent status",
	}, func(ctx context.Context, input *struct {
		AgentID string                `path:"agent_id"`
		Body    SetAgentStatusRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.SetAgentStatus(ctx, input.AgentID, domain.AgentStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := agentResponse(a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-trust",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/trust/recalculate",
		Summary:     "Recalculate trust score",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body engine.TrustResult `json:"body"`
	}, error) {
		res, err := e.RecalculateTrust(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TrustResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			ProjectID: e.Config.Project.ID,
			Title:     input.Body.Title,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		if input.Body.Deadline != nil {
			opts.Deadline = *input.Body.Deadline
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: e.Config.Project.ID,
			Status:    input.Status,
			AgentID:   input.AgentID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task to agent",
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.AssignTask(ctx, input.TaskID, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Set task status",
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   SetTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.SetTaskStatus(ctx, input.TaskID, domain.TaskStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions/start",
		Summary:       "Start session with pull",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body StartSessionResponse `json:"body"`
	}, error) {
		s, pulled, err := e.StartSession(ctx, engine.StartOptions{
			AgentID:   input.Body.AgentID,
			ProjectID: input.Body.ProjectID,
			Force:     input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		sess, err := sessionResponse(s)
		if err != nil {
			return nil, handleError(err)
		}
		pulledResp, err := pulledResponse(pulled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartSessionResponse `json:"body"`
		}{Body: StartSessionResponse{Session: sess, Pulled: pulledResp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "log-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/log",
		Summary:     "Append session log entry",
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      LogSessionRequest `json:"body"`
	}) (*struct {
		Body LogSessionResponse `json:"body"`
	}, error) {
		s, evt, err := e.LogSession(ctx, input.SessionID, input.Body.AgentID, input.Body.Message, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		sess, err := sessionResponse(s)
		if err != nil {
			return nil, handleError(err)
		}
		evtResp, err := eventResponse(evt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogSessionResponse `json:"body"`
		}{Body: LogSessionResponse{Session: sess, Event: evtResp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/stop",
		Summary:     "Stop session and run the performance pipeline",
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      StopSessionRequest `json:"body"`
	}) (*struct {
		Body StopSessionResponse `json:"body"`
	}, error) {
		res, err := e.StopSession(ctx, engine.StopOptions{
			SessionID:     input.SessionID,
			AgentID:       input.Body.AgentID,
			TasksWorkedOn: input.Body.TasksWorkedOn,
			Summary:       input.Body.Summary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		sess, err := sessionResponse(res.Session)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopSessionResponse `json:"body"`
		}{Body: StopSessionResponse{
			Session: sess,
			Record:  res.Record,
			Trust:   res.Trust,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := sessionResponse(s)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-sessions",
		Method:      http.MethodPost,
		Path:        "/sessions/reap",
		Summary:     "Force-stop abandoned sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		reaped, err := e.ReapAbandonedSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SessionResponse, 0, len(reaped))
		for _, s := range reaped {
			resp, err := sessionResponse(s)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, resp)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPerformance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compute-indicators",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/kpi/compute",
		Summary:       "Compute a performance snapshot",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.PerformanceRecord `json:"body"`
	}, error) {
		rec, err := e.ComputeIndicators(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PerformanceRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kpi-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/kpi",
		Summary:     "Performance record history",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.PerformanceRecord `json:"body"`
	}, error) {
		items, err := e.Repo.LatestPerformanceRecords(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PerformanceRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Record review outcome",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RecordReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		rev, err := e.RecordReview(ctx, engine.ReviewRecordOptions{
			AgentID:      input.Body.AgentID,
			TaskID:       input.Body.TaskID,
			Outcome:      input.Body.Outcome,
			ChangeRounds: input.Body.ChangeRounds,
			LintFailed:   input.Body.LintFailed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Review `json:"body"`
		}{Body: rev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-defect",
		Method:        http.MethodPost,
		Path:          "/defects",
		Summary:       "Record defect",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RecordDefectRequest `json:"body"`
	}) (*struct {
		Body domain.Defect `json:"body"`
	}, error) {
		d, err := e.RecordDefect(ctx, input.Body.AgentID, input.Body.TaskID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Defect `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Record deployment result",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RecordDeploymentRequest `json:"body"`
	}) (*struct {
		Body domain.Deployment `json:"body"`
	}, error) {
		d, err := e.RecordDeployment(ctx, input.Body.AgentID, input.Body.Succeeded)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deployment `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-commit",
		Method:        http.MethodPost,
		Path:          "/commits",
		Summary:       "Record commit churn",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RecordCommitRequest `json:"body"`
	}) (*struct {
		Body domain.Commit `json:"body"`
	}, error) {
		c, err := e.RecordCommit(ctx, input.Body.AgentID, input.Body.LinesAdded, input.Body.LinesRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commit `json:"body"`
		}{Body: c}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		AgentID   string `query:"agent_id"`
		SessionID string `query:"session_id"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID: e.Config.Project.ID,
			Type:      input.Type,
			AgentID:   input.AgentID,
			SessionID: input.SessionID,
			TaskID:    input.TaskID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := mapEvents(items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

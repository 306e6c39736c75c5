package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentflow/internal/app"
	"agentflow/internal/config"
	"agentflow/internal/db"
	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/metrics"
	"agentflow/internal/migrate"
	"agentflow/internal/repo"
	"agentflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "Agentflow CLI",
	Long: `Agentflow tracks coding agents across work sessions and scores their output.
Concepts:
- Workspace: the .agentflow directory holding the database; config lives in the DB.
- Agents: registered workers with a lifecycle (active, probation, inactive, terminated)
  and a trust score derived from their performance history.
- Sessions: start pulls pending tasks, messages and role changes; stop computes fresh
  performance indicators and recalculates trust when the session did real work.
- Tasks: prioritized work items (P0 most urgent) moving backlog -> assigned ->
  in_progress -> completed, with blocked and cancelled as exits.
- History: reviews, defects, deployments and commits feed the indicator calculator.
- Event log: append-only diary of everything; view with 'af log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, desc)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Project configuration"}

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config YAML path")
	_ = importCmd.MarkFlagRequired("file")
	cfgCmd.AddCommand(importCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})

	var id string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "my-project"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	initCmd.Flags().StringVar(&id, "id", "", "project id")
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentUpdateCmd())
	agent.AddCommand(agentStatusCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var code, name string
	var capabilities []string
	var settings []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
					Code:         code,
					ProjectID:    e.Config.Project.ID,
					Name:         name,
					Capabilities: capabilities,
					Settings:     parseKeyValues(settings),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "unique agent code")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability (repeatable)")
	cmd.Flags().StringSliceVar(&settings, "setting", nil, "setting key=value (repeatable)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Status", "Trust"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.Code, a.Name, a.Status, fmt.Sprintf("%.2f", a.TrustScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent>",
		Short: "Show agent by id or code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					a, err = e.Repo.GetAgentByCode(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentUpdateCmd() *cobra.Command {
	var name string
	var capabilities, settings []string
	cmd := &cobra.Command{
		Use:   "update <agent>",
		Short: "Update agent identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.AgentUpdateOptions{AgentID: args[0]}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("capability") {
					opts.Capabilities = capabilities
				}
				if cmd.Flags().Changed("setting") {
					opts.Settings = parseKeyValues(settings)
				}
				a, err := e.UpdateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "replace capabilities (repeatable)")
	cmd.Flags().StringSliceVar(&settings, "setting", nil, "replace settings key=value (repeatable)")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <agent>",
		Short: "Set agent status (active, inactive, terminated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentStatus(ctx, args[0], domain.AgentStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, desc, priority, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:   e.Config.Project.ID,
					Title:       title,
					Description: desc,
					Priority:    priority,
					Deadline:    deadline,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "P0..P3 (default P2)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedAgentID != nil {
						assignee = *t.AssignedAgentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, domain.PriorityLabel(t.Priority), assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "n", 0, "limit")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign task to agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Set task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskStatus(ctx, args[0], domain.TaskStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Agent work sessions"}
	session.AddCommand(sessionStartCmd())
	session.AddCommand(sessionLogCmd())
	session.AddCommand(sessionStopCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionReapCmd())
	return session
}

func sessionStartCmd() *cobra.Command {
	var agentID string
	var force bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session and pull pending updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, pulled, err := e.StartSession(ctx, engine.StartOptions{
					AgentID:   agentID,
					ProjectID: viper.GetString("project"),
					Force:     force,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session": s, "pulled": pulled})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id or code")
	cmd.Flags().BoolVar(&force, "force", false, "stop any lingering session first")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sessionLogCmd() *cobra.Command {
	var agentID, message string
	cmd := &cobra.Command{
		Use:   "log <session-id>",
		Short: "Append a log entry to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, evt, err := e.LogSession(ctx, args[0], agentID, message, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session": s, "event": evt})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id or code (ownership check)")
	cmd.Flags().StringVar(&message, "message", "", "log message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func sessionStopCmd() *cobra.Command {
	var agentID, summary string
	var tasks []string
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session and run the performance pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.StopSession(ctx, engine.StopOptions{
					SessionID:     args[0],
					AgentID:       agentID,
					TasksWorkedOn: tasks,
					Summary:       summary,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id or code (ownership check)")
	cmd.Flags().StringSliceVar(&tasks, "task", nil, "task worked on (repeatable)")
	cmd.Flags().StringVar(&summary, "summary", "", "session summary")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var agentID string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an agent's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSessions(ctx, agentID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&n, "n", 20, "number of sessions")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sessionReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Force-stop sessions older than the abandonment timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reaped, err := e.ReapAbandonedSessions(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(reaped)
			})
		},
	}
}

func recordCmd() *cobra.Command {
	record := &cobra.Command{Use: "record", Short: "Record performance history"}
	record.AddCommand(recordReviewCmd())
	record.AddCommand(recordDefectCmd())
	record.AddCommand(recordDeployCmd())
	record.AddCommand(recordCommitCmd())
	return record
}

func recordReviewCmd() *cobra.Command {
	var agentID, taskID, outcome string
	var rounds int
	var lintFailed bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record a review outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rev, err := e.RecordReview(ctx, engine.ReviewRecordOptions{
					AgentID:      agentID,
					TaskID:       taskID,
					Outcome:      outcome,
					ChangeRounds: rounds,
					LintFailed:   lintFailed,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rev)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approved, changes_requested or rejected")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "requested change rounds")
	cmd.Flags().BoolVar(&lintFailed, "lint-failed", false, "lint failed")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func recordDefectCmd() *cobra.Command {
	var agentID, taskID, desc string
	cmd := &cobra.Command{
		Use:   "defect",
		Short: "Record a defect attributed to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDefect(ctx, agentID, taskID, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&desc, "description", "", "defect description")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func recordDeployCmd() *cobra.Command {
	var agentID string
	var failed bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Record a deployment result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDeployment(ctx, agentID, !failed)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().BoolVar(&failed, "failed", false, "deployment failed")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func recordCommitCmd() *cobra.Command {
	var agentID string
	var added, removed int
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record commit churn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RecordCommit(ctx, agentID, added, removed)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&added, "added", 0, "lines added")
	cmd.Flags().IntVar(&removed, "removed", 0, "lines removed")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func kpiCmd() *cobra.Command {
	kpi := &cobra.Command{Use: "kpi", Short: "Performance indicators"}

	var agentID string
	computeCmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute a fresh performance snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ComputeIndicators(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	computeCmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = computeCmd.MarkFlagRequired("agent")
	kpi.AddCommand(computeCmd)

	var histAgent string
	var n int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Performance record history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestPerformanceRecords(ctx, histAgent, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	historyCmd.Flags().StringVar(&histAgent, "agent", "", "agent id")
	historyCmd.Flags().IntVar(&n, "n", 10, "number of records")
	_ = historyCmd.MarkFlagRequired("agent")
	kpi.AddCommand(historyCmd)
	return kpi
}

func trustCmd() *cobra.Command {
	trust := &cobra.Command{Use: "trust", Short: "Trust scoring"}

	var agentID string
	recalcCmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recalculate trust score from stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecalculateTrust(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	recalcCmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = recalcCmd.MarkFlagRequired("agent")
	trust.AddCommand(recalcCmd)
	return trust
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var evtType, agentID, sessionID, taskID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					ProjectID: e.Config.Project.ID,
					Type:      evtType,
					AgentID:   agentID,
					SessionID: sessionID,
					TaskID:    taskID,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&agentID, "agent", "", "agent filter")
	tail.Flags().StringVar(&sessionID, "session", "", "session filter")
	tail.Flags().StringVar(&taskID, "task", "", "task filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Metrics = metrics.NewCollector()
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Metrics: e.Metrics})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentflow API on http://%s%s (Prometheus metrics at /metrics)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseKeyValues(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		out[k] = v
	}
	return out
}

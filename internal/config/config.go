package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentflow.yml: the engine's threshold and policy knobs.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Session struct {
		// Sessions shorter than this with no tasks worked do not trigger
		// the performance pipeline.
		MinDurationSeconds int64 `yaml:"min_duration_seconds"`
		PullPageSize       int   `yaml:"pull_page_size"`
		// AbandonedTimeoutSeconds controls the session reaper. 0 means a
		// never-stopped session stays open indefinitely; there is no
		// implicit default timeout.
		AbandonedTimeoutSeconds int64 `yaml:"abandoned_timeout_seconds"`
	} `yaml:"session"`
	Trust struct {
		Probation ProbationThresholds `yaml:"probation"`
		Recovery  RecoveryThresholds  `yaml:"recovery"`
	} `yaml:"trust"`
}

// ProbationThresholds trigger the active -> probation transition; any one suffices.
type ProbationThresholds struct {
	ScoreBelow         float64 `yaml:"score_below"`
	QualityBelow       float64 `yaml:"quality_below"`
	ConsecutiveRejects int     `yaml:"consecutive_rejects"`
	BugsInRecentTasks  int     `yaml:"bugs_in_recent_tasks"`
	RecentTaskWindow   int     `yaml:"recent_task_window"`
}

// RecoveryThresholds gate the probation -> active transition; all must hold.
type RecoveryThresholds struct {
	ScoreAtLeast     float64 `yaml:"score_at_least"`
	QualityAtLeast   float64 `yaml:"quality_at_least"`
	TasksCompleted   int     `yaml:"tasks_completed"`
	ImprovingRecords int     `yaml:"improving_records"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with af project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "agent-project" {
		return fmt.Errorf("config.project.kind must be 'agent-project'")
	}
	if c.Session.MinDurationSeconds < 0 {
		return fmt.Errorf("config.session.min_duration_seconds must be >= 0")
	}
	if c.Session.PullPageSize <= 0 {
		return fmt.Errorf("config.session.pull_page_size must be > 0")
	}
	if c.Session.AbandonedTimeoutSeconds < 0 {
		return fmt.Errorf("config.session.abandoned_timeout_seconds must be >= 0")
	}
	p := c.Trust.Probation
	if p.ScoreBelow < 0 || p.ScoreBelow > 100 {
		return fmt.Errorf("config.trust.probation.score_below must be in [0,100]")
	}
	if p.QualityBelow < 0 || p.QualityBelow > 100 {
		return fmt.Errorf("config.trust.probation.quality_below must be in [0,100]")
	}
	if p.ConsecutiveRejects <= 0 {
		return fmt.Errorf("config.trust.probation.consecutive_rejects must be > 0")
	}
	if p.BugsInRecentTasks <= 0 || p.RecentTaskWindow <= 0 {
		return fmt.Errorf("config.trust.probation bug window must be > 0")
	}
	r := c.Trust.Recovery
	if r.ScoreAtLeast < 0 || r.ScoreAtLeast > 100 {
		return fmt.Errorf("config.trust.recovery.score_at_least must be in [0,100]")
	}
	if r.QualityAtLeast < 0 || r.QualityAtLeast > 100 {
		return fmt.Errorf("config.trust.recovery.quality_at_least must be in [0,100]")
	}
	if r.TasksCompleted < 0 {
		return fmt.Errorf("config.trust.recovery.tasks_completed must be >= 0")
	}
	if r.ImprovingRecords <= 0 {
		return fmt.Errorf("config.trust.recovery.improving_records must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "agent-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: agent-project

session:
  min_duration_seconds: 300
  pull_page_size: 50
  abandoned_timeout_seconds: 0

trust:
  probation:
    score_below: 30
    quality_below: 20
    consecutive_rejects: 3
    bugs_in_recent_tasks: 5
    recent_task_window: 10
  recovery:
    score_at_least: 50
    quality_at_least: 60
    tasks_completed: 5
    improving_records: 3
`

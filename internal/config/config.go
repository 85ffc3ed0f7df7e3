package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissing marks a required value that was not supplied.
var ErrMissing = errors.New("missing required configuration")

// Config models shipline.yml. Secrets are never read from the file;
// see Secrets and ApplyEnv.
type Config struct {
	Tracker       TrackerConfig    `yaml:"tracker" json:"tracker"`
	Rules         RulesConfig      `yaml:"rules" json:"rules"`
	Repository    RepositoryConfig `yaml:"repository" json:"repository"`
	Generator     GeneratorConfig  `yaml:"generator" json:"generator"`
	Runs          RunsConfig       `yaml:"runs" json:"runs"`
	Notifications []WebhookConfig  `yaml:"notifications" json:"notifications,omitempty"`
	Secrets       Secrets          `yaml:"-" json:"-"`
}

type TrackerConfig struct {
	BaseURL                 string      `yaml:"base_url" json:"base_url"`
	Email                   string      `yaml:"email" json:"email"`
	ProjectKey              string      `yaml:"project_key" json:"project_key"`
	ReadyStatus             string      `yaml:"ready_status" json:"ready_status"`
	InProgressStatus        string      `yaml:"in_progress_status" json:"in_progress_status"`
	InReviewStatus          string      `yaml:"in_review_status" json:"in_review_status"`
	AcceptanceCriteriaField string      `yaml:"acceptance_criteria_field" json:"acceptance_criteria_field,omitempty"`
	MaxResults              int         `yaml:"max_results" json:"max_results"`
	Transitions             Transitions `yaml:"transitions" json:"transitions"`
}

// Transitions maps workflow edges to tracker transition ids.
type Transitions struct {
	ReadyToInProgress    string `yaml:"ready_to_in_progress" json:"ready_to_in_progress"`
	ReadyToInReview      string `yaml:"ready_to_in_review" json:"ready_to_in_review"`
	InProgressToInReview string `yaml:"in_progress_to_in_review" json:"in_progress_to_in_review"`
}

type RulesConfig struct {
	BlockingLabels         []string `yaml:"blocking_labels" json:"blocking_labels"`
	RequireAutomationLabel bool     `yaml:"require_automation_label" json:"require_automation_label"`
	AutomationLabel        string   `yaml:"automation_label" json:"automation_label"`
	MinSummaryLength       int      `yaml:"min_summary_length" json:"min_summary_length"`
}

type RepositoryConfig struct {
	Default    string   `yaml:"default" json:"default"`
	BaseBranch string   `yaml:"base_branch" json:"base_branch,omitempty"`
	APIURL     string   `yaml:"api_url" json:"api_url,omitempty"`
	Labels     []string `yaml:"labels" json:"labels,omitempty"`
}

type GeneratorConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
}

type RunsConfig struct {
	LockTTLSeconds     int    `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
	MaxAutofixAttempts int    `yaml:"max_autofix_attempts" json:"max_autofix_attempts"`
	WorkerID           string `yaml:"worker_id" json:"worker_id"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Actions        []string `yaml:"actions" json:"actions,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Secrets hold credentials sourced from the environment.
type Secrets struct {
	TrackerToken  string
	GitHubToken   string
	LLMAPIKey     string
	JWTSecret     string
	WebhookSecret string
}

// Environment variable names for Secrets.
const (
	EnvTrackerToken  = "SHIPLINE_JIRA_API_TOKEN"
	EnvGitHubToken   = "SHIPLINE_GITHUB_TOKEN"
	EnvLLMAPIKey     = "SHIPLINE_LLM_API_KEY"
	EnvJWTSecret     = "SHIPLINE_JWT_SECRET"
	EnvWebhookSecret = "SHIPLINE_WEBHOOK_SECRET"
)

const (
	DefaultLockTTL            = 10 * time.Minute
	DefaultMaxAutofixAttempts = 2
)

// LockTTL returns the run lock lifetime.
func (c *Config) LockTTL() time.Duration {
	if c.Runs.LockTTLSeconds <= 0 {
		return DefaultLockTTL
	}
	return time.Duration(c.Runs.LockTTLSeconds) * time.Second
}

// Validate ensures the config meets required structure. Credentials are
// checked separately by RequireSecrets since commands like "runs list" do
// not need them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tracker.BaseURL) == "" {
		return fmt.Errorf("%w: tracker.base_url", ErrMissing)
	}
	if strings.TrimSpace(c.Tracker.ProjectKey) == "" {
		return fmt.Errorf("%w: tracker.project_key", ErrMissing)
	}
	if c.Tracker.ReadyStatus == "" || c.Tracker.InProgressStatus == "" || c.Tracker.InReviewStatus == "" {
		return fmt.Errorf("%w: tracker.ready_status, tracker.in_progress_status and tracker.in_review_status", ErrMissing)
	}
	if c.Tracker.MaxResults < 1 || c.Tracker.MaxResults > 100 {
		return fmt.Errorf("tracker.max_results must be between 1 and 100")
	}
	if c.Rules.MinSummaryLength < 0 {
		return fmt.Errorf("rules.min_summary_length must not be negative")
	}
	if c.Rules.RequireAutomationLabel && strings.TrimSpace(c.Rules.AutomationLabel) == "" {
		return fmt.Errorf("%w: rules.automation_label (required when rules.require_automation_label is set)", ErrMissing)
	}
	for _, l := range c.Rules.BlockingLabels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("rules.blocking_labels contains an empty label")
		}
	}
	if c.Repository.Default != "" {
		if _, _, err := SplitRepo(c.Repository.Default); err != nil {
			return fmt.Errorf("repository.default: %w", err)
		}
	}
	switch c.Generator.Provider {
	case "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("generator.provider must be one of anthropic, openai, openai_compatible (got %q)", c.Generator.Provider)
	}
	if strings.TrimSpace(c.Generator.Model) == "" {
		return fmt.Errorf("%w: generator.model", ErrMissing)
	}
	if c.Runs.MaxAutofixAttempts < 1 {
		return fmt.Errorf("runs.max_autofix_attempts must be at least 1")
	}
	for i, hook := range c.Notifications {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications[%d].url is required", i)
		}
	}
	return nil
}

// RequireSecrets reports the first credential a scan needs that is absent.
func (c *Config) RequireSecrets() error {
	if strings.TrimSpace(c.Secrets.TrackerToken) == "" {
		return fmt.Errorf("%w: %s", ErrMissing, EnvTrackerToken)
	}
	if strings.TrimSpace(c.Tracker.Email) == "" && strings.Contains(c.Tracker.BaseURL, "atlassian.net") {
		return fmt.Errorf("%w: tracker.email (Jira Cloud uses basic auth)", ErrMissing)
	}
	if strings.TrimSpace(c.Secrets.GitHubToken) == "" {
		return fmt.Errorf("%w: %s", ErrMissing, EnvGitHubToken)
	}
	if strings.TrimSpace(c.Secrets.LLMAPIKey) == "" {
		return fmt.Errorf("%w: %s", ErrMissing, EnvLLMAPIKey)
	}
	return nil
}

// ApplyEnv fills Secrets from a lookup function (os.Getenv or viper.GetString).
func (c *Config) ApplyEnv(get func(string) string) {
	c.Secrets.TrackerToken = strings.TrimSpace(get(EnvTrackerToken))
	c.Secrets.GitHubToken = strings.TrimSpace(get(EnvGitHubToken))
	c.Secrets.LLMAPIKey = strings.TrimSpace(get(EnvLLMAPIKey))
	c.Secrets.JWTSecret = strings.TrimSpace(get(EnvJWTSecret))
	c.Secrets.WebhookSecret = strings.TrimSpace(get(EnvWebhookSecret))
}

// SplitRepo parses "owner/name".
func SplitRepo(full string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(full), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q (expected owner/name)", full)
	}
	return parts[0], parts[1], nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipline.yml")
}

// GenerateDefault returns default config YAML for a tracker project.
func GenerateDefault(projectKey string) string {
	return fmt.Sprintf(defaultTemplate, projectKey)
}

// Default returns the default Config struct for a tracker project.
func Default(projectKey string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectKey))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep the defaults from Default.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  base_url: https://example.atlassian.net
  email: ""
  project_key: "%s"
  ready_status: Ready for Engineering
  in_progress_status: In Progress
  in_review_status: In Review
  acceptance_criteria_field: ""
  max_results: 25
  transitions:
    ready_to_in_progress: ""
    ready_to_in_review: ""
    in_progress_to_in_review: ""

rules:
  blocking_labels: [blocked, needs-design, do-not-automate]
  require_automation_label: false
  automation_label: automation-allowed
  min_summary_length: 8

repository:
  default: ""
  base_branch: ""
  api_url: https://api.github.com
  labels: []

generator:
  provider: anthropic
  model: claude-sonnet-4-5
  base_url: ""
  max_tokens: 8192

runs:
  lock_ttl_seconds: 600
  max_autofix_attempts: 2
  worker_id: ""
`

package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Triage step modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// LLM provider names.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// Config holds the server-level settings. It implements the
// go-core cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	DatabaseURL           string
	SlackWebhookURL       string

	ClassifierMode  string
	DrafterMode     string
	LLMProvider     string
	ClaudeAPIKey    string
	ClaudeModel     string
	GeminiAPIKey    string
	GeminiModel     string
	ProviderTimeout time.Duration

	AssignmentPolicy string
	MaxConcurrent    int
	RetryAttempts    int
	SettingsCacheTTL time.Duration
	SystemUserID     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma separated token:user:role entries accepted by the API")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for hand-off notifications")

	fs.StringVar(&c.ClassifierMode, "classifier-mode", ModeLocal, "classifier implementation (local|remote)")
	fs.StringVar(&c.DrafterMode, "drafter-mode", ModeLocal, "draft reply implementation (local|remote)")
	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "remote model provider (claude|gemini)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for accessing the Gemini LLM provider")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.5-flash", "Gemini model to use")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", 30*time.Second, "per-call timeout for the remote model before falling back to local")

	fs.StringVar(&c.AssignmentPolicy, "assignment-policy", "first", "agent assignment policy (first|round-robin|least-loaded)")
	fs.IntVar(&c.MaxConcurrent, "max-concurrent-triages", 8, "background triage runs allowed at once (1..256)")
	fs.IntVar(&c.RetryAttempts, "retry-attempts", 3, "default attempts for a retried triage (1..10)")
	fs.DurationVar(&c.SettingsCacheTTL, "settings-cache-ttl", 30*time.Second, "how long triage settings are cached (0 = until updated)")
	fs.StringVar(&c.SystemUserID, "system-user-id", "system", "user id that authors automatic replies")
}

// Remote reports whether any triage step calls the remote model.
func (c *Config) Remote() bool {
	return c.ClassifierMode == ModeRemote || c.DrafterMode == ModeRemote
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APITokens == "" {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	for name, mode := range map[string]string{"CLASSIFIER_MODE": c.ClassifierMode, "DRAFTER_MODE": c.DrafterMode} {
		if mode != ModeLocal && mode != ModeRemote {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be local or remote)", name, mode))
		}
	}

	// Provider credentials only matter when a step is remote
	if c.Remote() {
		switch c.LLMProvider {
		case ProviderClaude:
			if c.ClaudeAPIKey == "" {
				errs = append(errs, errors.New("CLAUDE_API_KEY is required for remote mode"))
			}
			if c.ClaudeModel == "" {
				errs = append(errs, errors.New("CLAUDE_MODEL is required for remote mode"))
			}
		case ProviderGemini:
			if c.GeminiAPIKey == "" {
				errs = append(errs, errors.New("GEMINI_API_KEY is required for remote mode"))
			}
			if c.GeminiModel == "" {
				errs = append(errs, errors.New("GEMINI_MODEL is required for remote mode"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude or gemini)", c.LLMProvider))
		}
		if c.ProviderTimeout <= 0 {
			errs = append(errs, fmt.Errorf("invalid PROVIDER_TIMEOUT %s (must be positive)", c.ProviderTimeout))
		}
	}

	switch c.AssignmentPolicy {
	case "first", "round-robin", "least-loaded":
	default:
		errs = append(errs, fmt.Errorf("invalid ASSIGNMENT_POLICY %q", c.AssignmentPolicy))
	}

	if c.MaxConcurrent <= 0 || c.MaxConcurrent > 256 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_TRIAGES %d (must be 1..256)", c.MaxConcurrent))
	}
	if c.RetryAttempts <= 0 || c.RetryAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_ATTEMPTS %d (must be 1..10)", c.RetryAttempts))
	}
	if c.SettingsCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid SETTINGS_CACHE_TTL %s (must not be negative)", c.SettingsCacheTTL))
	}
	if c.SystemUserID == "" {
		errs = append(errs, errors.New("SYSTEM_USER_ID is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APITokens:             "tok:admin:admin",
		ClassifierMode:        ModeLocal,
		DrafterMode:           ModeLocal,
		LLMProvider:           ProviderClaude,
		ClaudeModel:           "claude-sonnet-4-20250514",
		GeminiModel:           "gemini-2.5-flash",
		ProviderTimeout:       30 * time.Second,
		AssignmentPolicy:      "first",
		MaxConcurrent:         8,
		RetryAttempts:         3,
		SettingsCacheTTL:      30 * time.Second,
		SystemUserID:          "system",
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.ClassifierMode != ModeLocal || c.DrafterMode != ModeLocal {
		t.Errorf("modes = %q/%q, want local/local", c.ClassifierMode, c.DrafterMode)
	}
	if c.LLMProvider != ProviderClaude {
		t.Errorf("LLMProvider = %q, want %q", c.LLMProvider, ProviderClaude)
	}
	if c.ProviderTimeout != 30*time.Second {
		t.Errorf("ProviderTimeout = %s, want 30s", c.ProviderTimeout)
	}
	if c.MaxConcurrent != 8 || c.RetryAttempts != 3 {
		t.Errorf("MaxConcurrent/RetryAttempts = %d/%d, want 8/3", c.MaxConcurrent, c.RetryAttempts)
	}
	if c.SystemUserID != "system" {
		t.Errorf("SystemUserID = %q, want system", c.SystemUserID)
	}

	// defaults only miss the API tokens
	c.APITokens = "t:u:admin"
	if err := c.Validate(); err != nil {
		t.Errorf("defaults plus tokens should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-classifier-mode", "remote",
		"-llm-provider", "gemini",
		"-gemini-api-key", "g-override",
		"-gemini-model", "gemini-2.5-pro",
		"-provider-timeout", "5s",
		"-assignment-policy", "least-loaded",
		"-settings-cache-ttl", "0s",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if !c.Remote() {
		t.Error("Remote() = false with remote classifier")
	}
	if c.GeminiAPIKey != "g-override" || c.GeminiModel != "gemini-2.5-pro" {
		t.Errorf("gemini = %q/%q", c.GeminiAPIKey, c.GeminiModel)
	}
	if c.ProviderTimeout != 5*time.Second {
		t.Errorf("ProviderTimeout = %s, want 5s", c.ProviderTimeout)
	}
	if c.AssignmentPolicy != "least-loaded" {
		t.Errorf("AssignmentPolicy = %q", c.AssignmentPolicy)
	}
	if c.SettingsCacheTTL != 0 {
		t.Errorf("SettingsCacheTTL = %s, want 0", c.SettingsCacheTTL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mut       func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name: "defaults are valid",
			mut:  func(*Config) {},
		},
		{
			name: "minimum valid values",
			mut: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.MaxConcurrent, c.RetryAttempts, c.SettingsCacheTTL = 1, 1, 0
			},
		},
		{
			name: "maximum valid values",
			mut: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.MaxConcurrent, c.RetryAttempts = 256, 10
			},
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			mut:       func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mut:       func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			mut:     func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 },
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			mut:       func(c *Config) { c.ShutdownBudgetSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			mut:       func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			mut:       func(c *Config) { c.ShutdownBudgetSeconds = 60 },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget is drain plus one",
			mut:  func(c *Config) { c.ShutdownBudgetSeconds = 61 },
		},
		// APIPort boundaries
		{
			name:      "port zero",
			mut:       func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mut:       func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "empty api tokens",
			mut:       func(c *Config) { c.APITokens = "" },
			wantErr:   true,
			errSubstr: []string{"API_TOKENS"},
		},
		// Modes and providers
		{
			name:      "unknown classifier mode",
			mut:       func(c *Config) { c.ClassifierMode = "hybrid" },
			wantErr:   true,
			errSubstr: []string{"CLASSIFIER_MODE"},
		},
		{
			name:      "unknown drafter mode",
			mut:       func(c *Config) { c.DrafterMode = "" },
			wantErr:   true,
			errSubstr: []string{"DRAFTER_MODE"},
		},
		{
			name: "local mode ignores missing keys",
			mut:  func(c *Config) { c.LLMProvider = "nobody"; c.ClaudeModel = "" },
		},
		{
			name:      "remote claude needs key",
			mut:       func(c *Config) { c.DrafterMode = ModeRemote },
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name: "remote claude with key",
			mut:  func(c *Config) { c.DrafterMode = ModeRemote; c.ClaudeAPIKey = "k" },
		},
		{
			name: "remote gemini needs key and model",
			mut: func(c *Config) {
				c.ClassifierMode = ModeRemote
				c.LLMProvider = ProviderGemini
				c.GeminiModel = ""
			},
			wantErr:   true,
			errSubstr: []string{"GEMINI_API_KEY", "GEMINI_MODEL"},
		},
		{
			name: "remote unknown provider",
			mut: func(c *Config) {
				c.ClassifierMode = ModeRemote
				c.LLMProvider = "openai"
			},
			wantErr:   true,
			errSubstr: []string{"LLM_PROVIDER"},
		},
		{
			name: "remote zero timeout",
			mut: func(c *Config) {
				c.ClassifierMode = ModeRemote
				c.ClaudeAPIKey = "k"
				c.ProviderTimeout = 0
			},
			wantErr:   true,
			errSubstr: []string{"PROVIDER_TIMEOUT"},
		},
		// Triage knobs
		{
			name:      "unknown assignment policy",
			mut:       func(c *Config) { c.AssignmentPolicy = "random" },
			wantErr:   true,
			errSubstr: []string{"ASSIGNMENT_POLICY"},
		},
		{
			name:      "max concurrent zero",
			mut:       func(c *Config) { c.MaxConcurrent = 0 },
			wantErr:   true,
			errSubstr: []string{"MAX_CONCURRENT_TRIAGES"},
		},
		{
			name:      "retry attempts above max",
			mut:       func(c *Config) { c.RetryAttempts = 11 },
			wantErr:   true,
			errSubstr: []string{"RETRY_ATTEMPTS"},
		},
		{
			name:      "negative cache ttl",
			mut:       func(c *Config) { c.SettingsCacheTTL = -time.Second },
			wantErr:   true,
			errSubstr: []string{"SETTINGS_CACHE_TTL"},
		},
		{
			name:      "empty system user",
			mut:       func(c *Config) { c.SystemUserID = "" },
			wantErr:   true,
			errSubstr: []string{"SYSTEM_USER_ID"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			mut:       func(c *Config) { *c = Config{} },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKENS", "CLASSIFIER_MODE", "ASSIGNMENT_POLICY", "SYSTEM_USER_ID"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			mut: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mut(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		tokens, mode, key   string
	}{
		{60, 90, 8080, "t:u:admin", "local", ""},
		{1, 2, 1, "t", "remote", "k"},
		{299, 300, 65535, "t", "local", "k"},
		{0, 0, 0, "", "", ""},
		{-1, -1, -1, "", "remote", ""},
		{300, 300, 65535, "t", "local", ""},
		{150, 100, 8080, "t", "local", ""},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.tokens, s.mode, s.key)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, tokens, mode, key string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.APITokens = tokens
		c.ClassifierMode = mode
		c.ClaudeAPIKey = key
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		tokensOK := tokens != ""
		modeOK := mode == ModeLocal || (mode == ModeRemote && key != "")

		allValid := drainOK && budgetOK && portOK && crossOK && tokensOK && modeOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}

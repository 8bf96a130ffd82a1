// Package config loads casebridge settings from defaults, an optional YAML
// file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/statestore"
)

const EnvPrefix = "CASEBRIDGE_"

type Config struct {
	Source SourceConfig
	CRM    CRMConfig
	Store  StoreConfig
	Loop   LoopConfig
	HTTP   HTTPConfig
	Status StatusConfig
	Events EventsConfig
	Log    LogConfig
}

type SourceConfig struct {
	APIURL            string
	APIKey            string
	BotID             string
	ConversationsPath string
	MessagesPath      string
	PageLimit         int
	MaxPages          int
	Lookback          time.Duration
}

type CRMConfig struct {
	APIBaseURL        string
	APIVersion        string
	AccountsURL       string
	ClientID          string
	ClientSecret      string
	RefreshToken      string
	RefreshTokenFile  string
	AccessToken       string
	AuthScheme        string
	CorrelationField  string
	ContactID         string
	ContactName       string
	CaseOrigin        string
	CaseStatus        string
	SubjectPrefix     string
	AttachNote        bool
	DuplicateCheck    bool
	IncludeMetrics    bool
	CustomFieldPrefix string
}

type StoreConfig struct {
	DSN          string
	ProcessedTTL time.Duration
}

type LoopConfig struct {
	PollInterval        time.Duration
	CycleTimeout        time.Duration
	ConversationTimeout time.Duration
	SummaryInterval     time.Duration
}

type HTTPConfig struct {
	Timeout          time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

type StatusConfig struct {
	Addr      string
	Token     string
	RateLimit int
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

type LogConfig struct {
	Level  string
	Format string
}

func Defaults() Config {
	return Config{
		Source: SourceConfig{
			APIURL:            "https://getcody.ai/api/v1",
			ConversationsPath: "/conversations",
			MessagesPath:      "/messages",
			MaxPages:          10,
		},
		CRM: CRMConfig{
			APIBaseURL:        "https://www.zohoapis.com",
			APIVersion:        "v8",
			AccountsURL:       "https://accounts.zoho.com",
			AuthScheme:        "Zoho-oauthtoken",
			CorrelationField:  "Cody_Conversation_ID",
			ContactName:       "Cody Chat",
			CaseOrigin:        "Web",
			CaseStatus:        "Closed",
			SubjectPrefix:     "Cody Chat",
			DuplicateCheck:    true,
			IncludeMetrics:    true,
			CustomFieldPrefix: "CF_",
		},
		Store: StoreConfig{
			DSN:          "redis://localhost:6379/0",
			ProcessedTTL: statestore.DefaultProcessedTTL,
		},
		Loop: LoopConfig{
			PollInterval:        30 * time.Second,
			CycleTimeout:        5 * time.Minute,
			ConversationTimeout: 2 * time.Minute,
			SummaryInterval:     5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    10 * time.Second,
		},
		Status: StatusConfig{Addr: ":8080"},
		Events: EventsConfig{SubjectPrefix: "casebridge"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

type LoadOptions struct {
	// File is an optional YAML file. Empty falls back to CASEBRIDGE_CONFIG.
	File string
	// EnvFile is loaded with godotenv when present; it never overrides
	// variables already set in the process environment.
	EnvFile string
	Logger  zerolog.Logger
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// CRMOnly validates just the settings needed to talk to the CRM, for
	// the token command.
	CRMOnly bool
}

// Load builds the configuration and validates it. Any error it returns is a
// *ConfigurationError.
func Load(opts LoadOptions) (Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		envFile := opts.EnvFile
		if envFile == "" {
			envFile = ".env"
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, &ConfigurationError{Problems: []string{fmt.Sprintf("reading %s: %v", envFile, err)}}
		}
		getenv = os.Getenv
	}

	cfg := Defaults()
	file := opts.File
	if file == "" {
		file = strings.TrimSpace(getenv(EnvPrefix + "CONFIG"))
	}
	if file != "" {
		if err := applyFile(&cfg, file); err != nil {
			return Config{}, err
		}
		opts.Logger.Debug().Str("file", file).Msg("configuration file applied")
	}
	problems := applyEnv(&cfg, getenv)
	if err := cfg.validate(opts.CRMOnly); err != nil {
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			return Config{}, err
		}
		problems = append(problems, cfgErr.Problems...)
	}
	if len(problems) > 0 {
		return Config{}, &ConfigurationError{Problems: problems}
	}
	return cfg, nil
}

// ConfigurationError lists every problem found so operators can fix them in
// one pass. Startup must not continue past it.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate rejects missing required values, placeholders and values that
// would make the loop misbehave.
func (c Config) Validate() error { return c.validate(false) }

// ValidateCRM checks only the CRM credentials and endpoints.
func (c Config) ValidateCRM() error { return c.validate(true) }

func (c Config) validate(crmOnly bool) error {
	var problems []string
	require := func(name, value string) {
		switch {
		case strings.TrimSpace(value) == "":
			problems = append(problems, name+" is required")
		case IsPlaceholder(value):
			problems = append(problems, fmt.Sprintf("%s contains placeholder value %q", name, value))
		}
	}
	checkURL := func(name, value string) {
		parsed, err := url.Parse(value)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			problems = append(problems, fmt.Sprintf("%s must be an http(s) URL, got %q", name, value))
		}
	}

	require("CRM_CLIENT_ID", c.CRM.ClientID)
	require("CRM_CLIENT_SECRET", c.CRM.ClientSecret)
	checkURL("CRM_API_BASE_URL", c.CRM.APIBaseURL)
	checkURL("CRM_ACCOUNTS_URL", c.CRM.AccountsURL)
	if crmOnly {
		if len(problems) > 0 {
			return &ConfigurationError{Problems: problems}
		}
		return nil
	}

	require("SOURCE_API_KEY", c.Source.APIKey)
	require("SOURCE_BOT_ID", c.Source.BotID)
	if strings.TrimSpace(c.CRM.RefreshTokenFile) == "" {
		require("CRM_REFRESH_TOKEN", c.CRM.RefreshToken)
	}
	checkURL("SOURCE_API_URL", c.Source.APIURL)

	positive := func(name string, value time.Duration) {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, value))
		}
	}
	positive("POLL_INTERVAL", c.Loop.PollInterval)
	positive("CYCLE_TIMEOUT", c.Loop.CycleTimeout)
	positive("CONVERSATION_TIMEOUT", c.Loop.ConversationTimeout)
	positive("HTTP_TIMEOUT", c.HTTP.Timeout)
	positive("PROCESSED_TTL", c.Store.ProcessedTTL)
	if c.HTTP.RetryMaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.HTTP.RetryMaxAttempts))
	}
	if c.Source.MaxPages < 1 {
		problems = append(problems, fmt.Sprintf("SOURCE_MAX_PAGES must be at least 1, got %d", c.Source.MaxPages))
	}
	if c.Source.PageLimit < 0 {
		problems = append(problems, fmt.Sprintf("SOURCE_PAGE_LIMIT must not be negative, got %d", c.Source.PageLimit))
	}
	if !statestore.SupportedScheme(c.Store.DSN) {
		problems = append(problems, fmt.Sprintf("STORE_DSN has an unsupported scheme: %q", redact(c.Store.DSN)))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not a log level", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// IsPlaceholder matches template values such as "your_api_key_here",
// "changeme" or "<client-id>".
func IsPlaceholder(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(v, "your_") && strings.HasSuffix(v, "_here"):
		return true
	case v == "changeme" || v == "change_me" || v == "replace_me":
		return true
	case strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"):
		return true
	}
	return false
}

func redact(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	parsed.User = url.User("redacted")
	return parsed.String()
}


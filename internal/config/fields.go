package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field binds one setting to its environment variable (without prefix) and
// its dotted path in the YAML file.
type field struct {
	env  string
	path string
	set  func(c *Config, raw string) error
}

var fields = []field{
	{"SOURCE_API_URL", "source.api_url", str(func(c *Config) *string { return &c.Source.APIURL })},
	{"SOURCE_API_KEY", "source.api_key", str(func(c *Config) *string { return &c.Source.APIKey })},
	{"SOURCE_BOT_ID", "source.bot_id", str(func(c *Config) *string { return &c.Source.BotID })},
	{"SOURCE_CONVERSATIONS_PATH", "source.conversations_path", str(func(c *Config) *string { return &c.Source.ConversationsPath })},
	{"SOURCE_MESSAGES_PATH", "source.messages_path", str(func(c *Config) *string { return &c.Source.MessagesPath })},
	{"SOURCE_PAGE_LIMIT", "source.page_limit", integer(func(c *Config) *int { return &c.Source.PageLimit })},
	{"SOURCE_MAX_PAGES", "source.max_pages", integer(func(c *Config) *int { return &c.Source.MaxPages })},
	{"SOURCE_LOOKBACK", "source.lookback", duration(func(c *Config) *time.Duration { return &c.Source.Lookback })},

	{"CRM_API_BASE_URL", "crm.api_base_url", str(func(c *Config) *string { return &c.CRM.APIBaseURL })},
	{"CRM_API_VERSION", "crm.api_version", str(func(c *Config) *string { return &c.CRM.APIVersion })},
	{"CRM_ACCOUNTS_URL", "crm.accounts_url", str(func(c *Config) *string { return &c.CRM.AccountsURL })},
	{"CRM_CLIENT_ID", "crm.client_id", str(func(c *Config) *string { return &c.CRM.ClientID })},
	{"CRM_CLIENT_SECRET", "crm.client_secret", str(func(c *Config) *string { return &c.CRM.ClientSecret })},
	{"CRM_REFRESH_TOKEN", "crm.refresh_token", str(func(c *Config) *string { return &c.CRM.RefreshToken })},
	{"CRM_REFRESH_TOKEN_FILE", "crm.refresh_token_file", str(func(c *Config) *string { return &c.CRM.RefreshTokenFile })},
	{"CRM_ACCESS_TOKEN", "crm.access_token", optional(func(c *Config) *string { return &c.CRM.AccessToken })},
	{"CRM_AUTH_SCHEME", "crm.auth_scheme", str(func(c *Config) *string { return &c.CRM.AuthScheme })},
	{"CRM_CORRELATION_FIELD", "crm.correlation_field", str(func(c *Config) *string { return &c.CRM.CorrelationField })},
	{"CRM_CONTACT_ID", "crm.contact_id", optional(func(c *Config) *string { return &c.CRM.ContactID })},
	{"CRM_CONTACT_NAME", "crm.contact_name", str(func(c *Config) *string { return &c.CRM.ContactName })},
	{"CRM_CASE_ORIGIN", "crm.case_origin", str(func(c *Config) *string { return &c.CRM.CaseOrigin })},
	{"CRM_CASE_STATUS", "crm.case_status", str(func(c *Config) *string { return &c.CRM.CaseStatus })},
	{"CRM_SUBJECT_PREFIX", "crm.subject_prefix", str(func(c *Config) *string { return &c.CRM.SubjectPrefix })},
	{"CRM_ATTACH_NOTE", "crm.attach_note", boolean(func(c *Config) *bool { return &c.CRM.AttachNote })},
	{"CRM_DUPLICATE_CHECK", "crm.duplicate_check", boolean(func(c *Config) *bool { return &c.CRM.DuplicateCheck })},
	{"CRM_INCLUDE_METRICS", "crm.include_metrics", boolean(func(c *Config) *bool { return &c.CRM.IncludeMetrics })},
	{"CRM_CUSTOM_FIELD_PREFIX", "crm.custom_field_prefix", str(func(c *Config) *string { return &c.CRM.CustomFieldPrefix })},

	{"STORE_DSN", "store.dsn", str(func(c *Config) *string { return &c.Store.DSN })},
	{"PROCESSED_TTL", "store.processed_ttl", duration(func(c *Config) *time.Duration { return &c.Store.ProcessedTTL })},

	{"POLL_INTERVAL", "loop.poll_interval", duration(func(c *Config) *time.Duration { return &c.Loop.PollInterval })},
	{"CYCLE_TIMEOUT", "loop.cycle_timeout", duration(func(c *Config) *time.Duration { return &c.Loop.CycleTimeout })},
	{"CONVERSATION_TIMEOUT", "loop.conversation_timeout", duration(func(c *Config) *time.Duration { return &c.Loop.ConversationTimeout })},
	{"SUMMARY_INTERVAL", "loop.summary_interval", duration(func(c *Config) *time.Duration { return &c.Loop.SummaryInterval })},

	{"HTTP_TIMEOUT", "http.timeout", duration(func(c *Config) *time.Duration { return &c.HTTP.Timeout })},
	{"RETRY_MAX_ATTEMPTS", "http.retry_max_attempts", integer(func(c *Config) *int { return &c.HTTP.RetryMaxAttempts })},
	{"RETRY_BASE_DELAY", "http.retry_base_delay", duration(func(c *Config) *time.Duration { return &c.HTTP.RetryBaseDelay })},
	{"RETRY_MAX_DELAY", "http.retry_max_delay", duration(func(c *Config) *time.Duration { return &c.HTTP.RetryMaxDelay })},

	{"STATUS_ADDR", "status.addr", str(func(c *Config) *string { return &c.Status.Addr })},
	{"STATUS_TOKEN", "status.token", optional(func(c *Config) *string { return &c.Status.Token })},
	{"STATUS_RATE_LIMIT", "status.rate_limit", integer(func(c *Config) *int { return &c.Status.RateLimit })},

	{"NATS_URL", "events.nats_url", optional(func(c *Config) *string { return &c.Events.NATSURL })},
	{"NATS_SUBJECT_PREFIX", "events.subject_prefix", str(func(c *Config) *string { return &c.Events.SubjectPrefix })},

	{"LOG_LEVEL", "log.level", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", "log.format", str(func(c *Config) *string { return &c.Log.Format })},
}

func str(target func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*target(c) = strings.TrimSpace(raw)
		return nil
	}
}

func optional(target func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		if IsPlaceholder(raw) {
			return fmt.Errorf("contains placeholder value %q", raw)
		}
		*target(c) = strings.TrimSpace(raw)
		return nil
	}
}

func integer(target func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*target(c) = value
		return nil
	}
}

func duration(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, raw string) error {
		value, err := parseDuration(raw)
		if err != nil {
			return err
		}
		*target(c) = value
		return nil
	}
}

func boolean(target func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		value, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*target(c) = value
		return nil
	}
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// applyEnv overlays prefixed environment variables and returns one problem
// per value that does not parse or is still template text.
func applyEnv(cfg *Config, getenv func(string) string) []string {
	var problems []string
	// Platform conventions, honored before the prefixed names.
	if raw := strings.TrimSpace(getenv("REDIS_URL")); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := strings.TrimSpace(getenv("PORT")); raw != "" {
		cfg.Status.Addr = ":" + raw
	}
	if raw := strings.TrimSpace(getenv(EnvPrefix + "POLL_INTERVAL_SECONDS")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil {
			cfg.Loop.PollInterval = time.Duration(seconds) * time.Second
		} else {
			problems = append(problems, fmt.Sprintf("invalid %sPOLL_INTERVAL_SECONDS=%q: not a whole number of seconds", EnvPrefix, raw))
		}
	}

	for _, f := range fields {
		name := EnvPrefix + f.env
		raw, ok := lookup(getenv, name)
		if !ok {
			continue
		}
		if err := f.set(cfg, raw); err != nil {
			problems = append(problems, fmt.Sprintf("invalid %s=%q: %v", name, raw, err))
		}
	}
	return problems
}

func lookup(getenv func(string) string, name string) (string, bool) {
	raw := getenv(name)
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	return raw, true
}

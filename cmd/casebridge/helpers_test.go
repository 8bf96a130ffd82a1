package main

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/config"
)

func setCRMEnv(t *testing.T, accountsURL string) {
	t.Helper()
	t.Setenv(config.EnvPrefix+"CONFIG", "")
	t.Setenv(config.EnvPrefix+"CRM_CLIENT_ID", "client-1")
	t.Setenv(config.EnvPrefix+"CRM_CLIENT_SECRET", "secret-1")
	t.Setenv(config.EnvPrefix+"CRM_REFRESH_TOKEN", "refresh-1")
	t.Setenv(config.EnvPrefix+"CRM_REFRESH_TOKEN_FILE", "")
	t.Setenv(config.EnvPrefix+"CRM_ACCOUNTS_URL", accountsURL)
	t.Setenv(config.EnvPrefix+"CRM_API_BASE_URL", "https://www.zohoapis.com")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

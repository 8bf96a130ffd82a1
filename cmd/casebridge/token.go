package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/casebridge/internal/crm"
	"github.com/agentworkforce/casebridge/internal/statestore"
)

const defaultScope = "ZohoCRM.modules.ALL"

type tokenOptions struct {
	printOnly   bool
	authURL     bool
	scopes      []string
	code        string
	redirectURL string
	state       string
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Refresh the CRM access token, or run the one-time OAuth consent flow",
		Long: `Without flags, exchanges the configured refresh token for an access token,
prints it and stores it in the state store so the bridge reuses it.

--auth-url prints the consent URL for an operator to visit; --code exchanges
the grant code from that redirect and prints the refresh token to configure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, _, err := loadConfig(*flags, true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var store tokenStore
			if !opts.printOnly && !opts.authURL && opts.code == "" {
				opened := statestore.Open(ctx, statestore.Options{DSN: cfg.Store.DSN, Logger: logger})
				defer opened.Close()
				store = opened
			}
			refreshToken, _, err := refreshTokenSource(cfg, logger)
			if err != nil {
				return err
			}
			client := crm.NewClient(crm.Options{
				APIBaseURL:   cfg.CRM.APIBaseURL,
				APIVersion:   cfg.CRM.APIVersion,
				AccountsURL:  cfg.CRM.AccountsURL,
				ClientID:     cfg.CRM.ClientID,
				ClientSecret: cfg.CRM.ClientSecret,
				RefreshToken: refreshToken,
				HTTPClient:   &http.Client{Timeout: cfg.HTTP.Timeout},
				Logger:       logger,
			})
			return runToken(ctx, cmd.OutOrStdout(), client, store, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.printOnly, "print-only", false, "print the token without storing it")
	cmd.Flags().BoolVar(&opts.authURL, "auth-url", false, "print the OAuth consent URL and exit")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", []string{defaultScope}, "OAuth scopes for --auth-url")
	cmd.Flags().StringVar(&opts.code, "code", "", "grant code to exchange for a refresh token")
	cmd.Flags().StringVar(&opts.redirectURL, "redirect-url", "", "redirect URL registered for the OAuth client")
	cmd.Flags().StringVar(&opts.state, "state", "casebridge", "state value echoed back by the consent page")
	return cmd
}

type tokenClient interface {
	AuthCodeURL(scopes []string, redirectURL, state string) string
	ExchangeCode(ctx context.Context, code, redirectURL string) (statestore.Token, error)
	ForceRefresh(ctx context.Context) (statestore.Token, error)
}

// tokenStore is where a refreshed token is persisted for the bridge to reuse.
type tokenStore interface {
	Mode() statestore.Mode
	SetCachedToken(ctx context.Context, token statestore.Token, ttl time.Duration) error
}

// runToken writes the result to out. store may be nil, in which case the
// token is only printed.
func runToken(ctx context.Context, out io.Writer, client tokenClient, store tokenStore, opts tokenOptions) error {
	switch {
	case opts.authURL:
		fmt.Fprintln(out, client.AuthCodeURL(opts.scopes, opts.redirectURL, opts.state))
		return nil
	case strings.TrimSpace(opts.code) != "":
		token, err := client.ExchangeCode(ctx, strings.TrimSpace(opts.code), opts.redirectURL)
		if err != nil {
			return err
		}
		if token.RefreshToken == "" {
			return fmt.Errorf("grant exchange returned no refresh token; revoke the old grant and retry with prompt=consent")
		}
		fmt.Fprintf(out, "refresh_token: %s\n", token.RefreshToken)
		fmt.Fprintf(out, "access_token: %s\n", token.AccessToken)
		fmt.Fprintf(out, "expires_at: %s\n", token.ExpiresAt.UTC().Format(time.RFC3339))
		return nil
	default:
		token, err := client.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "access_token: %s\n", token.AccessToken)
		fmt.Fprintf(out, "expires_at: %s\n", token.ExpiresAt.UTC().Format(time.RFC3339))
		if token.APIDomain != "" {
			fmt.Fprintf(out, "api_domain: %s\n", token.APIDomain)
		}
		if opts.printOnly || store == nil {
			return nil
		}
		fmt.Fprintf(out, "stored: %t\n", storeToken(ctx, out, store, token))
		return nil
	}
}


// storeToken reports whether the token reached a persistent backend. An
// in-memory fallback store does not count: the bridge runs in another process.
func storeToken(ctx context.Context, out io.Writer, store tokenStore, token statestore.Token) bool {
	if store.Mode() != statestore.ModePersistent {
		fmt.Fprintln(out, "warning: state store unreachable, token not persisted")
		return false
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		fmt.Fprintln(out, "warning: token already expired, not persisted")
		return false
	}
	token.RefreshToken = ""
	if err := store.SetCachedToken(ctx, token, ttl); err != nil {
		fmt.Fprintf(out, "warning: token not persisted: %v\n", err)
		return false
	}
	return true
}

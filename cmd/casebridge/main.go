package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/casebridge/internal/bridge"
	"github.com/agentworkforce/casebridge/internal/config"
	"github.com/agentworkforce/casebridge/internal/crm"
	"github.com/agentworkforce/casebridge/internal/events"
	"github.com/agentworkforce/casebridge/internal/httpapi"
	"github.com/agentworkforce/casebridge/internal/logring"
	"github.com/agentworkforce/casebridge/internal/metrics"
	"github.com/agentworkforce/casebridge/internal/remote"
	"github.com/agentworkforce/casebridge/internal/secretfile"
	"github.com/agentworkforce/casebridge/internal/source"
	"github.com/agentworkforce/casebridge/internal/statestore"
)

var version = "dev"

const (
	appName             = "casebridge"
	serverShutdownGrace = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Turn finished chatbot conversations into CRM cases",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), flags, false)
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (overrides CASEBRIDGE_CONFIG)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (json, console)")

	cmd.AddCommand(newRunCmd(&flags), newTokenCmd(&flags), newVersionCmd())
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop and status server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), *flags, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one reconciliation cycle and exit")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}

// loadConfig loads configuration with a bootstrap logger, then builds the
// real logger from the loaded settings and any flag overrides.
func loadConfig(flags globalFlags, crmOnly bool) (config.Config, zerolog.Logger, *logring.Ring, error) {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(config.LoadOptions{
		File:    flags.configPath,
		EnvFile: flags.envFile,
		Logger:  bootstrap,
		CRMOnly: crmOnly,
	})
	if err != nil {
		return config.Config{}, zerolog.Logger{}, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	ring := logring.New(logring.DefaultCapacity)
	return cfg, newLogger(cfg.Log, os.Stdout, ring), ring, nil
}

func newLogger(cfg config.LogConfig, out io.Writer, ring *logring.Ring) zerolog.Logger {
	primary := out
	if strings.EqualFold(cfg.Format, "console") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	writer := zerolog.MultiLevelWriter(primary, ring)
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("service", appName).Logger()
}

func retryPolicy(cfg config.Config) remote.Policy {
	policy := remote.DefaultPolicy()
	policy.MaxAttempts = cfg.HTTP.RetryMaxAttempts
	policy.BaseDelay = cfg.HTTP.RetryBaseDelay
	policy.MaxDelay = cfg.HTTP.RetryMaxDelay
	return policy
}

// refreshTokenSource prefers the secret file when configured so a rotated
// token is picked up without a restart.
func refreshTokenSource(cfg config.Config, logger zerolog.Logger) (func() string, *secretfile.Secret, error) {
	path := strings.TrimSpace(cfg.CRM.RefreshTokenFile)
	if path == "" {
		token := cfg.CRM.RefreshToken
		return func() string { return token }, nil, nil
	}
	secret, err := secretfile.Open(path, logger)
	if err != nil {
		return nil, nil, &config.ConfigurationError{Problems: []string{fmt.Sprintf("CRM_REFRESH_TOKEN_FILE: %v", err)}}
	}
	return secret.Value, secret, nil
}

type services struct {
	store     *statestore.Store
	crm       *crm.Client
	source    *source.Client
	secret    *secretfile.Secret
	registry  *prometheus.Registry
	recorder  *metrics.Recorder
	publisher events.Publisher
	closers   []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*services, error) {
	svc := &services{registry: prometheus.NewRegistry(), publisher: events.Nop{}}
	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc.recorder = metrics.NewRecorder(svc.registry)

	svc.store = statestore.Open(ctx, statestore.Options{
		DSN:          cfg.Store.DSN,
		ProcessedTTL: cfg.Store.ProcessedTTL,
		Logger:       logger,
	})
	svc.closers = append(svc.closers, svc.store.Close)

	refreshToken, secret, err := refreshTokenSource(cfg, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.secret = secret

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	retry := retryPolicy(cfg)
	svc.crm = crm.NewClient(crm.Options{
		APIBaseURL:        cfg.CRM.APIBaseURL,
		APIVersion:        cfg.CRM.APIVersion,
		AccountsURL:       cfg.CRM.AccountsURL,
		ClientID:          cfg.CRM.ClientID,
		ClientSecret:      cfg.CRM.ClientSecret,
		RefreshToken:      refreshToken,
		AccessToken:       cfg.CRM.AccessToken,
		AuthScheme:        cfg.CRM.AuthScheme,
		CorrelationField:  cfg.CRM.CorrelationField,
		ContactID:         cfg.CRM.ContactID,
		ContactName:       cfg.CRM.ContactName,
		CaseOrigin:        cfg.CRM.CaseOrigin,
		CaseStatus:        cfg.CRM.CaseStatus,
		SubjectPrefix:     cfg.CRM.SubjectPrefix,
		CustomFieldPrefix: cfg.CRM.CustomFieldPrefix,
		OmitMetrics:       !cfg.CRM.IncludeMetrics,
		HTTPClient:        httpClient,
		TokenCache:        svc.store,
		Retry:             retry,
		Observer:          svc.recorder,
		Logger:            logger,
	})
	if secret != nil {
		secret.OnChange(svc.crm.RotateRefreshToken)
	}

	svc.source = source.NewClient(source.Options{
		BaseURL:           cfg.Source.APIURL,
		APIKey:            cfg.Source.APIKey,
		HTTPClient:        httpClient,
		ConversationsPath: cfg.Source.ConversationsPath,
		MessagesPath:      cfg.Source.MessagesPath,
		PageLimit:         cfg.Source.PageLimit,
		MaxPages:          cfg.Source.MaxPages,
		UserAgent:         appName + "/" + version,
		Retry:             retry,
		Observer:          svc.recorder,
		Logger:            logger,
	})

	if cfg.Events.NATSURL != "" {
		publisher, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, events disabled")
		} else {
			svc.publisher = publisher
			svc.closers = append(svc.closers, publisher.Close)
		}
	}
	return svc, nil
}

func runBridge(parent context.Context, flags globalFlags, once bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, ring, err := loadConfig(flags, false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, unix.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.secret != nil {
		go func() {
			if err := svc.secret.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("refresh token file watch stopped")
			}
		}()
	}

	if _, err := svc.crm.EnsureValidToken(ctx); err != nil {
		if remote.IsAuthExpired(err) {
			return fmt.Errorf("crm credentials rejected: %w", err)
		}
		logger.Warn().Err(err).Str("error_kind", remote.Kind(err)).Msg("could not obtain crm token at startup, will retry in the loop")
	}

	loop := bridge.NewLoop(svc.source, svc.crm, svc.store, bridge.Options{
		BotID:               cfg.Source.BotID,
		Interval:            cfg.Loop.PollInterval,
		CycleTimeout:        cfg.Loop.CycleTimeout,
		ConversationTimeout: cfg.Loop.ConversationTimeout,
		ProcessedTTL:        cfg.Store.ProcessedTTL,
		AttachNote:          cfg.CRM.AttachNote,
		SkipDuplicateCheck:  !cfg.CRM.DuplicateCheck,
		SummaryInterval:     cfg.Loop.SummaryInterval,
		Lookback:            cfg.Source.Lookback,
		Recorder:            svc.recorder,
		Events:              svc.publisher,
		Logger:              logger,
	})
	svc.registry.MustRegister(metrics.NewCollector(loop.Counters().Snapshot))

	logger.Info().
		Str("version", version).
		Str("store_mode", string(svc.store.Mode())).
		Str("store_backend", svc.store.BackendName()).
		Msg("casebridge starting")

	if once {
		result := loop.RunCycle(ctx)
		if result.Err != nil && !result.RateLimited {
			return result.Err
		}
		return nil
	}

	server := &http.Server{
		Addr: cfg.Status.Addr,
		Handler: httpapi.NewServer(httpapi.Sources{
			Snapshot:     loop.Counters().Snapshot,
			TokenMetrics: svc.crm.TokenMetrics,
			Logs:         ring,
			StoreMode:    string(svc.store.Mode()),
			StoreBackend: svc.store.BackendName(),
			Version:      version,
		}, httpapi.ServerConfig{
			StatusToken:  cfg.Status.Token,
			RateLimitMax: cfg.Status.RateLimit,
			Gatherer:     svc.registry,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Status.Addr).Msg("status server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return loop.Run(ctx)
}

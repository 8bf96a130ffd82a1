package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/remote"
)

const (
	DefaultProcessedTTL     = 30 * 24 * time.Hour
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 3 * time.Second

	processedKeyPrefix = "processed_conversation:"
	tokenKey           = "crm_access_token"
	counterKeyPrefix   = "counter:"
)

// Mode is the backend variant chosen once when the Store is opened.
type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeInMemory   Mode = "in_memory"
)

// Token is the cached CRM access token. The refresh token is carried for
// callers but never written to the backend.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	APIDomain    string    `json:"api_domain,omitempty"`
}

type Options struct {
	DSN              string
	ProcessedTTL     time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Logger           zerolog.Logger
}

// Store is safe for concurrent use. Every method dispatches on the variant
// picked in Open; callers never see which one is active except via Mode.
type Store struct {
	mode         Mode
	backend      Backend
	logger       zerolog.Logger
	processedTTL time.Duration
	opTimeout    time.Duration

	// shadow keeps writes that failed against a persistent backend so the
	// current process still honors them.
	shadow *MemoryBackend

	countersMu    sync.Mutex
	localCounters map[string]int64
}

// Open connects to the backend named by opts.DSN. If the DSN cannot be
// built or the backend does not answer a ping, it logs one warning and
// returns an in-memory Store instead.
func Open(ctx context.Context, opts Options) *Store {
	logger := opts.Logger.With().Str("component", "statestore").Logger()
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	backend, err := BuildBackendFromDSN(opts.DSN)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = backend.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = backend.Close()
		}
	}
	if err != nil {
		logger.Warn().Err(err).Str("dsn", redactDSN(opts.DSN)).
			Msg("state store unreachable, falling back to in-memory store for this process")
		return newStore(ModeInMemory, NewMemoryBackend(), logger, opts)
	}
	logger.Info().Str("backend", backend.Name()).Msg("state store connected")
	return newStore(ModePersistent, backend, logger, opts)
}

// NewInMemory returns a Store that never leaves the process.
func NewInMemory(logger zerolog.Logger) *Store {
	return newStore(ModeInMemory, NewMemoryBackend(), logger, Options{})
}

// NewWithBackend wraps an already connected backend.
func NewWithBackend(backend Backend, opts Options) *Store {
	return newStore(ModePersistent, backend, opts.Logger.With().Str("component", "statestore").Logger(), opts)
}

func newStore(mode Mode, backend Backend, logger zerolog.Logger, opts Options) *Store {
	ttl := opts.ProcessedTTL
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	return &Store{
		mode:          mode,
		backend:       backend,
		logger:        logger,
		processedTTL:  ttl,
		opTimeout:     opTimeout,
		shadow:        NewMemoryBackend(),
		localCounters: map[string]int64{},
	}
}

func (s *Store) Mode() Mode { return s.mode }

func (s *Store) BackendName() string { return s.backend.Name() }

// IsProcessed never fails: a backend error is logged and reported as false.
func (s *Store) IsProcessed(ctx context.Context, conversationID string) bool {
	key := processedKeyPrefix + conversationID
	if _, ok, _ := s.shadow.Get(ctx, key); ok {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("processed lookup failed, treating conversation as unseen")
		return false
	}
	return ok
}

// MarkProcessed records the conversation for ttl (the store default when
// ttl <= 0). Marking twice is harmless.
func (s *Store) MarkProcessed(ctx context.Context, conversationID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.processedTTL
	}
	key := processedKeyPrefix + conversationID
	value := time.Now().UTC().Format(time.RFC3339)

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.backend.Set(opCtx, key, value, ttl); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("persisting processed marker failed, keeping it in process memory")
		_ = s.shadow.Set(ctx, key, value, ttl)
	}
}

func (s *Store) CachedToken(ctx context.Context) (Token, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	raw, ok, err := s.backend.Get(ctx, tokenKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cached token lookup failed")
		return Token{}, false
	}
	if !ok {
		return Token{}, false
	}
	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		// Older deployments stored the bare token string.
		token = Token{AccessToken: strings.TrimSpace(raw)}
	}
	if token.AccessToken == "" {
		return Token{}, false
	}
	return token, true
}

// SetCachedToken stores token until ttl elapses.
func (s *Store) SetCachedToken(ctx context.Context, token Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.backend.Set(ctx, tokenKey, string(payload), ttl); err != nil {
		s.logger.Warn().Err(err).Msg("caching access token failed")
		return fmt.Errorf("%w: %v", remote.ErrStoreUnavailable, err)
	}
	return nil
}

// IncrementCounter bumps a named counter and returns its new value. When the
// backend fails the in-process tally is returned instead.
func (s *Store) IncrementCounter(ctx context.Context, name string) int64 {
	s.countersMu.Lock()
	s.localCounters[name]++
	local := s.localCounters[name]
	s.countersMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	value, err := s.backend.Incr(ctx, counterKeyPrefix+name)
	if err != nil {
		s.logger.Warn().Err(err).Str("counter", name).Msg("persisting counter failed")
		return local
	}
	return value
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

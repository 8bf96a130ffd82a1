// Package bridge runs the reconciliation loop that turns finished source
// conversations into CRM cases.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/conversation"
	"github.com/agentworkforce/casebridge/internal/crm"
	"github.com/agentworkforce/casebridge/internal/events"
	"github.com/agentworkforce/casebridge/internal/remote"
)

const (
	DefaultInterval            = 30 * time.Second
	DefaultCycleTimeout        = 5 * time.Minute
	DefaultConversationTimeout = 2 * time.Minute
	DefaultSummaryInterval     = 5 * time.Minute
)

// Persisted counter names mirrored into the state store.
const (
	CounterCasesCreated    = "cases_created"
	CounterDuplicatesFound = "duplicates_found"
	CounterSkippedEmpty    = "skipped_empty"
	CounterErrors          = "errors"
	CounterRateLimited     = "rate_limited"
)

// Outcomes reported per conversation.
const (
	OutcomeCreated     = "created"
	OutcomeDuplicate   = "duplicate"
	OutcomeSkipped     = "skipped_empty"
	OutcomeFailed      = "failed"
	OutcomeDeferred    = "deferred"
	OutcomeRateLimited = "rate_limited"
)

type ConversationSource interface {
	ListConversations(ctx context.Context, botID string, since time.Time) ([]conversation.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

type CaseSink interface {
	CreateCaseWithDuplicateCheck(ctx context.Context, in crm.CaseInput) (crm.CaseResult, error)
	CreateCase(ctx context.Context, in crm.CaseInput) (crm.CaseResult, error)
	AttachNote(ctx context.Context, caseID, title, content string) (string, error)
}

type StateStore interface {
	IsProcessed(ctx context.Context, conversationID string) bool
	MarkProcessed(ctx context.Context, conversationID string, ttl time.Duration)
	IncrementCounter(ctx context.Context, name string) int64
}

type Recorder interface {
	ObserveCycle(elapsed time.Duration)
	ObserveConversation(outcome string, elapsed time.Duration)
}

type Options struct {
	BotID               string
	Interval            time.Duration
	CycleTimeout        time.Duration
	ConversationTimeout time.Duration
	ProcessedTTL        time.Duration
	AttachNote          bool
	SkipDuplicateCheck  bool
	SummaryInterval     time.Duration
	Recorder            Recorder
	Events              events.Publisher
	Logger              zerolog.Logger
	Now                 func() time.Time

	// Lookback limits listing to conversations active within the window.
	// Zero lists everything the source returns.
	Lookback time.Duration
}

type CycleResult struct {
	CycleID          string
	Fetched          int
	AlreadyProcessed int
	Created          int
	Duplicates       int
	Skipped          int
	Failed           int
	Deferred         int
	RateLimited      bool
	RetryAfter       time.Duration
	Interrupted      bool
	Err              error
}

type Loop struct {
	source   ConversationSource
	sink     CaseSink
	store    StateStore
	opts     Options
	logger   zerolog.Logger
	counters *Counters
	now      func() time.Time
	running  sync.Mutex
}

func NewLoop(source ConversationSource, sink CaseSink, store StateStore, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.ConversationTimeout <= 0 {
		opts.ConversationTimeout = DefaultConversationTimeout
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = DefaultSummaryInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		source:   source,
		sink:     sink,
		store:    store,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "bridge").Logger(),
		counters: NewCounters(now()),
		now:      now,
	}
}

func (l *Loop) Counters() *Counters { return l.counters }

// Run cycles until ctx is cancelled. Cancellation is honored between
// conversations and during the sleep; the conversation in flight finishes.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Lock()
	defer l.running.Unlock()
	l.counters.setPolling(true)
	defer l.counters.setPolling(false)

	l.logger.Info().
		Str("bot_id", l.opts.BotID).
		Dur("interval", l.opts.Interval).
		Bool("attach_note", l.opts.AttachNote).
		Bool("duplicate_check", !l.opts.SkipDuplicateCheck).
		Msg("reconciliation loop started")

	lastSummary := l.now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logSummary()
			l.logger.Info().Msg("reconciliation loop stopped")
			return nil
		case <-timer.C:
		}

		result := l.RunCycle(ctx)
		if l.now().Sub(lastSummary) >= l.opts.SummaryInterval {
			l.logSummary()
			lastSummary = l.now()
		}
		timer.Reset(l.SleepAfter(result))
	}
}

// SleepAfter is the pause before the next cycle: the configured interval, or
// max(2 x interval, retry-after) after a rate limit.
func (l *Loop) SleepAfter(result CycleResult) time.Duration {
	if !result.RateLimited {
		return l.opts.Interval
	}
	sleep := 2 * l.opts.Interval
	if result.RetryAfter > sleep {
		sleep = result.RetryAfter
	}
	return sleep
}

// RunCycle fetches, filters and processes one batch of conversations.
func (l *Loop) RunCycle(ctx context.Context) CycleResult {
	started := l.now()
	result := CycleResult{CycleID: ulid.Make().String()}
	logger := l.logger.With().Str("cycle_id", result.CycleID).Logger()

	cycleCtx, cancel := context.WithTimeout(ctx, l.opts.CycleTimeout)
	defer cancel()

	var since time.Time
	if l.opts.Lookback > 0 {
		since = started.Add(-l.opts.Lookback)
	}
	conversations, err := l.source.ListConversations(cycleCtx, l.opts.BotID, since)
	if err != nil {
		result.Err = err
		switch {
		case remote.IsRateLimited(err):
			l.rateLimited(ctx, logger, &result, err)
		case ctx.Err() != nil:
			result.Interrupted = true
		default:
			logger.Warn().Err(err).Str("error_kind", remote.Kind(err)).Msg("listing conversations failed")
			l.counters.recordError(err)
		}
		l.finishCycle(logger, &result, started)
		return result
	}
	result.Fetched = len(conversations)

	for _, conv := range conversations {
		if ctx.Err() != nil {
			result.Interrupted = true
			logger.Info().Msg("shutdown requested, leaving remaining conversations for the next run")
			break
		}
		if cycleCtx.Err() != nil {
			logger.Warn().Dur("cycle_timeout", l.opts.CycleTimeout).Msg("cycle timeout reached, deferring remaining conversations")
			break
		}

		outcome, err := l.processConversation(ctx, logger, conv)
		switch outcome {
		case OutcomeCreated:
			result.Created++
		case OutcomeDuplicate:
			result.Duplicates++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFailed:
			result.Failed++
		case OutcomeDeferred:
			result.Deferred++
		case OutcomeRateLimited:
			l.rateLimited(ctx, logger, &result, err)
		case "":
			result.AlreadyProcessed++
		}
		if result.RateLimited {
			break
		}
		if remote.IsAuthExpired(err) {
			result.Err = err
			logger.Error().Err(err).Msg("crm authorization failed after refresh, ending cycle")
			break
		}
	}

	l.finishCycle(logger, &result, started)
	return result
}

// processConversation returns an empty outcome when the conversation was
// already processed.
func (l *Loop) processConversation(parent context.Context, logger zerolog.Logger, conv conversation.Conversation) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.opts.ConversationTimeout)
	defer cancel()
	logger = logger.With().Str("conversation_id", conv.ID).Logger()

	if l.store.IsProcessed(ctx, conv.ID) {
		return "", nil
	}

	started := l.now()
	outcome, err := l.reconcile(ctx, logger, conv)
	l.opts.Recorder.ObserveConversation(outcome, l.now().Sub(started))
	return outcome, err
}

func (l *Loop) reconcile(ctx context.Context, logger zerolog.Logger, conv conversation.Conversation) (string, error) {
	messages, err := l.source.GetMessages(ctx, conv.ID)
	if err != nil {
		return l.fail(ctx, logger, conv, "fetch_messages", err)
	}

	transcript, metrics := conversation.Format(messages)
	if conversation.IsBlank(messages) {
		l.store.MarkProcessed(ctx, conv.ID, l.opts.ProcessedTTL)
		l.counters.skippedEmpty()
		l.store.IncrementCounter(ctx, CounterSkippedEmpty)
		l.opts.Events.Publish(events.Event{
			Type:           events.TypeConversationSkipped,
			ConversationID: conv.ID,
			At:             l.now().UTC(),
		})
		logger.Info().Int("message_count", metrics.MessageCount).Msg("empty conversation skipped")
		return OutcomeSkipped, nil
	}

	input := crm.CaseInput{Conversation: conv, Transcript: transcript, Metrics: metrics}
	var result crm.CaseResult
	if l.opts.SkipDuplicateCheck {
		result, err = l.sink.CreateCase(ctx, input)
	} else {
		result, err = l.sink.CreateCaseWithDuplicateCheck(ctx, input)
	}
	if err != nil {
		return l.fail(ctx, logger, conv, "create_case", err)
	}

	if !result.Created {
		l.store.MarkProcessed(ctx, conv.ID, l.opts.ProcessedTTL)
		l.counters.duplicateFound()
		l.store.IncrementCounter(ctx, CounterDuplicatesFound)
		l.opts.Events.Publish(events.Event{
			Type:           events.TypeCaseDuplicate,
			ConversationID: conv.ID,
			CaseID:         result.ID,
			At:             l.now().UTC(),
		})
		logger.Info().Str("case_id", result.ID).Msg("case already exists for conversation")
		return OutcomeDuplicate, nil
	}

	if l.opts.AttachNote {
		if _, err := l.sink.AttachNote(ctx, result.ID, crm.NoteTitle(result.Subject), transcript); err != nil {
			logger.Warn().Err(err).Str("case_id", result.ID).Str("error_kind", remote.Kind(err)).Msg("attaching transcript note failed")
		}
	}

	l.store.MarkProcessed(ctx, conv.ID, l.opts.ProcessedTTL)
	l.counters.caseCreated(l.now())
	l.store.IncrementCounter(ctx, CounterCasesCreated)
	l.opts.Events.Publish(events.Event{
		Type:           events.TypeCaseCreated,
		ConversationID: conv.ID,
		CaseID:         result.ID,
		Fields: map[string]any{
			"subject":       result.Subject,
			"message_count": metrics.MessageCount,
		},
		At: l.now().UTC(),
	})
	logger.Info().
		Str("case_id", result.ID).
		Int("message_count", metrics.MessageCount).
		Int("character_count", metrics.CharacterCount).
		Msg("case created")
	return OutcomeCreated, nil
}

// fail applies the per-conversation error policy. Permanent errors mark the
// conversation processed so a poison conversation cannot loop forever;
// retry-worthy ones leave it for the next cycle.
func (l *Loop) fail(ctx context.Context, logger zerolog.Logger, conv conversation.Conversation, step string, err error) (string, error) {
	kind := remote.Kind(err)
	if remote.IsRateLimited(err) {
		return OutcomeRateLimited, err
	}

	l.store.IncrementCounter(ctx, CounterErrors)
	event := events.Event{
		Type:           events.TypeConversationFailed,
		ConversationID: conv.ID,
		ErrorKind:      kind,
		Error:          err.Error(),
		Fields:         map[string]any{"step": step},
		At:             l.now().UTC(),
	}

	if remote.IsPermanent(err) {
		l.store.MarkProcessed(ctx, conv.ID, l.opts.ProcessedTTL)
		l.counters.failed(err, true)
		event.Fields["marked_processed"] = true
		l.opts.Events.Publish(event)
		logger.Error().Err(err).Str("step", step).Str("error_kind", kind).Msg("conversation failed permanently, marked processed")
		return OutcomeFailed, err
	}

	l.counters.failed(err, false)
	event.Fields["marked_processed"] = false
	l.opts.Events.Publish(event)
	if remote.IsAuthExpired(err) {
		logger.Error().Err(err).Str("step", step).Str("error_kind", kind).Msg("conversation failed, crm credentials need attention")
	} else {
		logger.Warn().Err(err).Str("step", step).Str("error_kind", kind).Msg("conversation failed, retrying next cycle")
	}
	return OutcomeDeferred, err
}

func (l *Loop) rateLimited(ctx context.Context, logger zerolog.Logger, result *CycleResult, err error) {
	result.RateLimited = true
	result.Err = err
	if retryAfter, ok := remote.RetryAfter(err); ok {
		result.RetryAfter = retryAfter
	}
	l.counters.rateLimitHit(l.now(), err)
	l.store.IncrementCounter(context.WithoutCancel(ctx), CounterRateLimited)
	l.opts.Events.Publish(events.Event{
		Type:      events.TypeSourceRateLimited,
		ErrorKind: remote.Kind(err),
		Error:     err.Error(),
		Fields:    map[string]any{"retry_after_seconds": result.RetryAfter.Seconds()},
		At:        l.now().UTC(),
	})
	logger.Warn().Err(err).Dur("retry_after", result.RetryAfter).Msg("rate limited, backing off")
}

func (l *Loop) finishCycle(logger zerolog.Logger, result *CycleResult, started time.Time) {
	finished := l.now()
	elapsed := finished.Sub(started)
	nextSleep := l.SleepAfter(*result)
	l.counters.cycleFinished(finished, elapsed, nextSleep)
	l.opts.Recorder.ObserveCycle(elapsed)
	l.opts.Events.Publish(events.Event{
		Type: events.TypeCycleCompleted,
		Fields: map[string]any{
			"cycle_id":          result.CycleID,
			"fetched":           result.Fetched,
			"created":           result.Created,
			"duplicates":        result.Duplicates,
			"skipped":           result.Skipped,
			"failed":            result.Failed,
			"deferred":          result.Deferred,
			"rate_limited":      result.RateLimited,
			"duration_seconds":  elapsed.Seconds(),
			"next_poll_seconds": nextSleep.Seconds(),
		},
		At: finished.UTC(),
	})
	event := logger.Info()
	if result.Failed > 0 || result.Deferred > 0 {
		event = logger.Warn()
	}
	event.
		Int("fetched", result.Fetched).
		Int("already_processed", result.AlreadyProcessed).
		Int("created", result.Created).
		Int("duplicates", result.Duplicates).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("deferred", result.Deferred).
		Bool("rate_limited", result.RateLimited).
		Dur("elapsed", elapsed).
		Dur("next_sleep", nextSleep).
		Msg("cycle completed")
}

func (l *Loop) logSummary() {
	snap := l.counters.Snapshot()
	now := l.now()
	l.logger.Info().
		Int64("cases_created", snap.CasesCreated).
		Int64("duplicates_found", snap.DuplicatesFound).
		Int64("skipped_empty", snap.SkippedEmpty).
		Int64("errors", snap.Errors).
		Int64("rate_limited", snap.RateLimited).
		Int64("cycles", snap.Cycles).
		Float64("conversion_ratio", snap.ConversionRatio()).
		Float64("processed_per_hour", snap.ProcessingRatePerHour(now)).
		Dur("uptime", snap.Uptime(now)).
		Msg("business metrics summary")
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(time.Duration)                {}
func (nopRecorder) ObserveConversation(string, time.Duration) {}

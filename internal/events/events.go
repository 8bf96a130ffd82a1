// Package events publishes reconciliation outcomes to NATS for downstream
// dashboards. Publishing never blocks the caller; events are dropped when
// the buffer is full.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	TypeCaseCreated         = "case.created"
	TypeCaseDuplicate       = "case.duplicate"
	TypeConversationSkipped = "conversation.skipped"
	TypeConversationFailed  = "conversation.failed"
	TypeCycleCompleted      = "cycle.completed"
	TypeSourceRateLimited   = "source.rate_limited"
)

const (
	defaultBufferSize    = 256
	defaultSubjectPrefix = "casebridge"
	natsReconnectWait    = 2 * time.Second
	natsDrainTimeout     = 5 * time.Second
)

type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	CaseID         string         `json:"case_id,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	Error          string         `json:"error,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	At             time.Time      `json:"at"`
}

type Publisher interface {
	Publish(Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	conn    Conn
	prefix  string
	logger  zerolog.Logger
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
	closing sync.Once

	// mu orders sends against close(queue).
	mu     sync.RWMutex
	closed bool
}

// Connect dials url and returns a running publisher. The connection keeps
// reconnecting in the background, so a NATS outage only drops events.
func Connect(url, subjectPrefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("casebridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DrainTimeout(natsDrainTimeout),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(conn, subjectPrefix, 0, logger), nil
}

func NewNATSPublisher(conn Conn, subjectPrefix string, bufferSize int, logger zerolog.Logger) *NATSPublisher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	prefix := strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	p := &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "events").Logger(),
		queue:  make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *NATSPublisher) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
	}
}

func (p *NATSPublisher) Dropped() int64 { return p.dropped.Load() }

// Close flushes queued events and drains the connection.
func (p *NATSPublisher) Close() error {
	var err error
	p.closing.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		err = p.conn.Drain()
	})
	return err
}

func (p *NATSPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.Debug().Err(err).Str("type", event.Type).Msg("encoding event failed")
			continue
		}
		if err := p.conn.Publish(p.prefix+"."+event.Type, payload); err != nil {
			p.dropped.Add(1)
			p.logger.Debug().Err(err).Str("type", event.Type).Msg("publishing event failed")
		}
	}
}

// Package logring keeps the most recent log records in memory so the status
// server can show them without shipping logs anywhere.
package logring

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultCapacity = 200

type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring is an io.Writer for zerolog JSON output. Tee it next to the primary
// writer with zerolog.MultiLevelWriter.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.add(parse(p))
	return len(p), nil
}

func (r *Ring) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	entry := parse(p)
	if entry.Level == "" {
		entry.Level = level.String()
	}
	r.add(entry)
	return len(p), nil
}

// Recent returns up to limit entries, newest first. A non-empty level keeps
// entries at or above that severity.
func (r *Ring) Recent(limit int, level string) []Entry {
	minLevel := zerolog.TraceLevel
	if strings.TrimSpace(level) != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			minLevel = parsed
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.next
	if r.full {
		count = len(r.entries)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < count && len(out) < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		entry := r.entries[idx]
		if lvl, err := zerolog.ParseLevel(entry.Level); err == nil && lvl < minLevel {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (r *Ring) add(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func parse(p []byte) Entry {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return Entry{Time: time.Now().UTC(), Message: strings.TrimSpace(string(p))}
	}
	entry := Entry{Time: time.Now().UTC()}
	if v, ok := raw[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
		delete(raw, zerolog.LevelFieldName)
	}
	if v, ok := raw[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
		delete(raw, zerolog.MessageFieldName)
	}
	if v, ok := raw[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.Time = ts.UTC()
		}
		delete(raw, zerolog.TimestampFieldName)
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry
}

package statestore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryBackend is the in-process map used for tests and as the fallback
// when the configured backend is unreachable at startup.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]memoryEntry{}, now: time.Now}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.liveEntry(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, _ := b.liveEntry(key)
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		current = 0
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	b.entries[key] = entry
	return current, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// liveEntry drops the key if it has expired. Callers hold b.mu.
func (b *MemoryBackend) liveEntry(key string) (memoryEntry, bool) {
	entry, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !b.now().Before(entry.expiresAt) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

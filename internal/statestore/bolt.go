package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("casebridge")

type boltRecord struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// BoltBackend is a single-file embedded store for deployments without Redis.
// The file is opened lazily on first use.
type BoltBackend struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	db *bolt.DB
}

func NewBoltBackend(path string) *BoltBackend {
	return &BoltBackend{path: path, now: time.Now}
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Ping(context.Context) error {
	_, err := b.open()
	return err
}

func (b *BoltBackend) Get(_ context.Context, key string) (string, bool, error) {
	db, err := b.open()
	if err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		record, ok := b.decode(raw)
		if !ok {
			return nil
		}
		value, found = record.Value, true
		return nil
	})
	return value, found, err
}

func (b *BoltBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	record := boltRecord{Value: value}
	if ttl > 0 {
		record.ExpiresAt = b.now().Add(ttl).UnixNano()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), payload)
	})
}

func (b *BoltBackend) Incr(_ context.Context, key string) (int64, error) {
	db, err := b.open()
	if err != nil {
		return 0, err
	}
	var next int64
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		var current int64
		if raw := bucket.Get([]byte(key)); raw != nil {
			if record, ok := b.decode(raw); ok {
				current, _ = strconv.ParseInt(record.Value, 10, 64)
			}
		}
		next = current + 1
		payload, err := json.Marshal(boltRecord{Value: strconv.FormatInt(next, 10)})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), payload)
	})
	return next, err
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *BoltBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BoltBackend) open() (*bolt.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	if b.path == "" {
		return nil, ErrInvalidDSN
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *BoltBackend) decode(raw []byte) (boltRecord, bool) {
	var record boltRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return boltRecord{}, false
	}
	if record.ExpiresAt > 0 && b.now().UnixNano() >= record.ExpiresAt {
		return boltRecord{}, false
	}
	return record, true
}

// Package idempotency deduplicates retried writes that carry a client
// supplied idempotency key, replaying the first successful response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/store"
)

// Defaults for record lifetimes and lock contention.
const (
	DefaultKeyPrefix      = "idempotency:"
	DefaultRecordTTL      = time.Hour
	DefaultLockTTL        = 5 * time.Minute
	DefaultContentionWait = 100 * time.Millisecond
	DefaultMaxBodyBytes   = 1 << 20

	lockSuffix = ":lock"
)

// Header names read by ExtractKey, in order of preference.
const (
	HeaderIdempotencyKey          = "X-Idempotency-Key"
	HeaderIdempotencyKeyAlternate = "Idempotency-Key"
)

// transportHeaders are never stored with a record.
var transportHeaders = map[string]struct{}{
	"content-length":    {},
	"content-encoding":  {},
	"transfer-encoding": {},
}

// Recorder receives one call per idempotent request with its outcome.
type Recorder interface {
	RecordIdempotency(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordIdempotency(string) {}

// Store keeps response records and in-flight locks for idempotency keys in
// the shared store. A record, once written, is authoritative: a lock left
// behind by a crashed request never blocks a replay.
type Store struct {
	store          store.Store
	prefix         string
	recordTTL      time.Duration
	lockTTL        time.Duration
	contentionWait time.Duration
	maxBodyBytes   int64
	now            func() time.Time
	logger         *zap.Logger
	recorder       Recorder
}

// NewStore creates a Store over st.
func NewStore(st store.Store, opts ...Option) *Store {
	s := &Store{
		store:          st,
		prefix:         DefaultKeyPrefix,
		recordTTL:      DefaultRecordTTL,
		lockTTL:        DefaultLockTTL,
		contentionWait: DefaultContentionWait,
		maxBodyBytes:   DefaultMaxBodyBytes,
		now:            time.Now,
		logger:         zap.NewNop(),
		recorder:       nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(key string) string {
	return s.prefix + key
}

func (s *Store) lockKey(key string) string {
	return s.recordKey(key) + lockSuffix
}

// GetCachedResponse returns the record for key, or nil when none is stored.
func (s *Store) GetCachedResponse(ctx context.Context, key string) (*core.Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	data, err := s.store.Get(ctx, s.recordKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", key, err)
	}

	var record core.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCorruptRecord, key, err)
	}
	return &record, nil
}

// TryAcquire creates the in-flight lock for key. It returns false when
// another request already holds it. The lock expires on its own after the
// lock TTL, so a crashed holder cannot block the key forever.
func (s *Store) TryAcquire(ctx context.Context, key string, meta core.RequestMeta) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encode lock metadata: %w", err)
	}

	acquired, err := s.store.SetIfAbsent(ctx, s.lockKey(key), data, s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return acquired, nil
}

// CacheResponse stores the response for key with the record TTL.
// Transport headers are dropped. Callers decide which responses to cache;
// the request protocol only caches 2xx results.
func (s *Store) CacheResponse(ctx context.Context, key string, statusCode int, headers map[string]string, body []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	record := core.Record{
		StatusCode: statusCode,
		Headers:    make(map[string]string, len(headers)),
		Body:       body,
		CachedAt:   s.now(),
	}
	for name, value := range headers {
		if _, skip := transportHeaders[strings.ToLower(name)]; skip {
			continue
		}
		record.Headers[name] = value
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := s.store.SetWithExpiry(ctx, s.recordKey(key), data, s.recordTTL); err != nil {
		return fmt.Errorf("cache response %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes both the record and the lock for key.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if _, err := s.store.Delete(ctx, s.recordKey(key)); err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	if _, err := s.store.Delete(ctx, s.lockKey(key)); err != nil {
		return fmt.Errorf("delete lock %q: %w", key, err)
	}
	return nil
}

// LockMetadata returns the metadata saved by the request holding the lock,
// or nil when no lock exists. The body hash lets a caller detect a key
// reused with a different payload.
func (s *Store) LockMetadata(ctx context.Context, key string) (*core.RequestMeta, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	data, err := s.store.Get(ctx, s.lockKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %q: %w", key, err)
	}

	var meta core.RequestMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: lock %q: %v", ErrCorruptRecord, key, err)
	}
	return &meta, nil
}

// ExtractKey returns the trimmed idempotency key of r, or "" when the
// request carries none.
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKeyAlternate))
}

// BodyHash returns the hex SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

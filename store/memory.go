package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/yourusername/fencekit/core"
)

type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindList
	kindZSet
)

// entry is one key with its expiry metadata.
type entry struct {
	kind      entryKind
	str       []byte
	hash      map[string]string
	list      []string
	zset      map[string]int64 // member -> visible-at (unix ms)
	expiresAt time.Time        // zero = no expiry
}

// MemoryStore is a single-process Store for tests and local development.
// All operations take one mutex, which gives the same per-key atomicity the
// Redis implementation gets from the server.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for key expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired.
// MUST be called with s.mu locked.
func (s *MemoryStore) lookup(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// lookupKind is lookup with a type check.
// MUST be called with s.mu locked.
func (s *MemoryStore) lookupKind(key string, kind entryKind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get retrieves the value stored at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindString)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.str...), nil
}

// SetWithExpiry stores value at key, replacing whatever was there.
func (s *MemoryStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{
		kind:      kindString,
		str:       append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) == nil {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// SetIfAbsent stores value only when key does not exist.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.entries[key] = &entry{
		kind:      kindString,
		str:       append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return true, nil
}

// Expire resets the expiry of key.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.entries, key)
		return true, nil
	}
	e.expiresAt = s.expiry(ttl)
	return true, nil
}

// HashGetAll returns a copy of the hash at key, empty when absent.
func (s *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e == nil {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

// HashSetFields merges fields into the hash at key.
func (s *MemoryStore) HashSetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hashSetLocked(key, fields, ttl)
}

// hashSetLocked MUST be called with s.mu locked.
func (s *MemoryStore) hashSetLocked(key string, fields map[string]string, ttl time.Duration) error {
	e, err := s.lookupKind(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.entries[key] = e
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expiresAt = s.expiry(ttl)
	}
	return nil
}

// KeysMatching returns the keys matching a Redis-style glob pattern, sorted.
// Like Redis, * and ? match any character including '/'.
func (s *MemoryStore) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	// No separators: keys are flat strings, not paths
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.entries {
		if s.lookup(key) == nil {
			continue
		}
		if g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListPush prepends value to the list at key and returns the new length.
func (s *MemoryStore) ListPush(ctx context.Context, key string, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindList}
		s.entries[key] = e
	}
	e.list = append([]string{value}, e.list...)
	return int64(len(e.list)), nil
}

// ListRange returns elements start..stop inclusive; negative indexes count
// from the end like Redis LRANGE.
func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []string{}, nil
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	return append([]string(nil), e.list[start:stop+1]...), nil
}

// ListLen returns the length of the list at key.
func (s *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// TakeTokens runs the token bucket decision under the store lock.
func (s *MemoryStore) TakeTokens(ctx context.Context, key string, policy core.Config, n float64, now time.Time, ttl time.Duration) (core.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindHash)
	if err != nil {
		return core.CheckResult{}, err
	}

	var state *core.BucketState
	if e != nil {
		state, err = core.DecodeState(e.hash)
		if err != nil {
			return core.CheckResult{}, err
		}
	}

	newState, result := core.NewTokenBucket(policy).Take(state, n, now)
	if err := s.hashSetLocked(key, core.EncodeState(newState), ttl); err != nil {
		return core.CheckResult{}, err
	}
	return result, nil
}

// Schedule sets the visibility time of member.
func (s *MemoryStore) Schedule(ctx context.Context, key, member string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindZSet, zset: make(map[string]int64)}
		s.entries[key] = e
	}
	e.zset[member] = at.UnixMilli()
	return nil
}

// Unschedule removes member.
func (s *MemoryStore) Unschedule(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil || e == nil {
		return false, err
	}
	if _, ok := e.zset[member]; !ok {
		return false, nil
	}
	delete(e.zset, member)
	if len(e.zset) == 0 {
		delete(s.entries, key)
	}
	return true, nil
}

// ClaimDue leases the earliest visible member.
func (s *MemoryStore) ClaimDue(ctx context.Context, key string, now, leaseUntil time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", ErrNotFound
	}

	nowMs := now.UnixMilli()
	best, bestAt := "", int64(math.MaxInt64)
	for member, at := range e.zset {
		if at > nowMs {
			continue
		}
		// Ties broken by member so the order matches ZRANGEBYSCORE.
		if at < bestAt || (at == bestAt && member < best) {
			best, bestAt = member, at
		}
	}
	if bestAt == math.MaxInt64 {
		return "", ErrNotFound
	}

	e.zset[best] = leaseUntil.UnixMilli()
	return best, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Cleanup removes expired keys and returns how many were dropped.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if s.lookup(key) == nil {
			removed++
		}
	}
	return removed
}

// Count returns the number of live keys.
func (s *MemoryStore) Count() int {
	s.Cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartBackgroundCleanup starts a goroutine that periodically drops expired keys.
// Call the returned function to stop the cleanup goroutine.
func (s *MemoryStore) StartBackgroundCleanup(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Package memory is an in-process Store used by tests and single-process
// setups. It follows Redis list/set/string semantics closely enough for the
// engine's purposes, including key expiry against an injectable clock.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BranchIntl/goresque/errors"
)

// MemoryStore implements store.Store using in-memory maps
type MemoryStore struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	sets    map[string]map[string]struct{}
	strings map[string][]byte
	expires map[string]time.Time
	changed chan struct{}
	closed  bool
	now     func() time.Time
}

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithClock overrides the clock used for key expiry
func WithClock(now func() time.Time) Option {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewStore creates a new in-memory store
func NewStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		lists:   make(map[string][][]byte),
		sets:    make(map[string]map[string]struct{}),
		strings: make(map[string][]byte),
		expires: make(map[string]time.Time),
		changed: make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close marks the store closed; later calls fail with ErrNotConnected
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// must be called with mu held
func (m *MemoryStore) check() error {
	if m.closed {
		return errors.ErrNotConnected
	}
	return nil
}

// must be called with mu held
func (m *MemoryStore) expire(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		delete(m.expires, key)
		delete(m.strings, key)
		delete(m.lists, key)
		delete(m.sets, key)
	}
}

// must be called with mu held
func (m *MemoryStore) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Push appends value to the tail of the list at key
func (m *MemoryStore) Push(ctx context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}
	m.expire(key)

	m.lists[key] = append(m.lists[key], append([]byte(nil), value...))
	m.notify()
	return int64(len(m.lists[key])), nil
}

// Pop removes the head of the list at key
func (m *MemoryStore) Pop(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	return m.popLocked(key), nil
}

func (m *MemoryStore) popLocked(key string) []byte {
	m.expire(key)
	items := m.lists[key]
	if len(items) == 0 {
		return nil
	}
	head := items[0]
	if len(items) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = items[1:]
	}
	return head
}

// BlockingPop waits for an element on any of keys, checked in order
func (m *MemoryStore) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if err := m.check(); err != nil {
			m.mu.Unlock()
			return "", nil, err
		}
		for _, key := range keys {
			if v := m.popLocked(key); v != nil {
				m.mu.Unlock()
				return key, v, nil
			}
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return "", nil, nil
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// Rotate moves the tail of src onto the head of dst
func (m *MemoryStore) Rotate(ctx context.Context, src, dst string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(src)
	m.expire(dst)

	items := m.lists[src]
	if len(items) == 0 {
		return nil, nil
	}
	tail := items[len(items)-1]
	if len(items) == 1 {
		delete(m.lists, src)
	} else {
		m.lists[src] = items[:len(items)-1]
	}
	m.lists[dst] = append([][]byte{tail}, m.lists[dst]...)
	m.notify()
	return tail, nil
}

// Length returns the length of the list at key
func (m *MemoryStore) Length(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}
	m.expire(key)
	return int64(len(m.lists[key])), nil
}

// Range returns list elements between start and stop inclusive, Redis style
func (m *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)

	items := m.lists[key]
	lo, hi, ok := bounds(int64(len(items)), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range items[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// Trim keeps only the elements between start and stop inclusive
func (m *MemoryStore) Trim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)

	items := m.lists[key]
	lo, hi, ok := bounds(int64(len(items)), start, stop)
	if !ok {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([][]byte(nil), items[lo:hi+1]...)
	return nil
}

func bounds(n, start, stop int64) (int64, int64, bool) {
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
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// SetAdd adds member to the set at key
func (m *MemoryStore) SetAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	m.sets[key][member] = struct{}{}
	return nil
}

// SetRemove removes member from the set at key
func (m *MemoryStore) SetRemove(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	delete(m.sets[key], member)
	if len(m.sets[key]) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SetMembers returns the members of the set at key, sorted
func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SetIsMember reports whether member is in the set at key
func (m *MemoryStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

// Get returns the string value at key
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	v, ok := m.strings[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set stores value at key and clears any expiry, like Redis SET
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.strings[key] = append([]byte(nil), value...)
	delete(m.expires, key)
	return nil
}

// Delete removes keys of any type and returns how many existed
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		m.expire(key)
		if m.existsLocked(key) {
			n++
		}
		delete(m.strings, key)
		delete(m.lists, key)
		delete(m.sets, key)
		delete(m.expires, key)
	}
	return n, nil
}

func (m *MemoryStore) existsLocked(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if len(m.lists[key]) > 0 {
		return true
	}
	return len(m.sets[key]) > 0
}

// Exists reports whether key holds a value of any type
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	return m.existsLocked(key), nil
}

// Expire sets a time-to-live on key
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	if m.existsLocked(key) {
		m.expires[key] = m.now().Add(ttl)
	}
	return nil
}

// TTL returns the remaining time-to-live of key, or -1 if none is set
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(key)
	at, ok := m.expires[key]
	if !ok {
		return -1
	}
	return at.Sub(m.now())
}

// Keys returns every live key starting with prefix, sorted
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		m.expire(key)
		if m.existsLocked(key) && strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	for key := range m.strings {
		collect(key)
	}
	for key := range m.lists {
		collect(key)
	}
	for key := range m.sets {
		collect(key)
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Incr increments the integer stored at key
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}
	m.expire(key)
	var n int64
	if v, ok := m.strings[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, errors.NewStoreError("incr", key, err)
		}
		n = parsed
	}
	n++
	m.strings[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

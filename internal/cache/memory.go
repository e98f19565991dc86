package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// tag index keys are "<tag>\x00<key>" so one tag's entries are contiguous.
const tagSep = "\x00"

type memEntry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryMedium is a process-local Medium. Tag invalidation walks only the
// tag's range of an ordered index rather than every entry.
type MemoryMedium struct {
	mu      sync.Mutex
	entries map[string]memEntry
	index   *btree.Map[string, struct{}]
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type MemoryOption func(*MemoryMedium)

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryMedium) { m.now = now }
}

// WithJanitor sweeps expired entries every interval until Close.
func WithJanitor(interval time.Duration) MemoryOption {
	return func(m *MemoryMedium) {
		if interval <= 0 {
			return
		}
		go m.janitor(interval)
	}
}

func NewMemoryMedium(opts ...MemoryOption) *MemoryMedium {
	m := &MemoryMedium{
		entries: make(map[string]memEntry),
		index:   btree.NewMap[string, struct{}](32),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryMedium) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.removeLocked(key, e)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryMedium) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.removeLocked(key, old)
	}

	e := memEntry{value: append([]byte(nil), value...), tags: append([]string(nil), tags...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	for _, tag := range tags {
		m.index.Set(tag+tagSep+key, struct{}{})
	}
	return nil
}

func (m *MemoryMedium) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		m.removeLocked(key, e)
	}
	return nil
}

func (m *MemoryMedium) InvalidateTag(_ context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := tag + tagSep
	var keys []string
	m.index.Ascend(prefix, func(k string, _ struct{}) bool {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		keys = append(keys, k[len(prefix):])
		return true
	})

	n := 0
	for _, key := range keys {
		if e, ok := m.entries[key]; ok {
			m.removeLocked(key, e)
			n++
		}
		m.index.Delete(prefix + key)
	}
	return n, nil
}

func (m *MemoryMedium) removeLocked(key string, e memEntry) {
	delete(m.entries, key)
	for _, tag := range e.tags {
		m.index.Delete(tag + tagSep + key)
	}
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryMedium) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryMedium) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			m.removeLocked(k, e)
			n++
		}
	}
	return n
}

func (m *MemoryMedium) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryMedium) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

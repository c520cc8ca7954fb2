package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// Memory is the in-process cache backend: bounded entry count with
// oldest-insertion-first eviction plus per-entry TTL. Lookups do not
// refresh an entry's position; the bound is insertion order, not LRU.
type Memory struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion

	hits   atomic.Int64
	misses atomic.Int64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type memEntry struct {
	fingerprint string
	result      models.ConversionResult
	createdAt   time.Time
}

// NewMemory creates a memory cache. A sweepInterval of zero disables the
// background sweep; expired entries are still evicted lazily on lookup.
func NewMemory(ttl time.Duration, maxEntries int, sweepInterval time.Duration) *Memory {
	m := &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	if sweepInterval > 0 && ttl > 0 {
		go m.sweepLoop(sweepInterval)
	} else {
		close(m.sweepDone)
	}
	return m
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, fingerprint string) (*models.ConversionResult, bool, error) {
	if m.ttl <= 0 {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[fingerprint]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	e := el.Value.(*memEntry)
	if time.Since(e.createdAt) > m.ttl {
		m.removeLocked(el)
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	res := e.result
	return &res, true, nil
}

// Put implements Store. Re-inserting an existing fingerprint refreshes
// its creation time and moves it to the newest position.
func (m *Memory) Put(_ context.Context, fingerprint string, res models.ConversionResult) error {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[fingerprint]; ok {
		m.removeLocked(el)
	}
	el := m.order.PushBack(&memEntry{
		fingerprint: fingerprint,
		result:      res,
		createdAt:   time.Now(),
	})
	m.entries[fingerprint] = el

	for m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		m.removeLocked(m.order.Front())
	}
	return nil
}

// Sweep implements Store.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if time.Since(el.Value.(*memEntry).createdAt) > m.ttl {
			m.removeLocked(el)
			evicted++
		}
		el = next
	}
	return evicted, nil
}

// Stats implements Store.
func (m *Memory) Stats(_ context.Context) (models.CacheStats, error) {
	m.mu.Lock()
	entries := int64(m.order.Len())
	m.mu.Unlock()
	return models.CacheStats{
		Entries: entries,
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}, nil
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	select {
	case <-m.sweepDone:
		return nil
	default:
	}
	close(m.sweepStop)
	<-m.sweepDone
	return nil
}

func (m *Memory) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	m.order.Remove(el)
	delete(m.entries, e.fingerprint)
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			_, _ = m.Sweep(context.Background())
		}
	}
}

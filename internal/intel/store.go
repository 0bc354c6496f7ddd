package intel

import (
	"container/list"
	"sync"
	"time"
)

// Registry keeps the intel items currently ingested into the live matcher
type Registry interface {
	Put(in *Intel) error
	Get(id string) (*Intel, bool)
	Delete(id string) error
	All() ([]*Intel, error)
	Len() int
	Close() error
}

// Store is a thread-safe LRU cache of intel items with optional TTL-based expiration
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*list.Element
	lru      *list.List
	cap      int
	ttl      time.Duration
	nowFunc  func() time.Time
	gcTicker *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	intel *Intel
}

// NewStore creates a new intel store with the given capacity.
// A zero ttl keeps items until they are removed or evicted.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = 50000
	}

	s := &Store{
		byID:     make(map[string]*list.Element),
		lru:      list.New(),
		cap:      capacity,
		ttl:      ttl,
		nowFunc:  time.Now,
		gcTicker: time.NewTicker(5 * time.Minute),
		stopCh:   make(chan struct{}),
	}

	// Background GC for expired items
	go s.gcLoop()

	return s
}

func (s *Store) expired(in *Intel) bool {
	return s.ttl > 0 && s.nowFunc().After(in.Timestamp.Add(s.ttl))
}

// Put adds or refreshes an intel item
func (s *Store) Put(in *Intel) error {
	if err := in.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired(in) {
		return nil
	}

	if el, exists := s.byID[in.ID]; exists {
		el.Value.(*entry).intel = in
		s.lru.MoveToFront(el)
		return nil
	}

	if s.lru.Len() >= s.cap {
		s.evictLRU()
	}

	el := s.lru.PushFront(&entry{intel: in})
	s.byID[in.ID] = el
	return nil
}

// Get returns the intel item with the given id if present and not expired
func (s *Store) Get(id string) (*Intel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.byID[id]
	if !ok {
		return nil, false
	}

	in := el.Value.(*entry).intel
	if s.expired(in) {
		return nil, false
	}
	return in, true
}

// Delete removes an intel item; unknown ids are ignored
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byID[id]; ok {
		delete(s.byID, id)
		s.lru.Remove(el)
	}
	return nil
}

// All returns the live items, most recently used first
func (s *Store) All() ([]*Intel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Intel, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		in := el.Value.(*entry).intel
		if !s.expired(in) {
			out = append(out, in)
		}
	}
	return out, nil
}

// Len returns the number of stored items, expired ones included until the next GC
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

// Close stops the background GC loop
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.gcTicker.Stop()
	})
	return nil
}

// evictLRU evicts the least recently used item (caller must hold lock)
func (s *Store) evictLRU() {
	back := s.lru.Back()
	if back == nil {
		return
	}

	delete(s.byID, back.Value.(*entry).intel.ID)
	s.lru.Remove(back)
}

func (s *Store) gcLoop() {
	for {
		select {
		case <-s.gcTicker.C:
			s.gc()
		case <-s.stopCh:
			return
		}
	}
}

// gc removes expired items
func (s *Store) gc() {
	if s.ttl <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		in := el.Value.(*entry).intel

		if s.expired(in) {
			delete(s.byID, in.ID)
			s.lru.Remove(el)
		}

		el = next
	}
}

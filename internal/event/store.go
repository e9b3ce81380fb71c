package event

import (
	"context"
	"fmt"
	"sync"
)

// Filter narrows Store.All. False positives are hidden unless asked for.
type Filter struct {
	Types                 []string
	IncludeFalsePositives bool
}

func (f Filter) match(e *Event) bool {
	if e.FalsePositive() && !f.IncludeFalsePositives {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Reader is the read-only view of a scan's events.
type Reader interface {
	Get(hash string) (*Event, bool)
	All(f Filter) []*Event
	Children(hash string) []*Event
	Len() int
}

// Store is an append-only event store for one scan. Implementations must accept
// concurrent Put calls.
type Store interface {
	Reader
	Put(ctx context.Context, e *Event) error
	SetFalsePositive(hash string, fp bool) error
	Close() error
}

// MemoryStore keeps a scan's events in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	order    []*Event
	byHash   map[string]*Event
	children map[string][]*Event
}

// NewMemoryStore allocates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:   make(map[string]*Event),
		children: make(map[string][]*Event),
	}
}

// Put inserts e. Its source, if any, must already be stored.
func (s *MemoryStore) Put(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[e.Hash]; ok {
		return fmt.Errorf("put %s: %w", e.Hash, ErrDuplicateHash)
	}
	if e.SourceHash != "" {
		src, ok := s.byHash[e.SourceHash]
		if !ok {
			return fmt.Errorf("put %s (source %s): %w", e.Hash, e.SourceHash, ErrUnknownSource)
		}
		if e.Source == nil {
			e.Source = src
		}
		s.children[e.SourceHash] = append(s.children[e.SourceHash], e)
	}
	s.byHash[e.Hash] = e
	s.order = append(s.order, e)
	return nil
}

func (s *MemoryStore) Get(hash string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHash[hash]
	return e, ok
}

// All returns matching events in insertion order.
func (s *MemoryStore) All(f Filter) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.order))
	for _, e := range s.order {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) Children(hash string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kids := s.children[hash]
	out := make([]*Event, len(kids))
	copy(out, kids)
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// SetFalsePositive flags hash and every descendant of it.
func (s *MemoryStore) SetFalsePositive(hash string, fp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byHash[hash]
	if !ok {
		return fmt.Errorf("false positive %s: %w", hash, ErrEventNotFound)
	}
	stack := []*Event{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur.falsePositive.Store(fp)
		stack = append(stack, s.children[cur.Hash]...)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

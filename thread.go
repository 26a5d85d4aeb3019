package wick

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Thread store defaults.
const (
	DefaultThreadTTL    = time.Hour
	DefaultReapInterval = 5 * time.Minute
)

type threadEntry struct {
	state    *AgentState
	lastUsed time.Time
	busy     bool
}

// ThreadStore keeps per-thread conversation state in memory with TTL
// eviction. Any access refreshes a thread's TTL. It also tracks which
// threads currently have a turn in flight so a second concurrent turn on
// the same thread fails fast.
type ThreadStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*threadEntry
	log     *slog.Logger
	now     func() time.Time
}

// NewThreadStore creates a store with the given TTL (DefaultThreadTTL when
// zero).
func NewThreadStore(ttl time.Duration, log *slog.Logger) *ThreadStore {
	if ttl <= 0 {
		ttl = DefaultThreadTTL
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ThreadStore{
		ttl:     ttl,
		entries: map[string]*threadEntry{},
		log:     log,
		now:     time.Now,
	}
}

// GetOrCreate returns the state for a thread, creating it when absent or
// expired. The same *AgentState is returned for repeated calls within the
// TTL.
func (s *ThreadStore) GetOrCreate(threadID string) *AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[threadID]; ok && now.Sub(e.lastUsed) < s.ttl {
		e.lastUsed = now
		return e.state
	}
	st := NewAgentState(threadID)
	s.entries[threadID] = &threadEntry{state: st, lastUsed: now}
	return st
}

// Get returns the state for a thread if present and unexpired.
func (s *ThreadStore) Get(threadID string) (*AgentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok || s.now().Sub(e.lastUsed) >= s.ttl {
		return nil, false
	}
	e.lastUsed = s.now()
	return e.state, true
}

// Save refreshes a thread's TTL after a turn completes.
func (s *ThreadStore) Save(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[threadID]; ok {
		e.lastUsed = s.now()
	}
}

// Delete removes a thread.
func (s *ThreadStore) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, threadID)
}

// Len reports the number of live threads.
func (s *ThreadStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Acquire marks a thread busy for the duration of a turn. It returns
// ErrThreadBusy when a turn is already in flight on the thread.
func (s *ThreadStore) Acquire(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		e = &threadEntry{state: NewAgentState(threadID), lastUsed: s.now()}
		s.entries[threadID] = e
	}
	if e.busy {
		return ErrThreadBusy
	}
	e.busy = true
	return nil
}

// Release clears a thread's busy mark.
func (s *ThreadStore) Release(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[threadID]; ok {
		e.busy = false
	}
}

// Reap evicts expired idle threads and returns how many were removed.
// Threads with a turn in flight are never evicted.
func (s *ThreadStore) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if !e.busy && now.Sub(e.lastUsed) >= s.ttl {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// StartReaper runs Reap on the given interval (DefaultReapInterval when
// zero) until ctx is cancelled.
func (s *ThreadStore) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.Reap(); n > 0 {
					s.log.Info("reaped expired threads", "count", n)
				}
			}
		}
	}()
}

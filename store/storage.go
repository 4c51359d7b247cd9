// Package store abstracts the shared external key-value store used for
// cross-process replication of ephemeral broker state: presence records,
// rate-limit counters, and rolling message history. It is never a system
// of record; every implementation may lose data without affecting local
// correctness.
package store

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key is not found in the storage.
var ErrNotFound = errors.New("key not found")

// Storage represents the shared external store.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error

	// Increment atomically increments the counter at key, creating it with
	// the given expiry if absent, and returns the new value.
	Increment(key string, exp time.Duration) (int64, error)

	// AppendLog prepends an entry to the rolling log at key, trimming the
	// log to at most maxLen entries (newest first).
	AppendLog(key string, entry []byte, maxLen int64) error

	// ReadLog returns up to n entries from the rolling log, newest first.
	ReadLog(key string, n int64) ([][]byte, error)
}

type memoryEntry struct {
	val []byte
	num int64
	log [][]byte
	exp time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && now.After(e.exp)
}

// MemoryStorage provides an in-memory implementation of the Storage
// interface. It is the single-process fallback used when the shared store
// is unreachable.
type MemoryStorage struct {
	store map[string]memoryEntry
	mu    sync.RWMutex
	done  chan struct{}
	once  sync.Once
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		store: make(map[string]memoryEntry),
		done:  make(chan struct{}),
	}
	go s.pruneLoop()
	return s
}

// Get retrieves a value from the in-memory store.
func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.store[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}

	// Return a copy to prevent accidental mutation of stored data
	valCopy := make([]byte, len(entry.val))
	copy(valCopy, entry.val)
	return valCopy, nil
}

// Set stores a value in the in-memory store.
// If exp is > 0, the entry will be removed after the given duration.
func (s *MemoryStorage) Set(key string, val []byte, exp time.Duration) error {
	var expiresAt time.Time
	if exp > 0 {
		expiresAt = time.Now().Add(exp)
	}

	valCopy := make([]byte, len(val))
	copy(valCopy, val)

	s.mu.Lock()
	s.store[key] = memoryEntry{
		val: valCopy,
		exp: expiresAt,
	}
	s.mu.Unlock()

	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
	return nil
}

// Increment atomically increments a counter, creating it with the given
// expiry on first use within a window.
func (s *MemoryStorage) Increment(key string, exp time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.store[key]
	if !ok || entry.expired(now) {
		entry = memoryEntry{}
		if exp > 0 {
			entry.exp = now.Add(exp)
		}
	}
	entry.num++
	s.store[key] = entry
	return entry.num, nil
}

// AppendLog prepends an entry to a rolling log, keeping at most maxLen entries.
func (s *MemoryStorage) AppendLog(key string, entry []byte, maxLen int64) error {
	entryCopy := make([]byte, len(entry))
	copy(entryCopy, entry)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.store[key]
	e.log = append([][]byte{entryCopy}, e.log...)
	if maxLen > 0 && int64(len(e.log)) > maxLen {
		e.log = e.log[:maxLen]
	}
	s.store[key] = e
	return nil
}

// ReadLog returns up to n log entries, newest first.
func (s *MemoryStorage) ReadLog(key string, n int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.store[key]
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}

	if n <= 0 || n > int64(len(entry.log)) {
		n = int64(len(entry.log))
	}
	out := make([][]byte, n)
	for i := int64(0); i < n; i++ {
		out[i] = make([]byte, len(entry.log[i]))
		copy(out[i], entry.log[i])
	}
	return out, nil
}

// PruneExpired removes expired entries and reports how many were dropped.
// Also invoked by the broker's background maintenance.
func (s *MemoryStorage) PruneExpired() int {
	now := time.Now()
	pruned := 0

	s.mu.Lock()
	for key, entry := range s.store {
		if entry.expired(now) {
			delete(s.store, key)
			pruned++
		}
	}
	s.mu.Unlock()

	return pruned
}

// Close stops the background prune loop.
func (s *MemoryStorage) Close() {
	s.once.Do(func() { close(s.done) })
}

// pruneLoop removes expired entries periodically.
func (s *MemoryStorage) pruneLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.PruneExpired()
		case <-s.done:
			return
		}
	}
}

package livediff

import (
	"fmt"
	"sync"
	"time"
)

// SessionStore provides thread-safe storage for Session instances with TTL
// cleanup. One store typically serves a whole process; each connection gets
// its own Session keyed by connection id.
type SessionStore struct {
	sessions      map[string]*Session
	mu            sync.RWMutex
	maxSessions   int
	defaultTTL    time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// StoreConfig defines SessionStore configuration.
type StoreConfig struct {
	MaxSessions     int           // Maximum sessions to store
	DefaultTTL      time.Duration // Idle TTL for sessions
	CleanupInterval time.Duration // How often to run cleanup
}

// DefaultStoreConfig returns conservative default configuration.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		MaxSessions:     1000,
		DefaultTTL:      1 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewSessionStore creates a SessionStore with automatic cleanup.
func NewSessionStore(config *StoreConfig) *SessionStore {
	if config == nil {
		config = DefaultStoreConfig()
	}

	store := &SessionStore{
		sessions:    make(map[string]*Session),
		maxSessions: config.MaxSessions,
		defaultTTL:  config.DefaultTTL,
		stopCleanup: make(chan struct{}),
	}

	store.cleanupTicker = time.NewTicker(config.CleanupInterval)
	go store.runCleanup()

	return store
}

// Put adds a session under the given connection id.
func (st *SessionStore) Put(id string, session *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.sessions) >= st.maxSessions {
		return fmt.Errorf("livediff: session store at capacity (%d sessions)", st.maxSessions)
	}
	st.sessions[id] = session
	return nil
}

// Get retrieves a live session, refusing expired ones.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	session, exists := st.sessions[id]
	if !exists {
		return nil, fmt.Errorf("livediff: session not found: %s", id)
	}
	if session.IsExpired(st.defaultTTL) {
		return nil, fmt.Errorf("livediff: session expired: %s", id)
	}
	session.touch()
	return session, nil
}

// Remove closes and deletes a session. Returns false when absent.
func (st *SessionStore) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	session, exists := st.sessions[id]
	if !exists {
		return false
	}
	delete(st.sessions, id)
	_ = session.Close()
	return true
}

// Len returns the number of stored sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CleanupExpired closes and removes idle sessions, returning the count.
func (st *SessionStore) CleanupExpired() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := 0
	for id, session := range st.sessions {
		if session.IsExpired(st.defaultTTL) {
			delete(st.sessions, id)
			_ = session.Close()
			count++
		}
	}
	return count
}

// Close stops the cleanup goroutine and closes every stored session.
func (st *SessionStore) Close() error {
	st.stopOnce.Do(func() {
		st.cleanupTicker.Stop()
		close(st.stopCleanup)
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	for id, session := range st.sessions {
		delete(st.sessions, id)
		_ = session.Close()
	}
	return nil
}

func (st *SessionStore) runCleanup() {
	for {
		select {
		case <-st.cleanupTicker.C:
			st.CleanupExpired()
		case <-st.stopCleanup:
			return
		}
	}
}

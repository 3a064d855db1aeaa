package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session is the opaque capability a service init step produces: header
// values, {session.*} placeholder values, and optionally a cookie jar carried
// into uploads. The executor consumes it, never inspects its meaning.
type Session struct {
	Values    map[string]string
	Headers   map[string]string
	Jar       http.CookieJar
	CreatedAt time.Time
}

// InitFunc establishes auth state for one service from the opaque credentials
// supplied with the job.
type InitFunc func(ctx context.Context, creds map[string]string) (*Session, error)

// Store holds per-service session state. Each service gets its own entry with
// its own lock; the store mutex only guards insertion of new entries, so a
// slow re-auth for one service never touches jobs for any other.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.RWMutex
	session *Session
	sf      singleflight.Group
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entry(serviceID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[serviceID]
	if !ok {
		e = &entry{}
		s.entries[serviceID] = e
	}
	return e
}

// Get returns the cached session for a service, or nil. Concurrent readers of
// the same service proceed in parallel.
func (s *Store) Get(serviceID string) *Session {
	e := s.entry(serviceID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// InitIfNeeded returns the cached session or runs init exactly once, no matter
// how many jobs for the service arrive together. Waiters give up when their
// ctx expires; the flight itself keeps running for whoever still wants it.
func (s *Store) InitIfNeeded(ctx context.Context, serviceID string, init InitFunc, creds map[string]string) (*Session, error) {
	e := s.entry(serviceID)

	e.mu.RLock()
	cached := e.session
	e.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	ch := e.sf.DoChan(serviceID, func() (any, error) {
		sess, err := init(context.WithoutCancel(ctx), creds)
		if err != nil {
			return nil, err
		}
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = time.Now()
		}
		e.mu.Lock()
		e.session = sess
		e.mu.Unlock()
		return sess, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached session after an auth failure. The next job for
// the service re-initializes lazily.
func (s *Store) Invalidate(serviceID string) {
	e := s.entry(serviceID)
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
}

// Package session keeps short-lived per-conversation state, such as a
// pending request for an audio file.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/metrics"
)

// TTL is how long a session waits for its input.
const TTL = 5 * time.Minute

const DefaultSweepInterval = time.Minute

var ErrExpired = errors.New("session expired")

type Mode int

const (
	Idle Mode = iota
	AwaitingAudio
)

func (m Mode) String() string {
	switch m {
	case AwaitingAudio:
		return "awaiting_audio"
	default:
		return "idle"
	}
}

type Session struct {
	ConversationID string
	Mode           Mode
	CreatedAt      time.Time
	Params         map[string]string
}

func (s Session) expired(now time.Time) bool {
	return !now.Before(s.CreatedAt.Add(TTL))
}

// Status is the outcome of a lookup.
type Status int

const (
	StatusNone Status = iota
	StatusActive
	StatusExpired
)

// Store is a concurrency-safe map of sessions keyed by conversation. Every
// read that observes an expired entry deletes it in the same critical
// section, so a sweep and a consume never both succeed for one entry.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func NewStore(logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]Session),
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put starts a new session for conversationID, replacing any existing one.
func (s *Store) Put(conversationID string, mode Mode, params map[string]string) Session {
	sess := Session{
		ConversationID: conversationID,
		Mode:           mode,
		CreatedAt:      s.now(),
		Params:         params,
	}
	s.mu.Lock()
	s.sessions[conversationID] = sess
	s.mu.Unlock()
	s.metrics.SessionEvent("created")
	return sess
}

// Get returns the live session, if any. An expired entry is removed and
// reported as StatusExpired once.
func (s *Store) Get(conversationID string) (Session, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return Session{}, StatusNone
	}
	if sess.expired(s.now()) {
		delete(s.sessions, conversationID)
		s.metrics.SessionEvent("expired")
		return sess, StatusExpired
	}
	return sess, StatusActive
}

// Consume removes and returns the live session. It fails with ErrExpired
// when the session ran past its TTL (the entry is removed anyway) and
// reports ok=false when there is nothing to consume.
func (s *Store) Consume(conversationID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return Session{}, false, nil
	}
	delete(s.sessions, conversationID)
	if sess.expired(s.now()) {
		s.metrics.SessionEvent("expired")
		return sess, false, ErrExpired
	}
	s.metrics.SessionEvent("consumed")
	return sess, true, nil
}

// Cancel drops the session and reports whether one existed.
func (s *Store) Cancel(conversationID string) bool {
	s.mu.Lock()
	_, ok := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	s.mu.Unlock()
	if ok {
		s.metrics.SessionEvent("cancelled")
	}
	return ok
}

// Sweep removes every expired session and returns their conversation IDs.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []string
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
			expired = append(expired, id)
			s.metrics.SessionEvent("swept")
		}
	}
	return expired
}

// Len reports the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ids := s.Sweep(); len(ids) > 0 {
				s.logger.Info().Strs("conversations", ids).Int("remaining", s.Len()).Msg("expired sessions swept")
			}
		}
	}
}

package keypoints

import (
	"sync"
	"time"
)

type session struct {
	mu       sync.Mutex
	window   *Window
	lastSeen time.Time
}

// Sessions maps client session IDs to their windows.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	idle     time.Duration
	now      func() time.Time
}

func NewSessions(idle time.Duration) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		idle:     idle,
		now:      time.Now,
	}
}

// Push adds a frame to the session window. When the frame fills the window, Push
// returns its snapshot and empties the window under the same lock, so each window
// is handed out exactly once.
func (s *Sessions) Push(id string, frame []float64) (n int, snapshot Sequence, err error) {
	sess := s.get(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeen = s.now()
	if err := sess.window.Push(frame); err != nil {
		return sess.window.Len(), nil, err
	}
	n = sess.window.Len()
	if sess.window.Full() {
		snapshot = sess.window.Snapshot()
		sess.window.Reset()
	}
	return n, snapshot, nil
}

// Reset drops the session and reports whether it existed.
func (s *Sessions) Reset(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes sessions idle longer than the configured timeout.
func (s *Sessions) Sweep(now time.Time) int {
	if s.idle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		stale := now.Sub(sess.lastSeen) > s.idle
		sess.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Sessions) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{window: NewWindow(), lastSeen: s.now()}
		s.sessions[id] = sess
	}
	return sess
}

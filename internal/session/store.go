// Package session holds per-user session records and their lifecycle.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
)

// Stopper is anything that can be stopped, such as a periodic summary timer.
type Stopper interface {
	Stop()
}

// Session is the per-user workflow record. All fields are guarded by the
// session lock; callers must hold it via Lock/Unlock while reading or writing.
type Session struct {
	UserID      int64
	State       domain.State
	Credentials *domain.Credentials
	Process     domain.Process
	Pending     domain.PendingFields
	Errors      domain.ErrorCounters
	Summary     Stopper
	// SummaryBase is the counter snapshot taken when Summary started.
	SummaryBase domain.ErrorCounters
	CreatedAt   time.Time
	LastSeen    time.Time

	mu sync.Mutex
}

// Lock acquires the session lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// StopSummary stops the periodic summary timer, if any.
func (s *Session) StopSummary() {
	if s.Summary != nil {
		s.Summary.Stop()
		s.Summary = nil
		s.SummaryBase = domain.ErrorCounters{}
	}
}

// KillProcess terminates the live process, stops timers and returns the
// session to idle. It is safe to call repeatedly. It returns the process that
// was killed, or nil when there was none.
func (s *Session) KillProcess() domain.Process {
	proc := s.Process
	if proc != nil {
		proc.Kill()
	}
	s.Process = nil
	s.StopSummary()
	s.State = domain.StateIdle
	return proc
}

// CheckInvariant verifies that a live process exists exactly when the state is
// in the processing superstate.
func (s *Session) CheckInvariant() error {
	if s.State.IsProcessing() && s.Process == nil {
		return fmt.Errorf("state %s requires a process handle", s.State)
	}
	if !s.State.IsProcessing() && s.Process != nil {
		return fmt.Errorf("state %s must not own a process handle", s.State)
	}
	return nil
}

// Record returns the persisted view of the session.
func (s *Session) Record() *domain.SessionRecord {
	return &domain.SessionRecord{
		UserID:     s.UserID,
		State:      s.State,
		HasProcess: s.Process != nil,
		LastSeenAt: s.LastSeen,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// Store maps user ids to sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[int64]*Session),
		now:      time.Now,
		logger:   logger,
	}
}

// GetOrCreate returns the session for userID, creating an idle one on first contact.
func (st *Store) GetOrCreate(userID int64) *Session {
	st.mu.RLock()
	s, ok := st.sessions[userID]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[userID]; ok {
		return s
	}

	now := st.now()
	s = &Session{
		UserID:    userID,
		State:     domain.StateIdle,
		CreatedAt: now,
		LastSeen:  now,
	}
	st.sessions[userID] = s
	st.logger.Info("Session created", "user_id", userID)
	return s
}

// Acquire returns the locked session for userID, creating it if needed, and
// marks it as seen. The caller must Unlock it. The returned session is
// guaranteed to still be registered in the store at the time it is locked.
func (st *Store) Acquire(userID int64) *Session {
	for {
		s := st.GetOrCreate(userID)
		s.Lock()
		if cur, ok := st.Get(userID); ok && cur == s {
			s.LastSeen = st.now()
			return s
		}
		s.Unlock()
	}
}

// Get returns the session for userID if it exists.
func (st *Store) Get(userID int64) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[userID]
	return s, ok
}

// All returns every session currently held.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ActiveCount returns the number of sessions that are not idle.
func (st *Store) ActiveCount() int {
	n := 0
	for _, s := range st.All() {
		s.Lock()
		if s.State != domain.StateIdle {
			n++
		}
		s.Unlock()
	}
	return n
}

// Records returns a snapshot of every session's persisted view.
func (st *Store) Records() []*domain.SessionRecord {
	sessions := st.All()
	out := make([]*domain.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		s.Lock()
		out = append(out, s.Record())
		s.Unlock()
	}
	return out
}

// Evict removes a session and kills any live process it owns.
func (st *Store) Evict(userID int64) {
	st.mu.Lock()
	s, ok := st.sessions[userID]
	delete(st.sessions, userID)
	st.mu.Unlock()
	if !ok {
		return
	}

	s.Lock()
	s.KillProcess()
	s.Unlock()
	st.logger.Info("Session evicted", "user_id", userID)
}

// EvictExpired removes idle sessions not seen within ttl and returns their ids.
// Sessions that own a live process are never evicted. Each candidate is
// re-checked under its own lock so a user returning mid-sweep is kept.
func (st *Store) EvictExpired(ttl time.Duration) []int64 {
	threshold := st.now().Add(-ttl)
	var evicted []int64
	for _, s := range st.All() {
		s.Lock()
		if s.Process == nil && s.State == domain.StateIdle && s.LastSeen.Before(threshold) {
			st.mu.Lock()
			if st.sessions[s.UserID] == s {
				delete(st.sessions, s.UserID)
				evicted = append(evicted, s.UserID)
			}
			st.mu.Unlock()
		}
		s.Unlock()
	}
	return evicted
}

package session

import (
	"time"
)

// Session is a two-party coordination record. The participant order fixes who
// "the other side" is but carries no authorization meaning.
type Session struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time

	timer *time.Timer
}

// Has reports whether identity is one of the two participants.
func (s *Session) Has(identity string) bool {
	return s.Participants[0] == identity || s.Participants[1] == identity
}

// Other returns the participant that is not identity, false if identity is not
// a participant at all.
func (s *Session) Other(identity string) (string, bool) {
	switch identity {
	case s.Participants[0]:
		return s.Participants[1], true
	case s.Participants[1]:
		return s.Participants[0], true
	}
	return "", false
}

// Store owns every live session and its expiry timer. Like the connection
// registry it is confined to the relay's event loop; the only concurrency is
// the expiry callback, which fires on a timer goroutine and must hop back onto
// the loop before touching the store again.
type Store struct {
	ttl      time.Duration
	sessions map[string]*Session
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Create claims id for a new session between a and b and starts the fixed
// expiry timer. It returns nil if id already names a live session or if a and
// b are the same identity. onExpire receives the session itself so the caller
// can detect a stale fire after the id has been destroyed and reused.
func (st *Store) Create(id, a, b string, onExpire func(*Session)) *Session {
	if _, exists := st.sessions[id]; exists {
		return nil
	}
	if a == b {
		return nil
	}
	sess := &Session{
		ID:           id,
		Participants: [2]string{a, b},
		CreatedAt:    time.Now(),
	}
	sess.timer = time.AfterFunc(st.ttl, func() {
		onExpire(sess)
	})
	st.sessions[id] = sess
	return sess
}

// Get returns the live session named id, or nil.
func (st *Store) Get(id string) *Session {
	return st.sessions[id]
}

// IsParticipant reports whether identity belongs to the live session id.
// A session that does not exist has no participants.
func (st *Store) IsParticipant(id, identity string) bool {
	sess, ok := st.sessions[id]
	return ok && sess.Has(identity)
}

// OtherParticipant returns the other member of session id, false if the
// session does not exist or identity is not a participant.
func (st *Store) OtherParticipant(id, identity string) (string, bool) {
	sess, ok := st.sessions[id]
	if !ok {
		return "", false
	}
	return sess.Other(identity)
}

// Destroy cancels the expiry timer and removes the session, returning the
// destroyed record for outbound notifications. Destroying an id twice is a
// safe no-op the second time; the id is free for reuse afterwards.
func (st *Store) Destroy(id string) *Session {
	sess, ok := st.sessions[id]
	if !ok {
		return nil
	}
	sess.timer.Stop()
	delete(st.sessions, id)
	return sess
}

// ForParticipant returns every live session identity belongs to. Used on
// disconnect, when all of a peer's sessions are torn down at once.
func (st *Store) ForParticipant(identity string) []*Session {
	var out []*Session
	for _, sess := range st.sessions {
		if sess.Has(identity) {
			out = append(out, sess)
		}
	}
	return out
}

func (st *Store) Len() int {
	return len(st.sessions)
}

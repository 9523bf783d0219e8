package api

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/chat"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// session is one in-memory conversation. turn serializes whole
// respond and consent exchanges; mu guards messages for readers.
type session struct {
	turn sync.Mutex

	mu       sync.RWMutex
	messages []chat.Message
}

// Messages returns a copy of the session's messages.
func (s *session) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Message(nil), s.messages...)
}

func (s *session) append(msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// update applies fn to the message with id and reports whether it was
// found. last is true when the message is the newest in the session.
func (s *session) update(id string, fn func(m *chat.Message, last bool) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			return true, fn(&s.messages[i], i == len(s.messages)-1)
		}
	}
	return false, nil
}

// SessionStore keeps conversations in process memory. Nothing
// survives a restart.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session)}
}

// Open returns the session for id, creating it if needed. An empty id
// creates a session with a fresh ID.
func (st *SessionStore) Open(id string) (string, *session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	s, ok := st.sessions[id]
	if !ok {
		s = &session{}
		st.sessions[id] = s
	}
	return id, s
}

// Get returns an existing session.
func (st *SessionStore) Get(id string) (*session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len returns the number of sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sessionhub/internal/errs"
)

// memoryStore keeps everything in process memory. Used by tests and by
// deployments that don't need durability across restarts.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string]*Message
}

func NewMemory() Store {
	return &memoryStore{
		sessions: map[string]*Session{},
		messages: map[string]*Message{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) PutSession(_ context.Context, sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errs.Validation("session.id", "empty")
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	cp := *sess
	s.mu.Lock()
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *memoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *memoryStore) PutMessage(_ context.Context, m *Message) error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errs.Validation("message.id", "empty")
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}

	cp := *m
	s.mu.Lock()
	s.messages[m.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	m, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *memoryStore) QueryMessages(_ context.Context, sessionID string, f MessageFilter, p Page) ([]*Message, error) {
	s.mu.RLock()
	matched := make([]*Message, 0, 16)
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		if !matchFilter(m, f) {
			continue
		}
		cp := *m
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	// Newest first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func matchFilter(m *Message, f MessageFilter) bool {
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.To != "" && m.To != f.To {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (s *memoryStore) UpdateMessageStatus(_ context.Context, id string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	m.Status = status
	m.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) DeleteMessage(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *memoryStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) MessageStats(_ context.Context, sessionID string) (MessageStats, error) {
	st := MessageStats{
		ByDirection: map[string]int{},
		ByStatus:    map[string]int{},
		ByType:      map[string]int{},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		st.Total++
		st.ByDirection[string(m.Direction)]++
		st.ByStatus[string(m.Status)]++
		st.ByType[string(m.Type)]++
	}
	return st, nil
}

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/domain"
)

// MemoryStore is an in-process store used by the memory driver and tests.
// It enforces the same constraints as the Postgres schema: one active
// session per owner, unique (message, url) attachments, cascading deletes.
type MemoryStore struct {
	*changeFeed

	mu          sync.Mutex
	nextID      int64
	sessions    map[int64]*domain.Session
	messages    map[int64]*domain.Message
	attachments map[int64]*domain.Attachment
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changeFeed:  newChangeFeed(),
		sessions:    make(map[int64]*domain.Session),
		messages:    make(map[int64]*domain.Message),
		attachments: make(map[int64]*domain.Attachment),
		now:         time.Now,
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) notify(sessionID int64, table, op string) {
	s.dispatch(Change{SessionID: sessionID, Table: table, Op: op})
}

func (s *MemoryStore) deactivateLocked(owner string, except int64) {
	now := s.now()
	for _, sess := range s.sessions {
		if sess.OwnerContextID == owner && sess.IsActive && sess.ID != except {
			sess.IsActive = false
			sess.UpdatedAt = now
		}
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, owner, title string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateLocked(owner, 0)
	now := s.now()
	sess := &domain.Session{
		ID:             s.id(),
		OwnerContextID: owner,
		Title:          title,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.sessions[sess.ID] = sess
	out := *sess
	return &out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

func (s *MemoryStore) LatestActiveSession(_ context.Context, owner string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Session
	for _, sess := range s.sessions {
		if sess.OwnerContextID != owner || !sess.IsActive {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) ||
			(sess.UpdatedAt.Equal(latest.UpdatedAt) && sess.ID > latest.ID) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, domain.ErrSessionNotFound
	}
	out := *latest
	return &out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, owner string, limit, offset int) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []domain.Session
	for _, sess := range s.sessions {
		if sess.OwnerContextID == owner {
			sessions = append(sessions, *sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	if limit <= 0 {
		limit = 20
	}
	if offset >= len(sessions) {
		return nil, nil
	}
	end := offset + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	return sessions[offset:end], nil
}

func (s *MemoryStore) ActivateSession(_ context.Context, owner string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerContextID != owner {
		return domain.ErrSessionNotFound
	}
	s.deactivateLocked(owner, id)
	sess.IsActive = true
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeactivateSessions(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateLocked(owner, 0)
	return nil
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Title = title
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	for mid, m := range s.messages {
		if m.SessionID != id {
			continue
		}
		delete(s.messages, mid)
		for aid, a := range s.attachments {
			if a.MessageID == mid {
				delete(s.attachments, aid)
			}
		}
	}
	s.mu.Unlock()

	s.notify(id, "messages", "DELETE")
	return nil
}

// nextTimestamp returns a creation time strictly after every existing
// message so that ordering by time is total.
func (s *MemoryStore) nextTimestamp() time.Time {
	now := s.now()
	for _, m := range s.messages {
		if !now.After(m.CreatedAt) {
			now = m.CreatedAt.Add(time.Microsecond)
		}
	}
	return now
}

func (s *MemoryStore) AddMessage(_ context.Context, sessionID int64, role domain.Role, text string) (*domain.Message, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	m := &domain.Message{
		ID:        s.id(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: s.nextTimestamp(),
	}
	s.messages[m.ID] = m
	sess.UpdatedAt = m.CreatedAt
	out := *m
	s.mu.Unlock()

	s.notify(sessionID, "messages", "INSERT")
	return &out, nil
}

func (s *MemoryStore) AppendNotice(_ context.Context, messageID int64, notice string) error {
	s.mu.Lock()
	m, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMessageNotFound
	}
	m.Notices = append(m.Notices, notice)
	sessionID := m.SessionID
	s.mu.Unlock()

	s.notify(sessionID, "messages", "UPDATE")
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID int64) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []domain.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			c := *m
			c.Notices = append([]string(nil), m.Notices...)
			msgs = append(msgs, c)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, sessionID int64) ([]domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var atts []domain.Attachment
	for _, a := range s.attachments {
		if m, ok := s.messages[a.MessageID]; ok && m.SessionID == sessionID {
			atts = append(atts, *a)
		}
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].ID < atts[j].ID })
	return atts, nil
}

func (s *MemoryStore) SaveAttachment(_ context.Context, a domain.Attachment) (*domain.Attachment, bool, error) {
	if a.MessageID <= 0 {
		return nil, false, domain.ErrUnconfirmedMessage
	}

	s.mu.Lock()
	m, ok := s.messages[a.MessageID]
	if !ok {
		s.mu.Unlock()
		return nil, false, domain.ErrMessageNotFound
	}
	for _, existing := range s.attachments {
		if existing.MessageID == a.MessageID && existing.URL == a.URL {
			out := *existing
			s.mu.Unlock()
			return &out, false, nil
		}
	}
	if a.Type == "" {
		a.Type = domain.AttachmentTypeImage
	}
	a.ID = s.id()
	a.CreatedAt = s.now()
	saved := a
	s.attachments[a.ID] = &saved
	sessionID := m.SessionID
	s.mu.Unlock()

	s.notify(sessionID, "attachments", "INSERT")
	return &a, true, nil
}

// ActiveCount returns how many sessions of the owner are active.
func (s *MemoryStore) ActiveCount(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.OwnerContextID == owner && sess.IsActive {
			n++
		}
	}
	return n
}

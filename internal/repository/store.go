package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/set-night/studiochat/internal/domain"
)

// Store is the Postgres-backed remote store for sessions, messages and
// attachments. It is safe for concurrent use.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const sessionColumns = `id, owner_context_id, title, is_active, created_at, updated_at`

// CreateSession deactivates any active session of the owner and inserts a
// new active one in the same transaction. A concurrent creator that wins the
// race on the one-active-per-owner index causes a single retry.
func (s *Store) CreateSession(ctx context.Context, owner, title string) (*domain.Session, error) {
	var (
		session *domain.Session
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		session, err = s.createSession(ctx, owner, title)
		if err == nil || !IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) createSession(ctx context.Context, owner, title string) (*domain.Session, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE, updated_at = now()
		 WHERE owner_context_id = $1 AND is_active`, owner); err != nil {
		return nil, fmt.Errorf("deactivate sessions: %w", err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO sessions (owner_context_id, title, is_active)
		 VALUES ($1, $2, TRUE)
		 RETURNING `+sessionColumns, owner, title)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// LatestActiveSession returns the most recently updated active session of
// the owner.
func (s *Store) LatestActiveSession(ctx context.Context, owner string) (*domain.Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner_context_id = $1 AND is_active
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`, owner)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("latest active session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, owner string, limit, offset int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner_context_id = $1
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ActivateSession makes id the owner's only active session.
func (s *Store) ActivateSession(ctx context.Context, owner string, id int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE, updated_at = now()
		 WHERE owner_context_id = $1 AND is_active AND id <> $2`, owner, id); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET is_active = TRUE, updated_at = now()
		 WHERE id = $1 AND owner_context_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}

	return tx.Commit(ctx)
}

// DeactivateSessions clears the owner's active session. Repeating it is a no-op.
func (s *Store) DeactivateSessions(ctx context.Context, owner string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE, updated_at = now()
		 WHERE owner_context_id = $1 AND is_active`, owner); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id int64, title string) error {
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes the session; messages and attachments cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// AddMessage inserts a message and bumps the session's updated_at.
func (s *Store) AddMessage(ctx context.Context, sessionID int64, role domain.Role, text string) (*domain.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msg := &domain.Message{SessionID: sessionID, Role: role, Text: text}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (session_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`, sessionID, string(role), text).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("add message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// AppendNotice appends a visible notice to a persisted message.
func (s *Store) AppendNotice(ctx context.Context, messageID int64, notice string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET notices = array_append(notices, $2) WHERE id = $1`, messageID, notice)
	if err != nil {
		return fmt.Errorf("append notice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// ListMessages returns the session's messages by creation time, ties broken
// by insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, role, content, notices, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m    domain.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.Notices, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) ListAttachments(ctx context.Context, sessionID int64) ([]domain.Attachment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT a.id, a.message_id, a.owner_context_id, a.type, a.url, a.metadata, a.created_at
		 FROM attachments a
		 JOIN messages m ON m.id = a.message_id
		 WHERE m.session_id = $1
		 ORDER BY a.created_at, a.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.OwnerContextID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		atts = append(atts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return atts, nil
}

// SaveAttachment inserts the attachment unless one already exists for the
// same (message, url). created is false when an existing row was returned.
func (s *Store) SaveAttachment(ctx context.Context, a domain.Attachment) (*domain.Attachment, bool, error) {
	if a.MessageID <= 0 {
		return nil, false, domain.ErrUnconfirmedMessage
	}
	if a.Type == "" {
		a.Type = domain.AttachmentTypeImage
	}

	saved := a
	err := s.db.QueryRow(ctx,
		`INSERT INTO attachments (message_id, owner_context_id, type, url, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, url) DO NOTHING
		 RETURNING id, created_at`,
		a.MessageID, a.OwnerContextID, a.Type, a.URL, a.Metadata).Scan(&saved.ID, &saved.CreatedAt)
	switch {
	case err == nil:
		return &saved, true, nil
	case errors.Is(err, pgx.ErrNoRows), IsUniqueViolation(err):
		existing, err := s.getAttachment(ctx, a.MessageID, a.URL)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case isPgError(err, pgForeignKeyViolation):
		return nil, false, domain.ErrMessageNotFound
	default:
		return nil, false, fmt.Errorf("save attachment: %w", err)
	}
}

func (s *Store) getAttachment(ctx context.Context, messageID int64, url string) (*domain.Attachment, error) {
	var a domain.Attachment
	err := s.db.QueryRow(ctx,
		`SELECT id, message_id, owner_context_id, type, url, metadata, created_at
		 FROM attachments WHERE message_id = $1 AND url = $2`, messageID, url).
		Scan(&a.ID, &a.MessageID, &a.OwnerContextID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s                    domain.Session
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&s.ID, &s.OwnerContextID, &s.Title, &s.IsActive, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return &s, nil
}

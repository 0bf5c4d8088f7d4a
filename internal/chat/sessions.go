package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/notify"
)

// Reset deactivates the owner's sessions and returns the view to the welcome
// state. The next send creates a new session.
func (v *View) Reset(ctx context.Context) error {
	if err := v.guardIdle(); err != nil {
		return err
	}
	if err := v.svc.deps.Store.DeactivateSessions(ctx, v.owner); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	v.forgetCached(ctx, 0)

	v.mu.Lock()
	v.applyBindingLocked(&binding{source: SourceNone})
	v.mu.Unlock()

	slog.Info("session reset", "owner", v.owner, "view_id", v.ID)
	v.changed()
	v.publish(ctx, notify.KindSession, 0)
	return nil
}

// Switch binds the view to another session of the owner and makes it the
// active one.
func (v *View) Switch(ctx context.Context, sessionID int64) error {
	if err := v.guardIdle(); err != nil {
		return err
	}
	if err := v.svc.deps.Store.ActivateSession(ctx, v.owner, sessionID); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	sess, msgs, err := v.svc.loadTranscript(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := v.svc.deps.Cache.SetLastSession(ctx, v.owner, sessionID); err != nil {
		slog.Warn("write last session pointer", "owner", v.owner, "session_id", sessionID, "error", err)
	}

	v.mu.Lock()
	v.applyBindingLocked(&binding{session: sess, messages: msgs, source: SourcePointer})
	v.mu.Unlock()

	slog.Info("session switched", "owner", v.owner, "session_id", sessionID, "view_id", v.ID)
	v.changed()
	v.publish(ctx, notify.KindSession, sessionID)
	return nil
}

// DeleteSession removes a session of the owner with its messages and
// attachments. A view bound to it returns to the welcome state.
func (v *View) DeleteSession(ctx context.Context, sessionID int64) error {
	sess, err := v.svc.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerContextID != v.owner {
		return domain.ErrSessionNotFound
	}

	v.mu.Lock()
	bound := v.session != nil && v.session.ID == sessionID
	sending := v.sending
	v.mu.Unlock()
	if bound && sending {
		return domain.ErrSendInFlight
	}

	if err := v.svc.deps.Store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	v.forgetCached(ctx, sessionID)

	if bound {
		v.mu.Lock()
		v.applyBindingLocked(&binding{source: SourceNone})
		v.mu.Unlock()
		v.changed()
	}

	slog.Info("session deleted", "owner", v.owner, "session_id", sessionID, "view_id", v.ID)
	v.publish(ctx, notify.KindSession, sessionID)
	return nil
}

func (v *View) guardIdle() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return domain.ErrViewClosed
	}
	if v.sending {
		return domain.ErrSendInFlight
	}
	return nil
}

// forgetCached drops the cached snapshot and pointer when they refer to
// sessionID, or unconditionally when sessionID is zero.
func (v *View) forgetCached(ctx context.Context, sessionID int64) {
	cache := v.svc.deps.Cache

	snap, err := cache.LoadSnapshot(ctx, v.owner)
	if err != nil {
		slog.Warn("load cached snapshot", "owner", v.owner, "error", err)
	}
	if sessionID == 0 || (snap != nil && snap.SessionID == sessionID) {
		if err := cache.ClearSnapshot(ctx, v.owner); err != nil {
			slog.Warn("clear cached snapshot", "owner", v.owner, "error", err)
		}
	}

	pointer, err := cache.LastSession(ctx, v.owner)
	if err != nil {
		slog.Warn("read last session pointer", "owner", v.owner, "error", err)
	}
	if sessionID == 0 || pointer == sessionID {
		if err := cache.SetLastSession(ctx, v.owner, 0); err != nil {
			slog.Warn("clear last session pointer", "owner", v.owner, "error", err)
		}
	}
}

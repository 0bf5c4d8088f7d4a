package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/notify"
	"github.com/set-night/studiochat/internal/repository"
)

func (v *View) onStoreChange(c repository.Change) {
	v.requestReload(false)
}

func (v *View) onBusEvent(ev notify.Event) {
	if ev.Origin == v.ID {
		return
	}
	v.requestReload(ev.Kind == notify.KindSession)
}

// requestReload arms the debounce timer. Both the store feed and the bus end
// up here; rebind additionally re-runs session resolution.
func (v *View) requestReload(rebind bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	if rebind {
		v.rebindPending = true
	}
	if v.reloadTimer == nil {
		v.reloadTimer = time.AfterFunc(v.svc.opts.ReloadDebounce, v.reload)
		return
	}
	v.reloadTimer.Reset(v.svc.opts.ReloadDebounce)
}

func (v *View) reload() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.sending {
		v.reloadPending = true
		v.mu.Unlock()
		return
	}
	rebind := v.rebindPending || v.session == nil
	v.rebindPending = false
	version := v.version
	var sessionID int64
	if v.session != nil {
		sessionID = v.session.ID
	}
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	defer cancel()

	var (
		b   *binding
		err error
	)
	if !rebind {
		var sess *domain.Session
		var msgs []domain.Message
		sess, msgs, err = v.svc.loadTranscript(ctx, sessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			slog.Info("bound session is gone, resolving again", "view_id", v.ID, "session_id", sessionID)
			rebind = true
		} else if err == nil {
			b = &binding{session: sess, messages: msgs, source: SourceLatest}
		}
	}
	if rebind {
		b, err = v.svc.bind(ctx, v.owner)
	}
	if err != nil {
		slog.Error("reload view", "view_id", v.ID, "owner", v.owner, "error", err)
		return
	}

	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return
	case v.sending:
		v.reloadPending = true
		v.rebindPending = v.rebindPending || rebind
		v.mu.Unlock()
		return
	case v.version != version:
		// State moved while fetching; fetch again.
		v.rebindPending = v.rebindPending || rebind
		v.mu.Unlock()
		v.requestReload(false)
		return
	}
	v.applyBindingLocked(b)
	v.mu.Unlock()

	slog.Debug("view reloaded", "view_id", v.ID, "session_id", v.SessionID(), "rebind", rebind)
	v.changed()
}

// applyBindingLocked replaces the in-memory transcript and moves the store
// subscription to the bound session.
func (v *View) applyBindingLocked(b *binding) {
	prev := int64(0)
	if v.session != nil {
		prev = v.session.ID
	}

	v.session = b.session
	switch {
	case b.session == nil:
		v.messages = []domain.Message{welcomeMessage()}
	case b.session.ID == prev:
		v.messages = keepLocal(b.messages, v.messages)
	default:
		v.messages = b.messages
	}
	v.recentImageRef = lastImageRef(v.messages)
	v.version++

	next := int64(0)
	if b.session != nil {
		next = b.session.ID
	}
	if next != prev || v.cancelFeed == nil {
		v.subscribeFeedLocked(next)
	}
}

func (v *View) subscribeFeedLocked(sessionID int64) {
	if v.cancelFeed != nil {
		v.cancelFeed()
		v.cancelFeed = nil
	}
	if sessionID == 0 || v.svc.deps.Changes == nil {
		return
	}
	v.cancelFeed = v.svc.deps.Changes.Subscribe(sessionID, v.onStoreChange)
}

// finishSend clears the in-flight flag and replays a reload that was skipped
// while the send ran.
func (v *View) finishSend() {
	v.mu.Lock()
	v.sending = false
	pending := v.reloadPending
	v.reloadPending = false
	v.mu.Unlock()

	if pending {
		v.requestReload(false)
	}
}

// keepLocal carries the unconfirmed messages of failed turns over a reload
// of the same session, placed by creation time.
func keepLocal(fresh, current []domain.Message) []domain.Message {
	var local []domain.Message
	for _, m := range current {
		if !m.Confirmed() && m.LocalID != "welcome" {
			local = append(local, m)
		}
	}
	if len(local) == 0 {
		return fresh
	}

	out := make([]domain.Message, 0, len(fresh)+len(local))
	i := 0
	for _, l := range local {
		for i < len(fresh) && !fresh[i].CreatedAt.After(l.CreatedAt) {
			out = append(out, fresh[i])
			i++
		}
		out = append(out, l)
	}
	return append(out, fresh[i:]...)
}

func lastImageRef(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if ref := msgs[i].LastImageURL(); ref != "" {
			return ref
		}
	}
	return ""
}

package chat

import (
	"context"
	"log/slog"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/textutil"
)

// refineTitle asks for a better session title in the background. Each
// request takes a sequence number; a result older than one already applied
// is dropped.
func (v *View) refineTitle(sessionID int64, userCount int) {
	window := v.titleWindow(userCount)
	if len(window) == 0 {
		return
	}

	v.mu.Lock()
	v.titleSeq++
	seq := v.titleSeq
	v.mu.Unlock()

	v.bg.Add(1)
	go func() {
		defer v.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), config.TitleTimeout)
		defer cancel()

		title, err := v.svc.deps.Generator.GenerateTitle(ctx, window)
		if err != nil {
			slog.Warn("generate session title", "session_id", sessionID, "error", err)
			return
		}
		title = textutil.Truncate(textutil.PlainText(title), config.MaxTitleLen)
		if title == "" {
			return
		}
		v.applyTitle(ctx, sessionID, seq, title)
	}()
}

func (v *View) applyTitle(ctx context.Context, sessionID int64, seq uint64, title string) {
	v.titleMu.Lock()
	defer v.titleMu.Unlock()

	if seq < v.titleApplied {
		slog.Debug("stale title refinement dropped", "session_id", sessionID, "seq", seq, "applied", v.titleApplied)
		return
	}
	if err := v.svc.deps.Store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		slog.Warn("update session title", "session_id", sessionID, "error", err)
		return
	}
	v.titleApplied = seq

	v.mu.Lock()
	if v.session != nil && v.session.ID == sessionID {
		v.session.Title = title
	}
	v.mu.Unlock()

	slog.Info("session title refined", "session_id", sessionID, "title", title)
	v.changed()
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/set-night/studiochat/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Source names where a resolved session came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourcePointer Source = "pointer"
	SourceLatest  Source = "latest"
	SourceNone    Source = "none"
)

// Resolution is the session a view binds to. Snapshot is set only when the
// cached transcript is kept as is.
type Resolution struct {
	Session  *domain.Session
	Source   Source
	Snapshot *domain.Snapshot
}

// Resolver picks the session for an owner context: the cached session when
// it still exists and has content, then the last-used pointer, then the most
// recently active session in the store.
type Resolver struct {
	store Store
	cache Cache
	group singleflight.Group
}

func NewResolver(store Store, cache Cache) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// Resolve coalesces concurrent calls for the same owner. The result is
// shared and must not be mutated.
func (r *Resolver) Resolve(ctx context.Context, owner string) (*Resolution, error) {
	v, err, _ := r.group.Do(owner, func() (interface{}, error) {
		return r.resolve(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

func (r *Resolver) resolve(ctx context.Context, owner string) (*Resolution, error) {
	res, pointer, err := r.pick(ctx, owner)
	if err != nil {
		return nil, err
	}

	var id int64
	if res.Session != nil {
		id = res.Session.ID
	}
	if id != pointer {
		if err := r.cache.SetLastSession(ctx, owner, id); err != nil {
			slog.Warn("write last session pointer", "owner", owner, "session_id", id, "error", err)
		}
	}

	slog.Debug("session resolved", "owner", owner, "source", res.Source, "session_id", id)
	return res, nil
}

func (r *Resolver) pick(ctx context.Context, owner string) (*Resolution, int64, error) {
	snap, err := r.cache.LoadSnapshot(ctx, owner)
	if err != nil {
		slog.Warn("load cached snapshot", "owner", owner, "error", err)
		snap = nil
	}
	if snap.HasContent() {
		sess, err := r.owned(ctx, owner, snap.SessionID)
		switch {
		case err == nil:
			return &Resolution{Session: sess, Source: SourceCache, Snapshot: snap}, 0, nil
		case errors.Is(err, domain.ErrSessionNotFound):
			slog.Info("cached session is gone", "owner", owner, "session_id", snap.SessionID)
		default:
			// Store unreachable: keep what the owner already sees.
			slog.Warn("verify cached session", "owner", owner, "session_id", snap.SessionID, "error", err)
			stale := *snap
			return &Resolution{
				Session: &domain.Session{ID: snap.SessionID, OwnerContextID: owner},
				Source:  SourceCache, Snapshot: &stale,
			}, 0, nil
		}
	}

	pointer, err := r.cache.LastSession(ctx, owner)
	if err != nil {
		slog.Warn("read last session pointer", "owner", owner, "error", err)
		pointer = 0
	}
	if pointer > 0 {
		sess, err := r.owned(ctx, owner, pointer)
		if err == nil {
			return &Resolution{Session: sess, Source: SourcePointer}, pointer, nil
		}
		slog.Info("last session pointer is stale", "owner", owner, "session_id", pointer, "error", err)
	}

	sess, err := r.store.LatestActiveSession(ctx, owner)
	switch {
	case err == nil:
		return &Resolution{Session: sess, Source: SourceLatest}, pointer, nil
	case errors.Is(err, domain.ErrSessionNotFound):
		return &Resolution{Source: SourceNone}, pointer, nil
	default:
		return nil, 0, fmt.Errorf("latest active session: %w", err)
	}
}

func (r *Resolver) owned(ctx context.Context, owner string, id int64) (*domain.Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerContextID != owner {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

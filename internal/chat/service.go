// Package chat orchestrates conversation views: which session a view binds
// to, the send pipeline, job outcomes and reconciliation with sibling views.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/jobs"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	deps      Deps
	opts      Options
	resolver  *Resolver
	campaigns *jobs.CampaignPoller

	mu    sync.Mutex
	views map[string]*View
}

func NewService(deps Deps, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReloadDebounce <= 0 {
		opts.ReloadDebounce = 300 * time.Millisecond
	}
	return &Service{
		deps:      deps,
		opts:      opts,
		resolver:  NewResolver(deps.Store, deps.Cache),
		campaigns: jobs.NewCampaignPoller(deps.Generator, opts.CampaignPollInterval, opts.CampaignGrace),
		views:     make(map[string]*View),
	}
}

func (s *Service) now() time.Time { return s.opts.Now() }

// Open resolves the owner's session and returns a new view bound to it.
func (s *Service) Open(ctx context.Context, owner string) (*View, error) {
	if owner == "" {
		return nil, domain.ErrMissingOwner
	}
	b, err := s.bind(ctx, owner)
	if err != nil {
		return nil, err
	}

	v := newView(s, owner)
	cancelBus := s.deps.Bus.Subscribe(owner, v.onBusEvent)

	v.mu.Lock()
	v.cancelBus = cancelBus
	v.applyBindingLocked(b)
	v.mu.Unlock()

	s.mu.Lock()
	s.views[v.ID] = v
	s.mu.Unlock()

	slog.Info("view opened", "view_id", v.ID, "owner", owner, "source", b.source, "session_id", v.SessionID())
	if b.source != SourceCache {
		v.changed()
	}
	return v, nil
}

// View returns an open view of owner.
func (s *Service) View(owner, id string) (*View, error) {
	s.mu.Lock()
	v, ok := s.views[id]
	s.mu.Unlock()
	if !ok || v.owner != owner {
		return nil, domain.ErrViewNotFound
	}
	v.touch()
	return v, nil
}

func (s *Service) CloseView(owner, id string) error {
	s.mu.Lock()
	v, ok := s.views[id]
	if ok && v.owner == owner {
		delete(s.views, id)
	}
	s.mu.Unlock()
	if !ok || v.owner != owner {
		return domain.ErrViewNotFound
	}
	v.Close()
	return nil
}

// CloseIdle closes views without an attached stream that have been unused
// for longer than the idle timeout.
func (s *Service) CloseIdle() int {
	if s.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.opts.IdleTimeout)

	s.mu.Lock()
	var idle []*View
	for id, v := range s.views {
		since := v.idleSince()
		if !since.IsZero() && since.Before(cutoff) {
			idle = append(idle, v)
			delete(s.views, id)
		}
	}
	s.mu.Unlock()

	for _, v := range idle {
		v.Close()
	}
	if len(idle) > 0 {
		slog.Info("closed idle views", "count", len(idle))
	}
	return len(idle)
}

// Close closes every open view.
func (s *Service) Close() {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.views = make(map[string]*View)
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}

func (s *Service) ViewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

func (s *Service) ListSessions(ctx context.Context, owner string, limit, offset int) ([]domain.Session, error) {
	sessions, err := s.deps.Store.ListSessions(ctx, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// binding is the session and transcript a view is about to show.
type binding struct {
	session  *domain.Session
	messages []domain.Message
	source   Source
}

func (s *Service) bind(ctx context.Context, owner string) (*binding, error) {
	res, err := s.resolver.Resolve(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	switch {
	case res.Source == SourceCache:
		sess := *res.Session
		return &binding{session: &sess, messages: cloneMessages(res.Snapshot.Messages), source: res.Source}, nil
	case res.Session != nil:
		sess, msgs, err := s.loadTranscript(ctx, res.Session.ID)
		if err != nil {
			return nil, err
		}
		return &binding{session: sess, messages: msgs, source: res.Source}, nil
	default:
		return &binding{source: SourceNone}, nil
	}
}

// loadTranscript fetches the session, its messages and attachments
// concurrently and joins attachments onto their messages.
func (s *Service) loadTranscript(ctx context.Context, sessionID int64) (*domain.Session, []domain.Message, error) {
	var (
		sess *domain.Session
		msgs []domain.Message
		atts []domain.Attachment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sess, err = s.deps.Store.GetSession(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		msgs, err = s.deps.Store.ListMessages(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		atts, err = s.deps.Store.ListAttachments(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("load transcript: %w", err)
	}

	index := make(map[int64]int, len(msgs))
	for i := range msgs {
		index[msgs[i].ID] = i
	}
	for _, a := range atts {
		if i, ok := index[a.MessageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return sess, msgs, nil
}

package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/jobs"
	"github.com/set-night/studiochat/internal/notify"
)

// State is what a view renders.
type State struct {
	ViewID      string           `json:"viewId"`
	SessionID   int64            `json:"sessionId,omitempty"`
	Title       string           `json:"title,omitempty"`
	Messages    []domain.Message `json:"messages"`
	Sending     bool             `json:"sending"`
	PendingJobs int              `json:"pendingJobs"`
	Campaigns   []jobs.Progress  `json:"campaigns,omitempty"`
}

type campaignState struct {
	progress jobs.Progress
	stop     func()
}

// View is the server-side state of one open conversation view. Store and
// network calls are made outside mu; callbacks from the change feed and the
// bus only take mu to arm the reload timer.
type View struct {
	ID    string
	owner string

	svc     *Service
	events  *notify.Broadcaster
	tracker *jobs.Tracker
	bg      sync.WaitGroup

	// titleMu orders title writes so a stale refinement never lands last.
	titleMu      sync.Mutex
	titleApplied uint64

	mu             sync.Mutex
	session        *domain.Session
	messages       []domain.Message
	sending        bool
	lastSendAt     time.Time
	recentImageRef string
	titleSeq       uint64
	// version changes whenever in-memory state is written outside a reload,
	// so a reload that raced with it is discarded.
	version       uint64
	reloadTimer   *time.Timer
	reloadPending bool
	rebindPending bool
	campaigns     map[string]*campaignState
	cancelFeed    func()
	cancelBus     func()
	lastActivity  time.Time
	closed        bool
}

func newView(svc *Service, owner string) *View {
	v := &View{
		ID:           uuid.NewString(),
		owner:        owner,
		svc:          svc,
		events:       notify.NewBroadcaster(),
		campaigns:    make(map[string]*campaignState),
		lastActivity: svc.now(),
	}
	v.tracker = jobs.NewTracker(jobs.Options{
		Interval:    svc.opts.JobPollInterval,
		MaxAttempts: svc.opts.JobMaxAttempts,
		Origin:      v.ID,
	}, jobs.Deps{
		Status:      svc.deps.Generator,
		Attachments: svc.deps.Store,
		Refunds:     svc.deps.Ledger,
		Publisher:   svc.deps.Bus,
		Sink:        v,
		Alerts:      svc.deps.Alerts,
	})
	return v
}

func welcomeMessage() domain.Message {
	return domain.Message{
		LocalID:   "welcome",
		Role:      domain.RoleAssistant,
		Text:      config.WelcomeText,
		Synthetic: true,
	}
}

func (v *View) Owner() string { return v.owner }

// Events is the stream of state updates pushed to the browser.
func (v *View) Events() *notify.Broadcaster { return v.events }

func (v *View) touch() {
	v.mu.Lock()
	v.lastActivity = v.svc.now()
	v.mu.Unlock()
}

// idleSince reports when the view was last used, or zero while a stream is
// attached.
func (v *View) idleSince() time.Time {
	if v.events.ClientCount() > 0 {
		return time.Time{}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastActivity
}

// State returns a copy of the rendered state.
func (v *View) State() State {
	v.mu.Lock()
	st := v.stateLocked()
	v.mu.Unlock()
	st.PendingJobs = v.tracker.Pending()
	return st
}

func (v *View) stateLocked() State {
	st := State{
		ViewID:   v.ID,
		Messages: cloneMessages(v.messages),
		Sending:  v.sending,
	}
	if v.session != nil {
		st.SessionID = v.session.ID
		st.Title = v.session.Title
	}
	for _, c := range v.campaigns {
		st.Campaigns = append(st.Campaigns, c.progress)
	}
	sort.Slice(st.Campaigns, func(i, j int) bool { return st.Campaigns[i].CampaignID < st.Campaigns[j].CampaignID })
	return st
}

// SessionID returns the bound session, or zero before the first send.
func (v *View) SessionID() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil {
		return 0
	}
	return v.session.ID
}

// RecentImageRef is the last generated image, sent with the next turn.
func (v *View) RecentImageRef() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recentImageRef
}

// changed saves the snapshot and pushes the new state to streams. It must be
// called without mu held.
func (v *View) changed() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	st := v.stateLocked()
	var snap *domain.Snapshot
	if v.session != nil {
		snap = &domain.Snapshot{
			SessionID:    v.session.ID,
			Messages:     st.Messages,
			LastSyncedAt: v.svc.now(),
		}
	}
	v.mu.Unlock()

	st.PendingJobs = v.tracker.Pending()
	v.events.Broadcast("state", st)

	if snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.svc.deps.Cache.SaveSnapshot(ctx, v.owner, snap); err != nil {
		slog.Warn("save snapshot", "owner", v.owner, "session_id", snap.SessionID, "error", err)
	}
}

func (v *View) publish(ctx context.Context, kind notify.Kind, sessionID int64) {
	if v.svc.deps.Bus == nil {
		return
	}
	ev := notify.Event{OwnerContextID: v.owner, Kind: kind, SessionID: sessionID, Origin: v.ID}
	if err := v.svc.deps.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("publish change event", "owner", v.owner, "kind", kind, "error", err)
	}
}

// ApplyOutcomes merges one batch of settled jobs into their messages in a
// single state update.
func (v *View) ApplyOutcomes(outcomes []jobs.Outcome) {
	v.mu.Lock()
	byMessage := make(map[int64][]jobs.Outcome, len(outcomes))
	for _, o := range outcomes {
		byMessage[o.Job.MessageID] = append(byMessage[o.Job.MessageID], o)
	}

	applied := 0
	for i := range v.messages {
		m := &v.messages[i]
		if !m.Confirmed() {
			continue
		}
		for _, o := range byMessage[m.ID] {
			applied++
			if o.Attachment != nil {
				if o.Job.Batch {
					m.Attachments = appendAttachment(m.Attachments, *o.Attachment)
				} else {
					m.Attachments = []domain.Attachment{*o.Attachment}
				}
			}
			if o.Notice != "" {
				m.Notices = append(m.Notices, o.Notice)
			}
		}
	}
	for _, o := range outcomes {
		if o.Attachment != nil {
			v.recentImageRef = o.Attachment.URL
		}
	}
	v.version++
	v.mu.Unlock()

	slog.Debug("job outcomes applied", "view_id", v.ID, "outcomes", len(outcomes), "matched", applied)
	v.changed()
}

func appendAttachment(list []domain.Attachment, a domain.Attachment) []domain.Attachment {
	for _, existing := range list {
		if existing.URL == a.URL {
			return list
		}
	}
	return append(list, a)
}

// TrackCampaign starts polling a bulk campaign and surfaces its progress in
// the view state.
func (v *View) TrackCampaign(campaignID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return domain.ErrViewClosed
	}
	if _, ok := v.campaigns[campaignID]; ok {
		return nil
	}
	c := &campaignState{progress: jobs.Progress{CampaignID: campaignID, Status: "queued"}}
	v.campaigns[campaignID] = c
	c.stop = v.svc.campaigns.Track(campaignID, v.onCampaignProgress)
	return nil
}

func (v *View) onCampaignProgress(p jobs.Progress) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if p.Dismissed {
		delete(v.campaigns, p.CampaignID)
	} else if c, ok := v.campaigns[p.CampaignID]; ok {
		c.progress = p
	}
	v.mu.Unlock()

	v.events.Broadcast("campaign", p)
	v.changed()
}

// Close stops timers and subscriptions. Requests already in flight finish
// and their results still reach the store.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.reloadTimer != nil {
		v.reloadTimer.Stop()
	}
	cancels := []func(){v.cancelFeed, v.cancelBus}
	v.cancelFeed, v.cancelBus = nil, nil
	var stops []func()
	for _, c := range v.campaigns {
		stops = append(stops, c.stop)
	}
	v.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	for _, stop := range stops {
		stop()
	}
	v.tracker.Close()
	v.bg.Wait()
	v.events.Close()
	slog.Info("view closed", "view_id", v.ID, "owner", v.owner)
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Notices = append([]string(nil), m.Notices...)
		out[i].Attachments = append([]domain.Attachment(nil), m.Attachments...)
	}
	return out
}

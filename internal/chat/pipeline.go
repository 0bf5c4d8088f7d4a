package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/notify"
	"github.com/set-night/studiochat/internal/textutil"
)

// SendRequest is one user turn.
type SendRequest struct {
	Text string `json:"text"`
	// Subject and FreeForm are the creative context overrides of the turn.
	Subject  string `json:"subject,omitempty"`
	FreeForm bool   `json:"freeForm,omitempty"`
}

// turn carries what the pipeline captured when the send was accepted.
type turn struct {
	req      SendRequest
	localID  string
	session  *domain.Session
	history  []domain.Message
	imageRef string
}

// Send runs one turn. Only rejections are returned as errors; a turn that
// fails after acceptance ends with an error message in the transcript.
func (v *View) Send(ctx context.Context, req SendRequest) error {
	t, err := v.accept(req)
	if err != nil {
		return err
	}
	v.changed()
	defer v.finishSend()

	// The turn outlives a disconnected caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.TurnTimeout)
	defer cancel()

	if err := v.runTurn(ctx, t); err != nil {
		v.failTurn(err)
	}
	return nil
}

// accept applies the rejection rules and appends the user message
// optimistically.
func (v *View) accept(req SendRequest) (*turn, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, domain.ErrEmptyMessage
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, domain.ErrViewClosed
	}
	if v.sending {
		return nil, domain.ErrSendInFlight
	}
	now := v.svc.now()
	if !v.lastSendAt.IsZero() && now.Sub(v.lastSendAt) < v.svc.opts.SendCooldown {
		return nil, domain.ErrCooldown
	}

	v.sending = true
	v.lastSendAt = now
	v.lastActivity = now

	t := &turn{
		req:      req,
		localID:  uuid.NewString(),
		history:  cloneMessages(v.messages),
		imageRef: v.recentImageRef,
	}
	if v.session != nil {
		sess := *v.session
		t.session = &sess
	}
	v.messages = append(v.messages, domain.Message{
		LocalID:   t.localID,
		Role:      domain.RoleUser,
		Text:      req.Text,
		CreatedAt: now,
	})
	v.version++
	return t, nil
}

func (v *View) runTurn(ctx context.Context, t *turn) error {
	store := v.svc.deps.Store

	if t.session == nil {
		sess, err := v.createSession(ctx)
		if err != nil {
			return err
		}
		t.session = sess
	}

	userMsg, err := store.AddMessage(ctx, t.session.ID, domain.RoleUser, t.req.Text)
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	userCount := v.confirm(t.localID, userMsg)
	v.changed()

	if isRefinementPoint(userCount) {
		v.refineTitle(t.session.ID, userCount)
	}

	resp, err := v.svc.deps.Generator.Chat(ctx, buildChatRequest(t))
	if err != nil {
		return fmt.Errorf("generation chat: %w", err)
	}

	reply, err := store.AddMessage(ctx, t.session.ID, domain.RoleAssistant, resp.Text)
	if err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	if !reply.Confirmed() {
		return domain.ErrUnconfirmedMessage
	}

	if resp.Image != "" {
		att, err := v.persistInlineImage(ctx, reply, resp)
		if err != nil {
			return err
		}
		reply.Attachments = []domain.Attachment{*att}
	}

	v.mu.Lock()
	v.messages = append(v.messages, *reply)
	if resp.Image != "" {
		v.recentImageRef = resp.Image
	}
	v.version++
	v.mu.Unlock()

	if ids := resp.Jobs(); len(ids) > 0 {
		v.submitJobs(ctx, reply, t.req.Text, ids, resp.GenerationMeta)
	}
	if resp.CampaignID != "" {
		if err := v.TrackCampaign(resp.CampaignID); err != nil {
			slog.Warn("track campaign", "view_id", v.ID, "campaign_id", resp.CampaignID, "error", err)
		}
	}

	v.changed()
	v.publish(ctx, notify.KindMessage, t.session.ID)
	return nil
}

// createSession creates the owner's session on first send and persists the
// welcome message as its first row.
func (v *View) createSession(ctx context.Context) (*domain.Session, error) {
	store := v.svc.deps.Store

	sess, err := store.CreateSession(ctx, v.owner, config.DefaultSessionTitle)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	welcome, err := store.AddMessage(ctx, sess.ID, domain.RoleAssistant, config.WelcomeText)
	if err != nil {
		return nil, fmt.Errorf("persist welcome message: %w", err)
	}

	v.mu.Lock()
	v.session = sess
	for i := range v.messages {
		if v.messages[i].Synthetic && v.messages[i].LocalID == "welcome" {
			v.messages[i] = *welcome
		}
	}
	v.subscribeFeedLocked(sess.ID)
	v.version++
	v.mu.Unlock()

	if err := v.svc.deps.Cache.SetLastSession(ctx, v.owner, sess.ID); err != nil {
		slog.Warn("write last session pointer", "owner", v.owner, "session_id", sess.ID, "error", err)
	}
	slog.Info("session created", "owner", v.owner, "session_id", sess.ID, "view_id", v.ID)
	v.publish(ctx, notify.KindSession, sess.ID)
	return sess, nil
}

// confirm swaps the temporary id of the optimistic message for the stored
// one and returns the number of confirmed user messages.
func (v *View) confirm(localID string, stored *domain.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	count := 0
	for i := range v.messages {
		m := &v.messages[i]
		if m.LocalID == localID && !m.Confirmed() {
			m.ID = stored.ID
			m.SessionID = stored.SessionID
			m.CreatedAt = stored.CreatedAt
			m.LocalID = ""
		}
		if m.Role == domain.RoleUser && m.Confirmed() {
			count++
		}
	}
	v.version++
	return count
}

func buildChatRequest(t *turn) generation.ChatRequest {
	req := generation.ChatRequest{
		History:        make([]generation.HistoryItem, 0, len(t.history)),
		NewText:        t.req.Text,
		RecentImageRef: t.imageRef,
	}
	for _, m := range t.history {
		if m.Synthetic && m.LocalID != "welcome" {
			continue
		}
		req.History = append(req.History, generation.HistoryItem{
			Role:     string(m.Role),
			Text:     m.Text,
			ImageRef: m.LastImageURL(),
		})
	}
	if t.req.Subject != "" || t.req.FreeForm {
		req.CreativeContext = &generation.CreativeContext{Subject: t.req.Subject, FreeForm: t.req.FreeForm}
	}
	return req
}

// persistInlineImage stores an image returned directly by the turn before
// the message is shown, so a reload never sees the message without it.
func (v *View) persistInlineImage(ctx context.Context, reply *domain.Message, resp *generation.ChatResponse) (*domain.Attachment, error) {
	att := domain.Attachment{
		MessageID:      reply.ID,
		OwnerContextID: v.owner,
		Type:           domain.AttachmentTypeImage,
		URL:            resp.Image,
		Metadata:       attachmentMeta(resp.GenerationMeta),
	}
	saved, created, err := v.svc.deps.Store.SaveAttachment(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("persist inline image: %w", err)
	}
	if created {
		v.publish(ctx, notify.KindAttachment, reply.SessionID)
	}
	return saved, nil
}

func attachmentMeta(meta *generation.GenerationMeta) domain.AttachmentMeta {
	if meta == nil {
		return domain.AttachmentMeta{}
	}
	return domain.AttachmentMeta{AspectRatio: meta.AspectRatio, StyleName: meta.StyleName, ModelTier: meta.ModelTier}
}

// submitJobs charges the jobs and hands them to the tracker. A failed charge
// is reported but does not stop jobs the service already accepted. Jobs of a
// view that closed mid-turn are neither charged nor tracked.
func (v *View) submitJobs(ctx context.Context, reply *domain.Message, prompt string, ids []string, meta *generation.GenerationMeta) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		slog.Warn("view closed before jobs were tracked", "view_id", v.ID, "owner", v.owner, "message_id", reply.ID, "jobs", len(ids))
		return
	}

	charged, balance, err := v.svc.deps.Ledger.DeductJobs(ctx, v.owner, ids)
	switch {
	case err != nil:
		slog.Error("deduct job credits", "owner", v.owner, "jobs", len(ids), "message_id", reply.ID, "error", err)
		if v.svc.deps.Alerts != nil {
			v.svc.deps.Alerts.LogError(err, fmt.Sprintf("deduct %d job(s) for %s", len(ids), v.owner))
		}
	case v.svc.deps.Alerts != nil:
		v.svc.deps.Alerts.LogCreditDebit(v.owner, len(ids), charged, balance)
	}

	m := attachmentMeta(meta)
	batch := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, domain.Job{
			ID:             id,
			OwnerContextID: v.owner,
			MessageID:      reply.ID,
			Prompt:         prompt,
			AspectRatio:    m.AspectRatio,
			StyleName:      m.StyleName,
			ModelTier:      m.ModelTier,
			Batch:          len(ids) > 1,
		})
	}
	if !v.tracker.Register(batch...) {
		slog.Warn("view closed before jobs were tracked", "view_id", v.ID, "owner", v.owner, "message_id", reply.ID, "jobs", len(ids))
		v.refundUntracked(ctx, ids)
		return
	}
	slog.Info("jobs submitted", "owner", v.owner, "message_id", reply.ID, "jobs", len(ids))
}

// refundUntracked returns the debit of jobs no tracker will settle.
func (v *View) refundUntracked(ctx context.Context, ids []string) {
	for _, id := range ids {
		refunded, err := v.svc.deps.Ledger.RefundJob(ctx, v.owner, id)
		switch {
		case err != nil:
			slog.Error("refund untracked job", "job_id", id, "owner", v.owner, "error", err)
			if v.svc.deps.Alerts != nil {
				v.svc.deps.Alerts.LogError(err, "refund untracked job "+id)
			}
		case refunded && v.svc.deps.Alerts != nil:
			v.svc.deps.Alerts.LogCreditRefund(v.owner, id)
		}
	}
}

// failTurn ends a turn with a synthetic error message. Nothing is retried.
func (v *View) failTurn(err error) {
	slog.Error("send turn failed", "view_id", v.ID, "owner", v.owner, "error", err)
	if v.svc.deps.Alerts != nil && !errors.Is(err, context.Canceled) {
		v.svc.deps.Alerts.LogError(err, "send turn for "+v.owner)
	}

	v.mu.Lock()
	v.messages = append(v.messages, domain.Message{
		LocalID:   uuid.NewString(),
		Role:      domain.RoleAssistant,
		Text:      config.ErrorReplyText,
		Synthetic: true,
		CreatedAt: v.svc.now(),
	})
	v.version++
	v.mu.Unlock()

	v.changed()
}

func isRefinementPoint(userCount int) bool {
	for _, n := range config.TitleRefinementCounts {
		if n == userCount {
			return true
		}
	}
	return false
}

// titleWindow returns the text of the last messages of the transcript, the
// window growing with the number of user messages.
func (v *View) titleWindow(userCount int) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	texts := make([]string, 0, len(v.messages))
	for _, m := range v.messages {
		if m.Synthetic {
			continue
		}
		texts = append(texts, m.Text)
	}
	return textutil.Window(texts, 2*userCount)
}

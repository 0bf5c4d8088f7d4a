// Package jobs tracks asynchronous image generation until each job reaches a
// terminal state, and reconciles the outcome into attachments, credits and
// the owning view.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/notify"
)

type StatusClient interface {
	JobStatus(ctx context.Context, jobID string) (*generation.JobStatus, error)
}

type AttachmentStore interface {
	SaveAttachment(ctx context.Context, a domain.Attachment) (*domain.Attachment, bool, error)
	AppendNotice(ctx context.Context, messageID int64, notice string) error
}

type Refunder interface {
	RefundJob(ctx context.Context, owner, jobID string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Alerter mirrors credit events to the operators. Optional.
type Alerter interface {
	LogError(err error, where string)
	LogCreditRefund(owner, jobID string)
}

// Outcome is the settled result of one terminal job.
type Outcome struct {
	Job        domain.Job
	Attachment *domain.Attachment
	Notice     string
}

// Sink receives every outcome settled in one dispatch pass in a single call.
type Sink interface {
	ApplyOutcomes(outcomes []Outcome)
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// CallTimeout bounds each status request and side-effect write.
	CallTimeout time.Duration
	// Origin is stamped on published events.
	Origin string
}

type Deps struct {
	Status      StatusClient
	Attachments AttachmentStore
	Refunds     Refunder
	Publisher   Publisher
	Sink        Sink
	Alerts      Alerter
}

// Tracker polls registered jobs and dispatches their terminal states through
// one channel, consumed by a single dispatcher goroutine.
type Tracker struct {
	opts Options
	deps Deps

	mu        sync.Mutex
	jobs      map[string]*domain.Job
	processed map[string]struct{}
	stopping  bool

	sendMu sync.RWMutex
	closed bool
	events chan domain.Job

	stop     chan struct{}
	stopOnce sync.Once
	pollers  sync.WaitGroup
	done     chan struct{}
}

func NewTracker(opts Options, deps Deps) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 90
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = config.RequestTimeout
	}
	t := &Tracker{
		opts:      opts,
		deps:      deps,
		jobs:      make(map[string]*domain.Job),
		processed: make(map[string]struct{}),
		events:    make(chan domain.Job, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// Register starts polling each job. Jobs already known or already settled
// are ignored. It reports false, and tracks nothing, once Close has begun.
func (t *Tracker) Register(jobs ...domain.Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopping {
		return false
	}
	for _, job := range jobs {
		if _, ok := t.jobs[job.ID]; ok {
			continue
		}
		if _, ok := t.processed[job.ID]; ok {
			continue
		}
		job.Status = domain.JobSubmitted
		j := job
		t.jobs[job.ID] = &j
		t.pollers.Add(1)
		go t.poll(job)
	}
	return true
}

// observe feeds a terminal state seen outside the job's own poller into the
// dispatcher. Duplicates are dropped at dispatch.
func (t *Tracker) observe(job domain.Job) {
	if !job.Status.Terminal() {
		return
	}
	t.mu.Lock()
	if known, ok := t.jobs[job.ID]; ok {
		merged := *known
		merged.Status = job.Status
		merged.ResultURL = job.ResultURL
		merged.Reason = job.Reason
		job = merged
	}
	t.mu.Unlock()
	t.emit(job)
}

// unsettled returns the jobs that have not been settled yet.
func (t *Tracker) unsettled() []domain.Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	return out
}

// Pending returns the number of jobs not yet settled.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Close stops scheduling new polls. Requests already in flight complete and
// their results are still settled before Close returns.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopping = true
		t.mu.Unlock()

		close(t.stop)
		t.pollers.Wait()

		t.sendMu.Lock()
		t.closed = true
		close(t.events)
		t.sendMu.Unlock()
	})
	<-t.done
}

func (t *Tracker) emit(job domain.Job) {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed {
		return
	}
	t.events <- job
}

func (t *Tracker) setStatus(id string, status domain.JobStatus) {
	t.mu.Lock()
	if j, ok := t.jobs[id]; ok && !j.Status.Terminal() {
		j.Status = status
	}
	t.mu.Unlock()
}

func (t *Tracker) poll(job domain.Job) {
	defer t.pollers.Done()

	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		job.Status = domain.JobPolling
		t.setStatus(job.ID, domain.JobPolling)

		ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
		status, err := t.deps.Status.JobStatus(ctx, job.ID)
		cancel()

		if err != nil {
			slog.Warn("job status poll failed", "job_id", job.ID, "attempt", attempt, "error", err)
		} else {
			switch status.Status {
			case generation.JobCompleted:
				if url := status.AssetURL(); url != "" {
					job.Status = domain.JobCompleted
					job.ResultURL = url
				} else {
					job.Status = domain.JobFailed
					job.Reason = "completed without asset"
				}
				t.emit(job)
				return
			case generation.JobFailed:
				job.Status = domain.JobFailed
				job.Reason = status.Error
				t.emit(job)
				return
			}
		}

		if attempt >= t.opts.MaxAttempts {
			job.Status = domain.JobTimedOut
			job.Reason = "polling attempts exhausted"
			t.emit(job)
			return
		}
		timer.Reset(t.opts.Interval)
	}
}

// dispatch drains every event available at once and settles them as one
// batch, so outcomes for the same message land in a single sink update.
func (t *Tracker) dispatch() {
	defer close(t.done)

	for job := range t.events {
		batch := []domain.Job{job}
	drain:
		for {
			select {
			case next, ok := <-t.events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		t.settle(batch)
	}
}

// markProcessed records id as settled and reports whether this call did so.
func (t *Tracker) markProcessed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.processed[id]; ok {
		return false
	}
	t.processed[id] = struct{}{}
	return true
}

func (t *Tracker) settle(batch []domain.Job) {
	outcomes := make([]Outcome, 0, len(batch))
	for _, job := range batch {
		if !t.markProcessed(job.ID) {
			slog.Debug("duplicate terminal job state ignored", "job_id", job.ID, "status", job.Status)
			continue
		}
		outcomes = append(outcomes, t.finalize(job))
	}
	if len(outcomes) == 0 {
		return
	}

	if t.deps.Sink != nil {
		t.deps.Sink.ApplyOutcomes(outcomes)
	}

	t.mu.Lock()
	for _, o := range outcomes {
		delete(t.jobs, o.Job.ID)
	}
	t.mu.Unlock()
}

func (t *Tracker) finalize(job domain.Job) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
	defer cancel()

	if job.Status == domain.JobCompleted {
		att := domain.Attachment{
			MessageID:      job.MessageID,
			OwnerContextID: job.OwnerContextID,
			Type:           domain.AttachmentTypeImage,
			URL:            job.ResultURL,
			Metadata: domain.AttachmentMeta{
				JobID:       job.ID,
				Prompt:      job.Prompt,
				AspectRatio: job.AspectRatio,
				StyleName:   job.StyleName,
				ModelTier:   job.ModelTier,
			},
		}
		saved, created, err := t.deps.Attachments.SaveAttachment(ctx, att)
		if err != nil {
			slog.Error("persist job attachment", "job_id", job.ID, "message_id", job.MessageID, "error", err)
			return Outcome{Job: job, Attachment: &att}
		}
		if created {
			t.publish(ctx, notify.Event{OwnerContextID: job.OwnerContextID, Kind: notify.KindAttachment})
		}
		return Outcome{Job: job, Attachment: saved}
	}

	refunded, err := t.deps.Refunds.RefundJob(ctx, job.OwnerContextID, job.ID)
	switch {
	case err != nil:
		slog.Error("refund failed job", "job_id", job.ID, "owner", job.OwnerContextID, "error", err)
		if t.deps.Alerts != nil {
			t.deps.Alerts.LogError(err, "refund job "+job.ID)
		}
	case refunded:
		if t.deps.Alerts != nil {
			t.deps.Alerts.LogCreditRefund(job.OwnerContextID, job.ID)
		}
	default:
		slog.Warn("job had no debit to refund", "job_id", job.ID, "owner", job.OwnerContextID)
	}

	notice := Notice(job.Status, refunded)
	if err := t.deps.Attachments.AppendNotice(ctx, job.MessageID, notice); err != nil {
		slog.Error("append job notice", "job_id", job.ID, "message_id", job.MessageID, "error", err)
	} else {
		t.publish(ctx, notify.Event{OwnerContextID: job.OwnerContextID, Kind: notify.KindMessage})
	}

	slog.Info("job ended without result", "job_id", job.ID, "status", job.Status, "reason", job.Reason)
	return Outcome{Job: job, Notice: notice}
}

// Notice is the text appended to a message whose job ended without a result.
func Notice(status domain.JobStatus, refunded bool) string {
	notice := config.JobFailedNotice
	if status == domain.JobTimedOut {
		notice = config.JobTimedOutNotice
	}
	if refunded {
		notice += " " + config.CreditsRefundedNotice
	}
	return notice
}

func (t *Tracker) publish(ctx context.Context, ev notify.Event) {
	if t.deps.Publisher == nil {
		return
	}
	ev.Origin = t.opts.Origin
	if err := t.deps.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish change event", "kind", ev.Kind, "error", err)
	}
}

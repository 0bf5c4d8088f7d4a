package chat

import (
	"context"
	"time"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/notify"
	"github.com/set-night/studiochat/internal/repository"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateSession(ctx context.Context, owner, title string) (*domain.Session, error)
	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	LatestActiveSession(ctx context.Context, owner string) (*domain.Session, error)
	ListSessions(ctx context.Context, owner string, limit, offset int) ([]domain.Session, error)
	ActivateSession(ctx context.Context, owner string, id int64) error
	DeactivateSessions(ctx context.Context, owner string) error
	UpdateSessionTitle(ctx context.Context, id int64, title string) error
	DeleteSession(ctx context.Context, id int64) error

	AddMessage(ctx context.Context, sessionID int64, role domain.Role, text string) (*domain.Message, error)
	AppendNotice(ctx context.Context, messageID int64, notice string) error
	ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error)
	ListAttachments(ctx context.Context, sessionID int64) ([]domain.Attachment, error)
	SaveAttachment(ctx context.Context, a domain.Attachment) (*domain.Attachment, bool, error)
}

// ChangeFeed delivers store change notifications scoped to one session.
type ChangeFeed interface {
	Subscribe(sessionID int64, fn func(repository.Change)) func()
}

// Cache is the owner's local snapshot plus the last-used session pointer.
type Cache interface {
	LoadSnapshot(ctx context.Context, owner string) (*domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, owner string, snap *domain.Snapshot) error
	ClearSnapshot(ctx context.Context, owner string) error
	LastSession(ctx context.Context, owner string) (int64, error)
	SetLastSession(ctx context.Context, owner string, id int64) error
}

type Generator interface {
	Chat(ctx context.Context, req generation.ChatRequest) (*generation.ChatResponse, error)
	JobStatus(ctx context.Context, jobID string) (*generation.JobStatus, error)
	CampaignStatus(ctx context.Context, campaignID string) (*domain.Campaign, error)
	GenerateTitle(ctx context.Context, window []string) (string, error)
}

type Ledger interface {
	DeductJobs(ctx context.Context, owner string, jobIDs []string) (decimal.Decimal, decimal.Decimal, error)
	RefundJob(ctx context.Context, owner, jobID string) (bool, error)
}

type Bus interface {
	Publish(ctx context.Context, ev notify.Event) error
	Subscribe(owner string, fn func(notify.Event)) func()
}

// Alerter mirrors operational events to the operators. Optional.
type Alerter interface {
	LogError(err error, where string)
	LogCreditDebit(owner string, jobs int, charged, balance decimal.Decimal)
	LogCreditRefund(owner, jobID string)
}

type Deps struct {
	Store     Store
	Changes   ChangeFeed
	Cache     Cache
	Generator Generator
	Ledger    Ledger
	Bus       Bus
	Alerts    Alerter
}

type Options struct {
	SendCooldown         time.Duration
	JobPollInterval      time.Duration
	JobMaxAttempts       int
	CampaignPollInterval time.Duration
	CampaignGrace        time.Duration
	ReloadDebounce       time.Duration
	IdleTimeout          time.Duration
	Now                  func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SendCooldown:         cfg.SendCooldown,
		JobPollInterval:      cfg.JobPollInterval,
		JobMaxAttempts:       cfg.JobMaxAttempts,
		CampaignPollInterval: cfg.CampaignPollInterval,
		CampaignGrace:        cfg.CampaignGrace,
		ReloadDebounce:       cfg.ReloadDebounce,
		IdleTimeout:          cfg.ViewIdleTimeout,
	}
}

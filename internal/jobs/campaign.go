package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
)

type CampaignClient interface {
	CampaignStatus(ctx context.Context, campaignID string) (*domain.Campaign, error)
}

// Progress is what the progress widget of a campaign renders.
type Progress struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	// Slots has one entry per expected image, empty until filled.
	Slots     []string `json:"slots"`
	Done      bool     `json:"done"`
	Dismissed bool     `json:"dismissed"`
}

const maxCampaignErrors = 10

// CampaignPoller polls the aggregate status of bulk generation campaigns.
type CampaignPoller struct {
	client   CampaignClient
	interval time.Duration
	grace    time.Duration
}

func NewCampaignPoller(client CampaignClient, interval, grace time.Duration) *CampaignPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &CampaignPoller{client: client, interval: interval, grace: grace}
}

// Track polls campaignID until it is terminal, calling onProgress after each
// successful poll. After the grace period onProgress is called once more with
// Dismissed set. The returned stop cancels pending timers and waits for the
// poll goroutine to exit; it does not abort a request already in flight.
func (p *CampaignPoller) Track(campaignID string, onProgress func(Progress)) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		p.run(campaignID, onProgress, quit)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

func (p *CampaignPoller) run(id string, onProgress func(Progress), quit <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var last Progress
	errorsInRow := 0
	for {
		select {
		case <-quit:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		c, err := p.client.CampaignStatus(ctx, id)
		cancel()

		if err != nil {
			errorsInRow++
			slog.Warn("campaign status poll failed", "campaign_id", id, "errors", errorsInRow, "error", err)
			if errorsInRow < maxCampaignErrors {
				timer.Reset(p.interval)
				continue
			}
			last.CampaignID = id
			last.Status = "failed"
			last.Done = true
			onProgress(last)
			break
		}
		errorsInRow = 0

		last = progressOf(id, c)
		onProgress(last)
		if last.Done {
			break
		}
		timer.Reset(p.interval)
	}

	slog.Info("campaign finished", "campaign_id", id, "status", last.Status,
		"completed", last.Completed, "total", last.Total)

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-quit:
		return
	case <-grace.C:
	}
	last.Dismissed = true
	onProgress(last)
}

func progressOf(id string, c *domain.Campaign) Progress {
	total := c.TotalImages
	if len(c.AssetURLs) > total {
		total = len(c.AssetURLs)
	}
	slots := make([]string, total)
	copy(slots, c.AssetURLs)

	return Progress{
		CampaignID: id,
		Status:     c.Status,
		Total:      total,
		Completed:  c.CompletedImages,
		Slots:      slots,
		Done:       c.Terminal(),
	}
}

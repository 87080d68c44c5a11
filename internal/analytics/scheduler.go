package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/notify"
)

// Scheduler periodically recomputes recurrence alerts for the campaigns
// someone is watching and publishes them as analytics.refreshed events.
type Scheduler struct {
	analyzer  *Analyzer
	pub       notify.Publisher
	campaigns func() []string
	interval  time.Duration
	threshold int
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler creates a Scheduler. Call Start to begin refreshing.
func NewScheduler(a *Analyzer, pub notify.Publisher, campaigns func() []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		analyzer:  a,
		pub:       pub,
		campaigns: campaigns,
		interval:  interval,
		threshold: DefaultThresholdDays,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
}

// Stop cancels the refresh goroutine and waits for it to finish. It is a
// no-op before Start.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) refresh(ctx context.Context) {
	for _, campaignID := range s.campaigns() {
		// day counts move with the clock, so cached alerts are dropped first
		s.analyzer.Invalidate(ctx, campaignID)
		alerts, err := s.analyzer.ComputeRecurrenceAlerts(ctx, campaignID, s.threshold)
		if err != nil {
			s.logger.Warn("analytics refresh failed", "campaign", campaignID, "err", err)
			continue
		}
		s.pub.Publish(core.Event{
			Type:       core.EventAnalyticsRefreshed,
			CampaignID: campaignID,
			Data:       map[string]any{"alerts": alerts},
		})
	}
}

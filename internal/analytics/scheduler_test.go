package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/storage"
)

func TestSchedulerPublishesRefreshedAlerts(t *testing.T) {
	store := storage.NewInMemory()
	s := &seeder{t: t, store: store}
	s.location("a", "Rua A", "Recife")
	s.visit("a", 10*day)

	bus := notify.NewBus(4)
	events, cancel := bus.Subscribe(core.EventAnalyticsRefreshed)
	defer cancel()

	sched := NewScheduler(newAnalyzer(store), bus, func() []string { return []string{"c1"} }, 10*time.Millisecond, nil)
	sched.Start(context.Background())
	defer sched.Stop()

	select {
	case ev := <-events:
		assert.Equal(t, "c1", ev.CampaignID)
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok)
		alerts, ok := data["alerts"].([]RecurrenceAlert)
		require.True(t, ok)
		require.Len(t, alerts, 1)
		assert.Equal(t, 10, alerts[0].DaysSinceLastVisit)
	case <-time.After(2 * time.Second):
		t.Fatal("no analytics.refreshed event")
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	sched := NewScheduler(newAnalyzer(storage.NewInMemory()), notify.Nop{}, func() []string { return nil }, time.Minute, nil)
	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

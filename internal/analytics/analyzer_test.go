package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
	"github.com/mistakeknot/canvass/internal/storage/sqlite"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

type seeder struct {
	t     *testing.T
	store storage.Store
	seq   int
}

func (s *seeder) location(id, name, city string) {
	s.t.Helper()
	_, err := s.store.CreateLocation(context.Background(), core.Location{ID: id, CampaignID: "c1", Name: name, City: city})
	require.NoError(s.t, err)
}

func (s *seeder) visit(locationID string, endedAgo time.Duration) {
	s.t.Helper()
	s.seq++
	ended := now.Add(-endedAgo)
	_, err := s.store.CreateSession(context.Background(), core.CheckinSession{
		ID:         "s" + string(rune('a'+s.seq)),
		LocationID: locationID,
		CampaignID: "c1",
		AgentID:    "ana",
		Status:     core.SessionCompleted,
		StartedAt:  ended.Add(-2 * time.Hour),
		EndedAt:    &ended,
	})
	require.NoError(s.t, err)
}

func (s *seeder) spend(city string, cost float64, approved bool) {
	s.t.Helper()
	_, err := s.store.CreateSpend(context.Background(), core.SpendRecord{CampaignID: "c1", City: city, EstimatedCost: cost, Approved: approved})
	require.NoError(s.t, err)
}

func newAnalyzer(store storage.Store, opts ...Option) *Analyzer {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(store, store, SourceFor(store), opts...)
}

const day = 24 * time.Hour

func TestRecurrenceThresholdBoundary(t *testing.T) {
	store := storage.NewInMemory()
	s := &seeder{t: t, store: store}
	s.location("exact", "Rua Exata", "Recife")
	s.location("short", "Rua Curta", "Recife")
	s.visit("exact", 7*day)
	s.visit("short", 6*day)

	alerts, err := newAnalyzer(store).ComputeRecurrenceAlerts(context.Background(), "c1", 7)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "exact", alerts[0].LocationID)
	assert.Equal(t, 7, alerts[0].DaysSinceLastVisit)
}

func TestRecurrenceUsesLatestVisitAndSortsMostOverdueFirst(t *testing.T) {
	store := storage.NewInMemory()
	s := &seeder{t: t, store: store}
	s.location("a", "Avenida A", "Olinda")
	s.location("b", "Beco B", "Olinda")
	s.location("c", "Caminho C", "Olinda")
	s.visit("a", 30*day)
	s.visit("a", 9*day+23*time.Hour)
	s.visit("b", 20*day)
	s.visit("c", 2*day)

	alerts, err := newAnalyzer(store).ComputeRecurrenceAlerts(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].LocationID)
	assert.Equal(t, 20, alerts[0].DaysSinceLastVisit)
	assert.Equal(t, "a", alerts[1].LocationID)
	assert.Equal(t, 9, alerts[1].DaysSinceLastVisit)
}

func TestRecurrenceExcludesUnvisitedLocations(t *testing.T) {
	store := storage.NewInMemory()
	s := &seeder{t: t, store: store}
	s.location("never", "Rua Nunca", "Recife")
	_, err := store.CreateSession(context.Background(), core.CheckinSession{
		ID: "open", LocationID: "never", CampaignID: "c1", AgentID: "ana",
		Status: core.SessionActive, StartedAt: now.Add(-400 * day),
	})
	require.NoError(t, err)

	alerts, err := newAnalyzer(store).ComputeRecurrenceAlerts(context.Background(), "c1", 1)
	require.NoError(t, err)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestEffectivenessRankingOrder(t *testing.T) {
	store := storage.NewInMemory()
	s := &seeder{t: t, store: store}
	for _, id := range []string{"a1", "a2"} {
		s.location(id, "Rua "+id, "Alpha")
	}
	for _, id := range []string{"b1", "b2", "b3", "b4", "b5"} {
		s.location(id, "Rua "+id, "Beta")
		s.visit(id, day)
	}
	s.visit("a1", day)
	s.visit("a1", 3*day)
	s.visit("a2", day)
	s.spend("Alpha", 600, true)
	s.spend("Alpha", 400, true)
	s.spend("Alpha", 9000, false)
	s.spend("Beta", 1000, true)
	s.spend("Gamma", 300, true)

	ranking, err := newAnalyzer(store).ComputeEffectivenessRanking(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, ranking, 3)
	assert.Equal(t, EffectivenessEntry{City: "Beta", DistinctLocationsVisited: 5, TotalCost: 1000, CostPerLocation: 200}, ranking[0])
	assert.Equal(t, EffectivenessEntry{City: "Alpha", DistinctLocationsVisited: 2, TotalCost: 1000, CostPerLocation: 500}, ranking[1])
	assert.Equal(t, EffectivenessEntry{City: "Gamma", TotalCost: 300}, ranking[2])
}

func TestScanAndRollupAgree(t *testing.T) {
	store := sqlite.NewSQLiteTest(t)
	s := &seeder{t: t, store: store}
	s.location("a", "Avenida A", "Olinda")
	s.location("b", "Beco B", "Recife")
	s.visit("a", 12*day)
	s.visit("a", 8*day)
	s.visit("b", 15*day)
	ctx := context.Background()

	scanned, err := ScanSource{Sessions: store}.LastVisits(ctx, "c1")
	require.NoError(t, err)
	rolled, err := store.LastVisits(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rolled, len(scanned))
	for id, at := range scanned {
		assert.True(t, at.Equal(rolled[id]), "location %s: scan %v rollup %v", id, at, rolled[id])
	}

	viaScan, err := New(store, store, ScanSource{Sessions: store}, WithClock(func() time.Time { return now })).ComputeRecurrenceAlerts(ctx, "c1", 7)
	require.NoError(t, err)
	viaRollup, err := newAnalyzer(store).ComputeRecurrenceAlerts(ctx, "c1", 7)
	require.NoError(t, err)
	assert.Equal(t, viaScan, viaRollup)
	require.Len(t, viaRollup, 2)
	assert.Equal(t, "b", viaRollup[0].LocationID)
}

type failingSource struct{}

func (failingSource) LastVisits(context.Context, string) (map[string]time.Time, error) {
	return nil, errors.New("store unavailable")
}

func TestReadFailureIsDistinctFromEmpty(t *testing.T) {
	store := storage.NewInMemory()
	a := New(store, store, failingSource{})

	_, err := a.ComputeRecurrenceAlerts(context.Background(), "c1", 7)
	var readErr *core.ComputationReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "recurrence", readErr.Op)

	_, err = a.ComputeEffectivenessRanking(context.Background(), "c1")
	require.ErrorAs(t, err, &readErr)

	empty, err := newAnalyzer(store).ComputeEffectivenessRanking(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDaysSinceTruncates(t *testing.T) {
	assert.Equal(t, 0, DaysSince(now, now.Add(-23*time.Hour)))
	assert.Equal(t, 1, DaysSince(now, now.Add(-day)))
	assert.Equal(t, 6, DaysSince(now, now.Add(-7*day+time.Second)))
}

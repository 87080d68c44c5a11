// Package analytics derives revisit alerts and per-city cost effectiveness
// from completed sessions and approved spend.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/storage"
)

const DefaultThresholdDays = 7

// RecurrenceAlert flags a visited location that is due for another visit.
type RecurrenceAlert struct {
	LocationID         string `json:"location_id"`
	LocationName       string `json:"location_name"`
	Neighborhood       string `json:"neighborhood,omitempty"`
	City               string `json:"city,omitempty"`
	DaysSinceLastVisit int    `json:"days_since_last_visit"`
}

// EffectivenessEntry is one city's spend per distinct visited location.
type EffectivenessEntry struct {
	City                     string  `json:"city"`
	DistinctLocationsVisited int     `json:"distinct_locations_visited"`
	TotalCost                float64 `json:"total_cost"`
	CostPerLocation          float64 `json:"cost_per_location"`
}

// Source reports the most recent completion time of every visited location
// in a campaign. Locations never completed are absent.
type Source interface {
	LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error)
}

// ScanSource derives last visits by scanning completed sessions newest first.
type ScanSource struct {
	Sessions storage.SessionStore
}

func (s ScanSource) LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error) {
	completed := core.SessionCompleted
	sessions, err := s.Sessions.ListSessionsByCampaign(ctx, campaignID, storage.SessionFilter{
		Status:  &completed,
		OrderBy: storage.OrderEndedAt,
		Desc:    true,
	})
	if err != nil {
		return nil, err
	}
	last := make(map[string]time.Time, len(sessions))
	for _, sess := range sessions {
		if sess.EndedAt == nil {
			continue
		}
		if _, seen := last[sess.LocationID]; !seen {
			last[sess.LocationID] = *sess.EndedAt
		}
	}
	return last, nil
}

// SourceFor prefers the store's maintained rollup and falls back to a scan.
func SourceFor(store storage.SessionStore) Source {
	if rollup, ok := store.(storage.VisitRollup); ok {
		return rollup
	}
	return ScanSource{Sessions: store}
}

type Analyzer struct {
	locations storage.LocationStore
	spend     storage.SpendStore
	visits    Source
	cache     Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Analyzer)

func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

func WithCache(c Cache) Option { return func(a *Analyzer) { a.cache = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Analyzer) { a.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(a *Analyzer) { a.logger = l } }

func New(locations storage.LocationStore, spend storage.SpendStore, visits Source, opts ...Option) *Analyzer {
	a := &Analyzer{
		locations: locations,
		spend:     spend,
		visits:    visits,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputeRecurrenceAlerts lists visited locations whose last completed
// session ended at least thresholdDays whole days ago, most overdue first.
// A threshold below 1 uses DefaultThresholdDays.
func (a *Analyzer) ComputeRecurrenceAlerts(ctx context.Context, campaignID string, thresholdDays int) ([]RecurrenceAlert, error) {
	if thresholdDays < 1 {
		thresholdDays = DefaultThresholdDays
	}
	key := alertsKey(campaignID, thresholdDays)
	var cached []RecurrenceAlert
	if a.cacheGet(ctx, key, &cached) {
		return cached, nil
	}
	defer a.observe("recurrence", time.Now())

	locations, err := a.locations.ListLocationsByCampaign(ctx, campaignID)
	if err != nil {
		return nil, &core.ComputationReadError{Op: "recurrence", Err: fmt.Errorf("list locations: %w", err)}
	}
	last, err := a.visits.LastVisits(ctx, campaignID)
	if err != nil {
		return nil, &core.ComputationReadError{Op: "recurrence", Err: fmt.Errorf("last visits: %w", err)}
	}

	now := a.now()
	alerts := []RecurrenceAlert{}
	for _, loc := range locations {
		ended, ok := last[loc.ID]
		if !ok {
			continue
		}
		days := DaysSince(now, ended)
		if days < thresholdDays {
			continue
		}
		alerts = append(alerts, RecurrenceAlert{
			LocationID:         loc.ID,
			LocationName:       loc.Name,
			Neighborhood:       loc.Neighborhood,
			City:               loc.City,
			DaysSinceLastVisit: days,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].DaysSinceLastVisit != alerts[j].DaysSinceLastVisit {
			return alerts[i].DaysSinceLastVisit > alerts[j].DaysSinceLastVisit
		}
		return alerts[i].LocationName < alerts[j].LocationName
	})
	a.cacheSet(ctx, campaignID, key, alerts)
	return alerts, nil
}

// DaysSince counts whole elapsed days, truncating toward zero.
func DaysSince(now, then time.Time) int {
	return int(now.Sub(then) / (24 * time.Hour))
}

// ComputeEffectivenessRanking ranks every city with visits or approved spend
// by cost per distinct visited location, cheapest first. Cities with spend
// but no visits report zero and sort last.
func (a *Analyzer) ComputeEffectivenessRanking(ctx context.Context, campaignID string) ([]EffectivenessEntry, error) {
	key := rankingKey(campaignID)
	var cached []EffectivenessEntry
	if a.cacheGet(ctx, key, &cached) {
		return cached, nil
	}
	defer a.observe("effectiveness", time.Now())

	locations, err := a.locations.ListLocationsByCampaign(ctx, campaignID)
	if err != nil {
		return nil, &core.ComputationReadError{Op: "effectiveness", Err: fmt.Errorf("list locations: %w", err)}
	}
	last, err := a.visits.LastVisits(ctx, campaignID)
	if err != nil {
		return nil, &core.ComputationReadError{Op: "effectiveness", Err: fmt.Errorf("last visits: %w", err)}
	}
	spend, err := a.spend.ListApprovedSpend(ctx, campaignID)
	if err != nil {
		return nil, &core.ComputationReadError{Op: "effectiveness", Err: fmt.Errorf("approved spend: %w", err)}
	}

	byCity := map[string]*EffectivenessEntry{}
	entry := func(city string) *EffectivenessEntry {
		e, ok := byCity[city]
		if !ok {
			e = &EffectivenessEntry{City: city}
			byCity[city] = e
		}
		return e
	}
	for _, loc := range locations {
		if _, visited := last[loc.ID]; visited {
			entry(loc.City).DistinctLocationsVisited++
		}
	}
	for _, s := range spend {
		entry(s.City).TotalCost += s.EstimatedCost
	}

	ranking := make([]EffectivenessEntry, 0, len(byCity))
	for _, e := range byCity {
		if e.DistinctLocationsVisited > 0 {
			e.CostPerLocation = e.TotalCost / float64(e.DistinctLocationsVisited)
		}
		ranking = append(ranking, *e)
	}
	sort.Slice(ranking, func(i, j int) bool {
		vi, vj := ranking[i].DistinctLocationsVisited > 0, ranking[j].DistinctLocationsVisited > 0
		if vi != vj {
			return vi
		}
		if ranking[i].CostPerLocation != ranking[j].CostPerLocation {
			return ranking[i].CostPerLocation < ranking[j].CostPerLocation
		}
		return ranking[i].City < ranking[j].City
	})
	a.cacheSet(ctx, campaignID, key, ranking)
	return ranking, nil
}

// Invalidate drops cached results for a campaign.
func (a *Analyzer) Invalidate(ctx context.Context, campaignID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, campaignID); err != nil {
		a.logger.Warn("analytics cache invalidate failed", "campaign", campaignID, "err", err)
	}
}

// InvalidateOn drops a campaign's cached results whenever an event that
// changes its inputs arrives, until events closes or ctx is done.
func (a *Analyzer) InvalidateOn(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case core.EventSessionCompleted, core.EventSpendRecorded, core.EventLocationCreated:
				a.Invalidate(ctx, ev.CampaignID)
			}
		}
	}
}

func (a *Analyzer) cacheGet(ctx context.Context, key string, v any) bool {
	if a.cache == nil {
		return false
	}
	hit, err := a.cache.Get(ctx, key, v)
	if err != nil {
		a.logger.Warn("analytics cache read failed", "key", key, "err", err)
		return false
	}
	return hit
}

func (a *Analyzer) cacheSet(ctx context.Context, campaignID, key string, v any) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Set(ctx, campaignID, key, v); err != nil {
		a.logger.Warn("analytics cache write failed", "key", key, "err", err)
	}
}

func (a *Analyzer) observe(computation string, start time.Time) {
	if a.metrics != nil {
		a.metrics.AnalyticsDuration.WithLabelValues(computation).Observe(time.Since(start).Seconds())
	}
}

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
)

type OrderBy string

const (
	OrderStartedAt OrderBy = "started_at"
	OrderEndedAt   OrderBy = "ended_at"
)

// SessionFilter narrows session listings. A nil Status lists every status.
type SessionFilter struct {
	Status  *core.SessionStatus
	OrderBy OrderBy
	Desc    bool
}

func StatusFilter(status core.SessionStatus) SessionFilter {
	return SessionFilter{Status: &status}
}

type LocationStore interface {
	ListLocationsByCampaign(ctx context.Context, campaignID string) ([]core.Location, error)
	GetLocation(ctx context.Context, id string) (core.Location, error)
	// CreateLocation fails with *core.DuplicateError when the folded name is
	// already registered in the campaign.
	CreateLocation(ctx context.Context, loc core.Location) (core.Location, error)
}

type SessionStore interface {
	ListSessionsByLocation(ctx context.Context, locationID string, f SessionFilter) ([]core.CheckinSession, error)
	ListSessionsByCampaign(ctx context.Context, campaignID string, f SessionFilter) ([]core.CheckinSession, error)
	GetSession(ctx context.Context, id string) (core.CheckinSession, error)
	// CreateSession fails with *core.ConflictError when the session is active
	// and the location already has an active session. Re-creating an existing
	// id for the same location returns the stored row, first completing it
	// when the stored row is active and the new copy is completed.
	CreateSession(ctx context.Context, s core.CheckinSession) (core.CheckinSession, error)
	UpdateSession(ctx context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error)
}

// SpendStore is the read side of the external resource ledger plus the
// minimal write needed to seed it.
type SpendStore interface {
	ListApprovedSpend(ctx context.Context, campaignID string) ([]core.CitySpend, error)
	CreateSpend(ctx context.Context, r core.SpendRecord) (core.SpendRecord, error)
}

type Store interface {
	LocationStore
	SessionStore
	SpendStore
}

// VisitRollup is implemented by stores that maintain the latest completion
// time per location as sessions complete.
type VisitRollup interface {
	LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error)
}

// SortSessions orders sessions in place per the filter. Sessions without an
// end time sort after those with one, whatever the direction.
func SortSessions(sessions []core.CheckinSession, f SessionFilter) {
	key := func(s core.CheckinSession) (time.Time, bool) {
		if f.OrderBy == OrderEndedAt {
			if s.EndedAt == nil {
				return time.Time{}, false
			}
			return *s.EndedAt, true
		}
		return s.StartedAt, true
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		ti, oki := key(sessions[i])
		tj, okj := key(sessions[j])
		if oki != okj {
			return oki
		}
		if f.Desc {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})
}

// InMemory is a minimal in-memory store for tests.
type InMemory struct {
	mu        sync.Mutex
	locations map[string]core.Location
	sessions  map[string]core.CheckinSession
	order     []string
	spend     []core.SpendRecord
}

func NewInMemory() *InMemory {
	return &InMemory{
		locations: make(map[string]core.Location),
		sessions:  make(map[string]core.CheckinSession),
	}
}

func (m *InMemory) ListLocationsByCampaign(_ context.Context, campaignID string) ([]core.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Location
	for _, l := range m.locations {
		if l.CampaignID == campaignID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) GetLocation(_ context.Context, id string) (core.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return core.Location{}, core.ErrNotFound
	}
	return l, nil
}

func (m *InMemory) CreateLocation(_ context.Context, loc core.Location) (core.Location, error) {
	if err := loc.Validate(); err != nil {
		return core.Location{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := core.NameKey(loc.Name)
	if existing, ok := m.locations[loc.ID]; ok && loc.ID != "" {
		if existing.CampaignID == loc.CampaignID && core.NameKey(existing.Name) == key {
			return existing, nil
		}
		return core.Location{}, &core.ValidationError{Field: "id", Reason: "already used by another location"}
	}
	for _, l := range m.locations {
		if l.CampaignID == loc.CampaignID && core.NameKey(l.Name) == key {
			return core.Location{}, &core.DuplicateError{CampaignID: loc.CampaignID, Name: loc.Name}
		}
	}
	if loc.ID == "" {
		loc.ID = newID()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	loc.Name = strings.TrimSpace(loc.Name)
	m.locations[loc.ID] = loc
	return loc, nil
}

func (m *InMemory) ListSessionsByLocation(_ context.Context, locationID string, f SessionFilter) ([]core.CheckinSession, error) {
	return m.listSessions(f, func(s core.CheckinSession) bool { return s.LocationID == locationID }), nil
}

func (m *InMemory) ListSessionsByCampaign(_ context.Context, campaignID string, f SessionFilter) ([]core.CheckinSession, error) {
	return m.listSessions(f, func(s core.CheckinSession) bool { return s.CampaignID == campaignID }), nil
}

func (m *InMemory) listSessions(f SessionFilter, match func(core.CheckinSession) bool) []core.CheckinSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.CheckinSession
	for _, id := range m.order {
		s := m.sessions[id]
		if !match(s) {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		out = append(out, s)
	}
	SortSessions(out, f)
	return out
}

func (m *InMemory) GetSession(_ context.Context, id string) (core.CheckinSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.CheckinSession{}, core.ErrNotFound
	}
	return s, nil
}

func (m *InMemory) CreateSession(_ context.Context, s core.CheckinSession) (core.CheckinSession, error) {
	if err := s.Validate(); err != nil {
		return core.CheckinSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		if existing.LocationID != s.LocationID {
			return core.CheckinSession{}, &core.ValidationError{Field: "id", Reason: "already used by another location"}
		}
		if u, ok := core.CatchUp(existing, s); ok {
			next, err := u.Apply(existing)
			if err != nil {
				return core.CheckinSession{}, err
			}
			m.sessions[s.ID] = next
			return next, nil
		}
		return existing, nil
	}
	if s.Status == core.SessionActive {
		for _, other := range m.sessions {
			if other.LocationID == s.LocationID && other.Status == core.SessionActive {
				return core.CheckinSession{}, &core.ConflictError{LocationID: s.LocationID, SessionID: other.ID}
			}
		}
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return s, nil
}

func (m *InMemory) UpdateSession(_ context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.CheckinSession{}, core.ErrNotFound
	}
	next, err := u.Apply(s)
	if err != nil {
		return core.CheckinSession{}, err
	}
	m.sessions[id] = next
	return next, nil
}

func (m *InMemory) ListApprovedSpend(_ context.Context, campaignID string) ([]core.CitySpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.CitySpend
	for _, r := range m.spend {
		if r.CampaignID == campaignID && r.Approved {
			out = append(out, core.CitySpend{City: r.City, EstimatedCost: r.EstimatedCost})
		}
	}
	return out, nil
}

func (m *InMemory) CreateSpend(_ context.Context, r core.SpendRecord) (core.SpendRecord, error) {
	if err := r.Validate(); err != nil {
		return core.SpendRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	for _, existing := range m.spend {
		if existing.ID == r.ID {
			return existing, nil
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.spend = append(m.spend, r)
	return r, nil
}

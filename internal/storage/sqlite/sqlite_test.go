package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

func newSession(id, location string, started time.Time) core.CheckinSession {
	return core.CheckinSession{
		ID:         id,
		LocationID: location,
		CampaignID: "camp-a",
		AgentID:    "agent-1",
		Status:     core.SessionActive,
		StartedAt:  started,
	}
}

func complete(t *testing.T, st storage.SessionStore, id string, at time.Time) core.CheckinSession {
	t.Helper()
	status := core.SessionCompleted
	s, err := st.UpdateSession(context.Background(), id, core.SessionUpdate{Status: &status, EndedAt: &at})
	if err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
	return s
}

func TestUniqueIndexRejectsSecondActiveSession(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.CreateSession(ctx, newSession("s1", "loc-1", now)); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	_, err := st.CreateSession(ctx, newSession("s2", "loc-1", now))
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.SessionID != "s1" || ce.LocationID != "loc-1" {
		t.Fatalf("unexpected conflict detail: %+v", ce)
	}

	complete(t, st, "s1", now.Add(time.Hour))
	if _, err := st.CreateSession(ctx, newSession("s2", "loc-1", now.Add(2*time.Hour))); err != nil {
		t.Fatalf("location should accept a new session after completion: %v", err)
	}
}

func TestCreateSessionRedeliveryIsIdempotent(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	s := newSession("s1", "loc-1", time.Now().UTC())
	first, err := st.CreateSession(ctx, s)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := st.CreateSession(ctx, s)
	if err != nil {
		t.Fatalf("re-delivery: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected the stored row back, got %+v", again)
	}
	other := newSession("s1", "loc-2", time.Now().UTC())
	if _, err := st.CreateSession(ctx, other); !core.IsValidation(err) {
		t.Fatalf("expected validation error for id reuse, got %v", err)
	}
}

func TestRedeliveredCompletionClosesStoredSession(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

	start := newSession("s1", "loc-1", base)
	if _, err := st.CreateSession(ctx, start); err != nil {
		t.Fatalf("create: %v", err)
	}

	// the same session re-sent after the agent closed it offline
	closed := start
	closed.Status = core.SessionCompleted
	ended := base.Add(time.Hour)
	closed.EndedAt = &ended
	closed.ClimateFeedback = "receptive"
	got, err := st.CreateSession(ctx, closed)
	if err != nil {
		t.Fatalf("re-delivery: %v", err)
	}
	if got.Status != core.SessionCompleted || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("expected completed at %s, got %+v", ended, got)
	}

	stored, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != core.SessionCompleted || stored.ClimateFeedback != "receptive" {
		t.Fatalf("completion not persisted: %+v", stored)
	}
	visits, err := st.LastVisits(ctx, "camp-a")
	if err != nil {
		t.Fatalf("visits: %v", err)
	}
	if !visits["loc-1"].Equal(ended) {
		t.Fatalf("rollup not updated: %v", visits)
	}
	if _, err := st.CreateSession(ctx, newSession("s2", "loc-1", base.Add(2*time.Hour))); err != nil {
		t.Fatalf("location should be free again: %v", err)
	}

	// an older active copy arriving afterwards changes nothing
	again, err := st.CreateSession(ctx, start)
	if err != nil {
		t.Fatalf("stale re-delivery: %v", err)
	}
	if again.Status != core.SessionCompleted {
		t.Fatalf("stale copy reopened the session: %+v", again)
	}
}

func TestCompletedSessionCannotReactivate(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := st.CreateSession(ctx, newSession("s1", "loc-1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := complete(t, st, "s1", now.Add(time.Hour))
	if done.Status != core.SessionCompleted || done.EndedAt == nil {
		t.Fatalf("expected completed with end time, got %+v", done)
	}

	active := core.SessionActive
	_, err := st.UpdateSession(ctx, "s1", core.SessionUpdate{Status: &active})
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.SessionCompleted {
		t.Fatalf("status changed to %s", got.Status)
	}
	if _, err := st.UpdateSession(ctx, "missing", core.SessionUpdate{}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListSessionsOrderedByEndedAtDesc(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		if _, err := st.CreateSession(ctx, newSession(id, "loc-"+id, base)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		complete(t, st, id, base.Add(time.Duration(i+1)*time.Hour))
	}
	if _, err := st.CreateSession(ctx, newSession("s4", "loc-s4", base)); err != nil {
		t.Fatalf("create s4: %v", err)
	}

	completed := core.SessionCompleted
	got, err := st.ListSessionsByCampaign(ctx, "camp-a", storage.SessionFilter{Status: &completed, OrderBy: storage.OrderEndedAt, Desc: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 completed sessions, got %d", len(got))
	}
	if got[0].ID != "s3" || got[1].ID != "s2" || got[2].ID != "s1" {
		t.Fatalf("unexpected order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}

	active, err := st.ListSessionsByLocation(ctx, "loc-s4", storage.StatusFilter(core.SessionActive))
	if err != nil {
		t.Fatalf("list by location: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s4" {
		t.Fatalf("expected s4 active, got %+v", active)
	}
}

func TestVisitRollupKeepsLatestCompletion(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

	if _, err := st.CreateSession(ctx, newSession("s1", "loc-1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	complete(t, st, "s1", base.Add(48*time.Hour))

	// an offline session delivered late, already completed, with an older end time
	late := newSession("s0", "loc-1", base)
	late.Status = core.SessionCompleted
	ended := base.Add(time.Hour)
	late.EndedAt = &ended
	if _, err := st.CreateSession(ctx, late); err != nil {
		t.Fatalf("create late: %v", err)
	}

	visits, err := st.LastVisits(ctx, "camp-a")
	if err != nil {
		t.Fatalf("visits: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("expected one visited location, got %d", len(visits))
	}
	if want := base.Add(48 * time.Hour); !visits["loc-1"].Equal(want) {
		t.Fatalf("expected %s, got %s", want, visits["loc-1"])
	}
}

func TestDuplicateLocationNameFolded(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	loc, err := st.CreateLocation(ctx, core.Location{CampaignID: "camp-a", Name: "Rua São João", City: "Recife"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = st.CreateLocation(ctx, core.Location{CampaignID: "camp-a", Name: "rua  sao joao"})
	var de *core.DuplicateError
	if !errors.As(err, &de) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	again, err := st.CreateLocation(ctx, loc)
	if err != nil || again.ID != loc.ID {
		t.Fatalf("re-delivery of the same location should succeed, got %+v %v", again, err)
	}
	list, err := st.ListLocationsByCampaign(ctx, "camp-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].City != "Recife" {
		t.Fatalf("unexpected locations: %+v", list)
	}
}

func TestApprovedSpend(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	for _, r := range []core.SpendRecord{
		{CampaignID: "camp-a", City: "Olinda", EstimatedCost: 300, Approved: true},
		{CampaignID: "camp-a", City: "Olinda", EstimatedCost: 700},
		{CampaignID: "camp-b", City: "Olinda", EstimatedCost: 50, Approved: true},
	} {
		if _, err := st.CreateSpend(ctx, r); err != nil {
			t.Fatalf("create spend: %v", err)
		}
	}
	got, err := st.ListApprovedSpend(ctx, "camp-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].City != "Olinda" || got[0].EstimatedCost != 300 {
		t.Fatalf("unexpected spend: %+v", got)
	}
}

func TestKVRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	kv, err := OpenKV(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v, err := kv.Get("missing"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q %v", v, err)
	}
	if err := kv.Set("queue", `[{"id":"e1"}]`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	kv, err = OpenKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	v, err := kv.Get("queue")
	if err != nil || v != `[{"id":"e1"}]` {
		t.Fatalf("expected persisted value, got %q %v", v, err)
	}
}

func TestResilientStorePassesConflictsThrough(t *testing.T) {
	rs := NewResilient(NewSQLiteTest(t))
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := rs.CreateSession(ctx, newSession("s1", "loc-1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 10; i++ {
		_, err := rs.CreateSession(ctx, newSession("other", "loc-1", now))
		if !core.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
	}
	if rs.CircuitBreakerState() != "closed" {
		t.Fatalf("conflicts must not open the breaker, got %s", rs.CircuitBreakerState())
	}
}

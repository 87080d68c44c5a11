package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
)

func activeSession(id, location string, started time.Time) core.CheckinSession {
	return core.CheckinSession{
		ID:         id,
		LocationID: location,
		CampaignID: "camp-a",
		AgentID:    "agent-1",
		Status:     core.SessionActive,
		StartedAt:  started,
	}
}

func TestInMemorySingleActiveSessionPerLocation(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	now := time.Now().UTC()

	if _, err := st.CreateSession(ctx, activeSession("s1", "loc-1", now)); err != nil {
		t.Fatalf("create first: %v", err)
	}
	_, err := st.CreateSession(ctx, activeSession("s2", "loc-1", now))
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.SessionID != "s1" {
		t.Fatalf("expected conflict with s1, got %q", ce.SessionID)
	}
	if _, err := st.CreateSession(ctx, activeSession("s3", "loc-2", now)); err != nil {
		t.Fatalf("other location should be free: %v", err)
	}

	completed := core.SessionCompleted
	if _, err := st.UpdateSession(ctx, "s1", core.SessionUpdate{Status: &completed, EndedAt: &now}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := st.CreateSession(ctx, activeSession("s2", "loc-1", now)); err != nil {
		t.Fatalf("location should be eligible again: %v", err)
	}
}

func TestInMemoryCreateSessionIdempotentOnID(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	s := activeSession("s1", "loc-1", time.Now().UTC())
	if _, err := st.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateSession(ctx, s); err != nil {
		t.Fatalf("re-delivery should succeed: %v", err)
	}
	all, _ := st.ListSessionsByLocation(ctx, "loc-1", SessionFilter{})
	if len(all) != 1 {
		t.Fatalf("expected one row, got %d", len(all))
	}
}

func TestInMemoryRedeliveredCompletionClosesSession(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	now := time.Now().UTC()
	start := activeSession("s1", "loc-1", now)
	if _, err := st.CreateSession(ctx, start); err != nil {
		t.Fatalf("create: %v", err)
	}
	closed := start
	closed.Status = core.SessionCompleted
	ended := now.Add(time.Hour)
	closed.EndedAt = &ended
	closed.Notes = "done"
	if _, err := st.CreateSession(ctx, closed); err != nil {
		t.Fatalf("re-delivery: %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.SessionCompleted || got.Notes != "done" {
		t.Fatalf("expected completed session, got %+v", got)
	}
	if _, err := st.CreateSession(ctx, activeSession("s2", "loc-1", ended)); err != nil {
		t.Fatalf("location should be free: %v", err)
	}
}

func TestInMemoryDuplicateLocationName(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	if _, err := st.CreateLocation(ctx, core.Location{CampaignID: "camp-a", Name: "Rua São João"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := st.CreateLocation(ctx, core.Location{CampaignID: "camp-a", Name: "rua sao joao"})
	if !core.IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := st.CreateLocation(ctx, core.Location{CampaignID: "camp-b", Name: "Rua São João"}); err != nil {
		t.Fatalf("same name in another campaign is allowed: %v", err)
	}
}

func TestInMemoryListByCampaignOrdersByEndedAtDesc(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	completed := core.SessionCompleted
	for i, id := range []string{"s1", "s2", "s3"} {
		s := activeSession(id, "loc-"+id, base)
		if _, err := st.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		ended := base.Add(time.Duration(i) * time.Hour)
		if _, err := st.UpdateSession(ctx, id, core.SessionUpdate{Status: &completed, EndedAt: &ended}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	got, err := st.ListSessionsByCampaign(ctx, "camp-a", SessionFilter{Status: &completed, OrderBy: OrderEndedAt, Desc: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != "s3" || got[2].ID != "s1" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestInMemoryApprovedSpendOnly(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()
	_, _ = st.CreateSpend(ctx, core.SpendRecord{CampaignID: "camp-a", City: "A", EstimatedCost: 100, Approved: true})
	_, _ = st.CreateSpend(ctx, core.SpendRecord{CampaignID: "camp-a", City: "A", EstimatedCost: 900})
	_, _ = st.CreateSpend(ctx, core.SpendRecord{CampaignID: "camp-b", City: "A", EstimatedCost: 50, Approved: true})
	got, err := st.ListApprovedSpend(ctx, "camp-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].EstimatedCost != 100 {
		t.Fatalf("unexpected spend: %+v", got)
	}
}

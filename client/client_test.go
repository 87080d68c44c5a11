package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/canvass/internal/analytics"
	"github.com/mistakeknot/canvass/internal/core"
	httpapi "github.com/mistakeknot/canvass/internal/http"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/storage"
	"github.com/mistakeknot/canvass/internal/storage/sqlite"
	"github.com/mistakeknot/canvass/internal/ws"
)

func newServer(t *testing.T) (*httptest.Server, *notify.Bus, *ws.Hub) {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	bus := notify.NewBus(16)
	hub := ws.NewHub(nil)
	svc := httpapi.NewService(st, analytics.New(st, st, analytics.SourceFor(st))).WithPublisher(bus)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(httpapi.CampaignParam), nil))
	t.Cleanup(srv.Close)
	return srv, bus, hub
}

func session(id, location string) core.CheckinSession {
	return core.CheckinSession{
		ID: id, LocationID: location, AgentID: "ana",
		Status: core.SessionActive, StartedAt: time.Now().UTC(),
	}
}

func TestClientWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Ping(ctx)
	require.Error(t, err)
	assert.False(t, core.IsPermanent(err))
}

func TestClientRoundTripsDomainErrors(t *testing.T) {
	srv, _, _ := newServer(t)
	c := New(srv.URL, WithCampaign("c1"))
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	loc, err := c.CreateLocation(ctx, core.Location{Name: "Rua das Flores", City: "Recife"})
	require.NoError(t, err)
	assert.Equal(t, "c1", loc.CampaignID)

	got, err := c.GetLocation(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, loc.Name, got.Name)

	_, err = c.CreateLocation(ctx, core.Location{Name: "rua das flores"})
	assert.True(t, core.IsDuplicate(err), "got %v", err)

	_, err = c.CreateSession(ctx, session("s1", loc.ID))
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, session("s2", loc.ID))
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "s1", conflict.SessionID)

	active, err := c.ListSessionsByLocation(ctx, loc.ID, storage.StatusFilter(core.SessionActive))
	require.NoError(t, err)
	require.Len(t, active, 1)

	status := core.SessionCompleted
	now := time.Now().UTC()
	done, err := c.UpdateSession(ctx, "s1", core.SessionUpdate{Status: &status, EndedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, done.Status)

	back := core.SessionActive
	_, err = c.UpdateSession(ctx, "s1", core.SessionUpdate{Status: &back})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = c.CreateSession(ctx, core.CheckinSession{ID: "bad", LocationID: loc.ID})
	assert.True(t, core.IsValidation(err), "got %v", err)
}

func TestInsertErrorsClassifyForTheQueue(t *testing.T) {
	srv, _, _ := newServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	payload, err := json.Marshal(core.CheckinSession{
		ID: "s1", LocationID: "rua-a", CampaignID: "c1", AgentID: "ana",
		Status: core.SessionActive, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, core.CollectionSessions, payload))
	require.NoError(t, c.Insert(ctx, core.CollectionSessions, payload))

	other, err := json.Marshal(core.CheckinSession{
		ID: "s2", LocationID: "rua-a", CampaignID: "c1", AgentID: "bia",
		Status: core.SessionActive, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	err = c.Insert(ctx, core.CollectionSessions, other)
	assert.True(t, core.IsConflict(err), "got %v", err)

	err = c.Insert(ctx, "votes", payload)
	var rw *core.RemoteWriteError
	require.ErrorAs(t, err, &rw)
	assert.False(t, rw.Retryable)
	assert.True(t, core.IsPermanent(err))
}

func TestServerFailuresAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Insert(context.Background(), core.CollectionLocations, json.RawMessage(`{}`))
	var rw *core.RemoteWriteError
	require.ErrorAs(t, err, &rw)
	assert.True(t, rw.Retryable)
}

func TestAnalyticsReadFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(core.APIError{Code: core.CodeComputationRead, Message: "recurrence"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).RecurrenceAlerts(context.Background(), "c1", 7)
	var readErr *core.ComputationReadError
	require.True(t, errors.As(err, &readErr), "got %v", err)
	assert.Equal(t, "recurrence", readErr.Op)
}

func TestWSClientReceivesCampaignEvents(t *testing.T) {
	srv, bus, hub := newServer(t)
	events, cancelSub := bus.Subscribe()
	defer cancelSub()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go hub.Relay(ctx, events)

	wsc := NewWSClient(srv.URL, "c1", WithAutoReconnect(false))
	got := make(chan core.Event, 4)
	wsc.OnEvent(FilteredEventHandler(EventFilter{Types: []core.EventType{core.EventSessionStarted}}, func(ev core.Event) {
		got <- ev
	}))
	require.NoError(t, wsc.Connect(ctx))
	defer wsc.Close()
	for len(hub.Campaigns()) == 0 {
		require.NoError(t, ctx.Err())
		time.Sleep(5 * time.Millisecond)
	}

	c := New(srv.URL, WithCampaign("c1"))
	_, err := c.CreateLocation(ctx, core.Location{ID: "rua-a", Name: "Rua A"})
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, session("s1", "rua-a"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, core.EventSessionStarted, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
	case <-ctx.Done():
		t.Fatal("no session.started event")
	}
}

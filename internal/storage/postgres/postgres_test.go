package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CANVASS_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CANVASS_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIsDSN(t *testing.T) {
	assert.True(t, IsDSN("postgres://u:p@localhost/canvass"))
	assert.True(t, IsDSN("postgresql://localhost/canvass"))
	assert.False(t, IsDSN("canvass.db"))
}

func TestPartialIndexSingleWinner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	campaign := "camp-" + uuid.NewString()
	location := "loc-" + uuid.NewString()

	const teams = 6
	var wg sync.WaitGroup
	results := make([]error, teams)
	for i := 0; i < teams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = st.CreateSession(ctx, core.CheckinSession{
				ID:         uuid.NewString(),
				LocationID: location,
				CampaignID: campaign,
				AgentID:    fmt.Sprintf("agent-%d", i),
				Status:     core.SessionActive,
				StartedAt:  time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, core.IsConflict(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestCompletionUpdatesRollup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	campaign := "camp-" + uuid.NewString()

	loc, err := st.CreateLocation(ctx, core.Location{CampaignID: campaign, Name: "Rua das Flores", City: "Recife"})
	require.NoError(t, err)
	_, err = st.CreateLocation(ctx, core.Location{CampaignID: campaign, Name: "rua das flores"})
	require.True(t, core.IsDuplicate(err), "expected duplicate, got %v", err)

	sess, err := st.CreateSession(ctx, core.CheckinSession{
		ID: uuid.NewString(), LocationID: loc.ID, CampaignID: campaign, AgentID: "agent-1",
		Status: core.SessionActive, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	ended := time.Now().UTC().Truncate(time.Microsecond)
	completed := core.SessionCompleted
	_, err = st.UpdateSession(ctx, sess.ID, core.SessionUpdate{Status: &completed, EndedAt: &ended})
	require.NoError(t, err)

	visits, err := st.LastVisits(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, visits[loc.ID].Equal(ended))

	list, err := st.ListSessionsByCampaign(ctx, campaign, storage.StatusFilter(core.SessionCompleted))
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRedeliveredCompletionClosesStoredSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	campaign := "camp-" + uuid.NewString()
	location := "loc-" + uuid.NewString()

	start := core.CheckinSession{
		ID: uuid.NewString(), LocationID: location, CampaignID: campaign, AgentID: "agent-1",
		Status: core.SessionActive, StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	_, err := st.CreateSession(ctx, start)
	require.NoError(t, err)

	closed := start
	closed.Status = core.SessionCompleted
	ended := time.Now().UTC().Truncate(time.Microsecond)
	closed.EndedAt = &ended
	closed.DemandsFeedback = "street lighting"
	got, err := st.CreateSession(ctx, closed)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, got.Status)

	stored, err := st.GetSession(ctx, start.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, stored.Status)
	assert.Equal(t, "street lighting", stored.DemandsFeedback)

	visits, err := st.LastVisits(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, visits[location].Equal(ended))

	_, err = st.CreateSession(ctx, core.CheckinSession{
		ID: uuid.NewString(), LocationID: location, CampaignID: campaign, AgentID: "agent-2",
		Status: core.SessionActive, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err, "location should be free after the completion is applied")
}

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

// newRaceStore opens a file-backed store so several goroutines share one
// database. ":memory:" would give each connection its own db.
func newRaceStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Concurrent starts for the same street: the unique index lets exactly one win.
func TestConcurrentStartSessionSingleWinner(t *testing.T) {
	st := NewResilient(newRaceStore(t))
	ctx := context.Background()
	const teams = 8

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		other     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < teams; i++ {
		wg.Add(1)
		go func(team int) {
			defer wg.Done()
			<-start
			_, err := st.CreateSession(ctx, core.CheckinSession{
				ID:         fmt.Sprintf("s-%d", team),
				LocationID: "loc-contested",
				CampaignID: "camp-a",
				AgentID:    fmt.Sprintf("agent-%d", team),
				Status:     core.SessionActive,
				StartedAt:  time.Now().UTC(),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case core.IsConflict(err):
				conflicts.Add(1)
			default:
				other.Add(1)
				t.Errorf("team %d: unexpected error: %v", team, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if conflicts.Load() != teams-1 {
		t.Fatalf("expected %d conflicts, got %d (other=%d)", teams-1, conflicts.Load(), other.Load())
	}
	active, err := st.ListSessionsByLocation(ctx, "loc-contested", storage.StatusFilter(core.SessionActive))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one active session, got %d", len(active))
	}
}

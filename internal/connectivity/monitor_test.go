package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flakyProber struct {
	up atomic.Bool
}

func (p *flakyProber) Ping(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("dial tcp: connection refused")
}

func drained(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func TestMonitorSignalsOncePerReconnect(t *testing.T) {
	p := &flakyProber{}
	m := NewMonitor(p, time.Hour)
	ctx := context.Background()

	assert.False(t, m.Check(ctx))
	assert.True(t, drained(m.Transitions()))

	p.up.Store(true)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	assert.False(t, drained(m.Transitions()), "expected one transition")
	assert.True(t, drained(m.Transitions()), "staying online must not signal again")

	p.up.Store(false)
	m.Check(ctx)
	assert.False(t, m.Online())
	p.up.Store(true)
	m.Check(ctx)
	assert.False(t, drained(m.Transitions()))
}

func TestMonitorStartProbesImmediately(t *testing.T) {
	p := &flakyProber{}
	p.up.Store(true)
	m := NewMonitor(p, time.Hour)
	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-m.Transitions():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a transition from the startup probe")
	}
	assert.True(t, m.Online())
}

func TestManualSignal(t *testing.T) {
	m := NewManual(false)
	m.Set(false)
	assert.True(t, drained(m.Transitions()))
	m.Set(true)
	assert.True(t, m.Online())
	assert.False(t, drained(m.Transitions()))
	m.Set(true)
	assert.True(t, drained(m.Transitions()))
}

// Package connectivity tracks whether the remote store is reachable and
// signals each offline to online transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal is the view components need: current state plus a channel that
// receives once per offline to online transition.
type Signal interface {
	Online() bool
	Transitions() <-chan struct{}
}

type Prober interface {
	Ping(ctx context.Context) error
}

type transitions struct {
	mu     sync.Mutex
	online bool
	ch     chan struct{}
}

func newTransitions() *transitions {
	return &transitions{ch: make(chan struct{}, 1)}
}

// set records the new state and reports whether it was a reconnect.
func (t *transitions) set(online bool) bool {
	t.mu.Lock()
	was := t.online
	t.online = online
	t.mu.Unlock()
	if online && !was {
		select {
		case t.ch <- struct{}{}:
		default: // a reconnect is already pending
		}
		return true
	}
	return false
}

func (t *transitions) get() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Monitor probes the remote on an interval. It starts offline, so the first
// successful probe counts as a reconnect.
type Monitor struct {
	state    *transitions
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Monitor)

func WithProbeTimeout(d time.Duration) Option { return func(m *Monitor) { m.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func NewMonitor(p Prober, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		state:    newTransitions(),
		prober:   p,
		interval: interval,
		timeout:  3 * time.Second,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Online() bool { return m.state.get() }

func (m *Monitor) Transitions() <-chan struct{} { return m.state.ch }

// Check probes once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.prober.Ping(ctx)
	online := err == nil
	was := m.state.get()
	if m.state.set(online) {
		m.logger.Info("remote reachable again")
	} else if was && !online {
		m.logger.Warn("remote unreachable", "err", err)
	}
	return online
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		m.Check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Manual is a Signal driven by the host, for platforms that already
// report connectivity and for tests.
type Manual struct {
	state *transitions
}

func NewManual(online bool) *Manual {
	m := &Manual{state: newTransitions()}
	m.state.online = online
	return m
}

func (m *Manual) Set(online bool) { m.state.set(online) }

func (m *Manual) Online() bool { return m.state.get() }

func (m *Manual) Transitions() <-chan struct{} { return m.state.ch }

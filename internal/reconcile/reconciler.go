// Package reconcile drains the offline queue whenever connectivity returns.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mistakeknot/canvass/internal/connectivity"
	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/offline"
	"github.com/mistakeknot/canvass/internal/telemetry"
)

// Queue is the part of *offline.Queue the reconciler drives.
type Queue interface {
	Flush(ctx context.Context) (offline.FlushResult, error)
	Count() (int, error)
	DeadLetters() ([]offline.DeadLetter, error)
}

type Reconciler struct {
	queue   Queue
	signal  connectivity.Signal
	metrics *metrics.Metrics
	pub     notify.Publisher
	logger  *slog.Logger
	retry   time.Duration
	trigger chan struct{}
}

type Option func(*Reconciler)

func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

func WithPublisher(p notify.Publisher) Option { return func(r *Reconciler) { r.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithRetryInterval re-runs a pass on this interval while online and entries
// remain, so backed-off entries are picked up once due. Zero disables it.
func WithRetryInterval(d time.Duration) Option { return func(r *Reconciler) { r.retry = d } }

func New(q Queue, signal connectivity.Signal, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:   q,
		signal:  signal,
		pub:     notify.Nop{},
		logger:  slog.Default(),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger asks Run for an opportunistic pass, e.g. when the check-in screen
// is reopened. It never blocks.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run flushes on every reconnect and trigger until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.retry > 0 {
		ticker := time.NewTicker(r.retry)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal.Transitions():
			r.logger.Info("connectivity restored, syncing offline queue")
		case <-r.trigger:
		case <-tick:
			if n, err := r.queue.Count(); err != nil || n == 0 {
				continue
			}
		}
		if !r.signal.Online() {
			r.logger.Debug("offline, sync skipped")
			continue
		}
		_, _ = r.Sync(ctx)
	}
}

// Sync runs one flush pass and records its outcome.
func (r *Reconciler) Sync(ctx context.Context) (offline.FlushResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "offline.flush")
	defer span.End()

	res, err := r.queue.Flush(ctx)
	span.SetAttributes(
		attribute.Int("canvass.flush.synced", res.Synced),
		attribute.Int("canvass.flush.failed", res.Failed),
		attribute.Int("canvass.flush.deferred", res.Deferred),
		attribute.Int("canvass.flush.dead_lettered", res.DeadLettered),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("offline sync failed", "err", err)
		return res, err
	}
	r.record(res)
	if res.Synced > 0 || res.Failed > 0 {
		r.logger.Info("offline sync finished",
			"synced", res.Synced, "failed", res.Failed, "deferred", res.Deferred, "dead_lettered", res.DeadLettered)
		r.pub.Publish(core.Event{Type: core.EventSyncCompleted, Data: res})
	}
	return res, nil
}

func (r *Reconciler) record(res offline.FlushResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.FlushPasses.Inc()
	r.metrics.FlushEntries.WithLabelValues(metrics.OutcomeSynced).Add(float64(res.Synced))
	r.metrics.FlushEntries.WithLabelValues(metrics.OutcomeFailed).Add(float64(res.Failed))
	r.metrics.FlushEntries.WithLabelValues(metrics.OutcomeDeferred).Add(float64(res.Deferred))
	r.metrics.FlushEntries.WithLabelValues(metrics.OutcomeDead).Add(float64(res.DeadLettered))
	if n, err := r.queue.Count(); err == nil {
		r.metrics.QueueDepth.Set(float64(n))
	}
	if dead, err := r.queue.DeadLetters(); err == nil {
		r.metrics.DeadLetters.Set(float64(len(dead)))
	}
}

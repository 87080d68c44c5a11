// Package device is the per-login context of a field agent's device. It
// owns the remote client, local queue storage and background sync for one
// (campaign, agent) pair, from Login until Logout.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/canvass/client"
	"github.com/mistakeknot/canvass/internal/checkin"
	"github.com/mistakeknot/canvass/internal/config"
	"github.com/mistakeknot/canvass/internal/connectivity"
	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/offline"
	"github.com/mistakeknot/canvass/internal/reconcile"
	"github.com/mistakeknot/canvass/internal/storage/sqlite"
)

type Device struct {
	Config     config.Device
	Client     *client.Client
	Signal     connectivity.Signal
	Queue      *offline.Queue
	Checkins   *checkin.Service
	Reconciler *reconcile.Reconciler
	Bus        *notify.Bus

	logger  *slog.Logger
	monitor *connectivity.Monitor
	storage offline.Storage
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	signal     connectivity.Signal
	storage    offline.Storage
	httpClient *http.Client
	clock      func() time.Time
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithSignal replaces the probing connectivity monitor, for hosts that
// already know whether the network is up.
func WithSignal(s connectivity.Signal) Option { return func(o *options) { o.signal = s } }

// WithStorage replaces the sqlite key/value file backing the queue.
func WithStorage(s offline.Storage) Option { return func(o *options) { o.storage = s } }

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// Login builds every device component for cfg and probes the server once,
// so Online reflects reality before the first command runs. Background
// probing and syncing start only with Start.
func Login(ctx context.Context, cfg config.Device, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := o.logger.With("campaign", cfg.CampaignID, "agent", cfg.AgentID)

	d := &Device{
		Config: cfg,
		Client: client.New(cfg.ServerURL,
			client.WithAPIKey(cfg.APIKey),
			client.WithCampaign(cfg.CampaignID),
			client.WithHTTPClient(o.httpClient),
		),
		Bus:     notify.NewBus(64),
		logger:  logger,
		storage: o.storage,
		now:     o.clock,
	}

	if d.storage == nil {
		kv, err := sqlite.OpenKV(cfg.DataFile)
		if err != nil {
			return nil, fmt.Errorf("open device storage: %w", err)
		}
		d.storage = kv
	}

	d.Signal = o.signal
	if d.Signal == nil {
		d.monitor = connectivity.NewMonitor(d.Client, cfg.ProbeInterval,
			connectivity.WithProbeTimeout(cfg.Timeout),
			connectivity.WithLogger(logger),
		)
		d.monitor.Check(ctx)
		d.Signal = d.monitor
	}

	d.Queue = offline.New(d.storage, d.Client,
		offline.WithMaxAttempts(cfg.MaxAttempts),
		offline.WithWorkers(cfg.FlushWorkers),
		offline.WithClock(o.clock),
		offline.WithPublisher(d.Bus),
		offline.WithLogger(logger),
	)
	checkinOpts := []checkin.Option{
		checkin.WithPublisher(d.Bus),
		checkin.WithLogger(logger),
		checkin.WithClock(o.clock),
	}
	reconcileOpts := []reconcile.Option{
		reconcile.WithPublisher(d.Bus),
		reconcile.WithLogger(logger),
		reconcile.WithRetryInterval(cfg.RetryInterval),
	}
	if o.metrics != nil {
		checkinOpts = append(checkinOpts, checkin.WithMetrics(o.metrics))
		reconcileOpts = append(reconcileOpts, reconcile.WithMetrics(o.metrics))
	}
	d.Checkins = checkin.New(d.Client, d.Signal, d.Queue, checkinOpts...)
	d.Reconciler = reconcile.New(d.Queue, d.Signal, reconcileOpts...)

	logger.Debug("device logged in", "server", cfg.ServerURL, "online", d.Signal.Online())
	return d, nil
}

// Start launches connectivity probing and the reconciler. It returns
// immediately; Logout stops both.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.stopped {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	if d.monitor != nil {
		d.monitor.Start(ctx)
	}
	go func() {
		defer close(d.done)
		d.Reconciler.Run(ctx)
	}()
	if d.Signal.Online() {
		d.Reconciler.Trigger()
	}
}

// Logout stops background work and closes local storage. Queued entries
// stay on disk for the next login.
func (d *Device) Logout() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if c, ok := d.storage.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close device storage: %w", err)
		}
	}
	d.logger.Debug("device logged out")
	return nil
}

func (d *Device) StartSession(ctx context.Context, locationID, notes string) (checkin.Result, error) {
	return d.Checkins.StartSession(ctx, checkin.StartRequest{
		CampaignID: d.Config.CampaignID,
		LocationID: locationID,
		AgentID:    d.Config.AgentID,
		Notes:      notes,
	})
}

func (d *Device) EndSession(ctx context.Context, req checkin.EndRequest) (checkin.Result, error) {
	return d.Checkins.EndSession(ctx, req)
}

// CreateLocation registers a location, or queues it while offline so
// sessions can reference it before delivery. The id is chosen on the device
// before the first attempt, so a retry of a write the server already
// committed lands on the same row.
func (d *Device) CreateLocation(ctx context.Context, loc core.Location) (core.Location, bool, error) {
	loc.CampaignID = d.Config.CampaignID
	loc.Name = strings.TrimSpace(loc.Name)
	if err := loc.Validate(); err != nil {
		return core.Location{}, false, err
	}
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = d.now().UTC()
	}
	if d.Signal.Online() {
		created, err := d.Client.CreateLocation(ctx, loc)
		if !queueable(err) {
			return created, false, err
		}
		d.logger.Warn("location write failed, queueing", "location", loc.ID, "err", err)
	}
	if _, err := d.Queue.Enqueue(core.CollectionLocations, loc, offline.WithKey(loc.ID)); err != nil {
		return core.Location{}, false, err
	}
	return loc, true, nil
}

// RecordSpend stores a spend record, queueing it while offline. Like
// CreateLocation it fixes the id up front.
func (d *Device) RecordSpend(ctx context.Context, rec core.SpendRecord) (core.SpendRecord, bool, error) {
	rec.CampaignID = d.Config.CampaignID
	if err := rec.Validate(); err != nil {
		return core.SpendRecord{}, false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now().UTC()
	}
	if d.Signal.Online() {
		created, err := d.Client.CreateSpend(ctx, rec)
		if !queueable(err) {
			return created, false, err
		}
		d.logger.Warn("spend write failed, queueing", "spend", rec.ID, "err", err)
	}
	if _, err := d.Queue.Enqueue(core.CollectionSpend, rec, offline.WithKey(rec.ID)); err != nil {
		return core.SpendRecord{}, false, err
	}
	return rec, true, nil
}

// queueable reports write failures a later delivery may fix.
func queueable(err error) bool {
	if err == nil || core.IsPermanent(err) || errors.Is(err, core.ErrNotFound) {
		return false
	}
	return true
}

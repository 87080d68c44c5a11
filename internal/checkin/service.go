// Package checkin runs the start/end lifecycle of canvassing sessions,
// handing writes to the offline queue while the device has no connectivity.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/canvass/internal/connectivity"
	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/offline"
	"github.com/mistakeknot/canvass/internal/storage"
)

// ErrOffline is wrapped in the errors returned for work that needs the
// remote store and cannot be queued.
var ErrOffline = errors.New("device is offline")

// Queue is the slice of the offline queue the service writes through.
type Queue interface {
	Enqueue(collection string, payload any, opts ...offline.EnqueueOption) (offline.Entry, error)
	FindByKey(key string) (offline.Entry, bool, error)
	Amend(key string, fn func(json.RawMessage) (json.RawMessage, error)) (offline.Entry, error)
}

type StartRequest struct {
	CampaignID string
	LocationID string
	AgentID    string
	Notes      string
}

// EndRequest closes a session. Empty feedback fields leave the stored values alone.
type EndRequest struct {
	SessionID         string
	Notes             string
	ClimateFeedback   string
	DemandsFeedback   string
	LeadersIdentified string
}

// Result is a session as the caller should now see it. Queued is set when
// the write is waiting in the offline queue rather than stored remotely.
type Result struct {
	Session core.CheckinSession `json:"session"`
	Queued  bool                `json:"queued"`
}

type Service struct {
	sessions storage.SessionStore
	signal   connectivity.Signal
	queue    Queue
	pub      notify.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithPublisher(p notify.Publisher) Option { return func(s *Service) { s.pub = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func New(sessions storage.SessionStore, signal connectivity.Signal, queue Queue, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		signal:   signal,
		queue:    queue,
		pub:      notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession opens a session at a location. Online, an existing active
// session fails fast with *core.ConflictError; the store's unique index
// remains the final word when two starts race. Offline, the start is queued
// without any conflict check.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (Result, error) {
	sess := core.CheckinSession{
		ID:         s.newID(),
		LocationID: strings.TrimSpace(req.LocationID),
		CampaignID: strings.TrimSpace(req.CampaignID),
		AgentID:    strings.TrimSpace(req.AgentID),
		Status:     core.SessionActive,
		StartedAt:  s.now().UTC(),
		Notes:      req.Notes,
	}
	if err := sess.Validate(); err != nil {
		return Result{}, err
	}

	if !s.signal.Online() {
		if _, err := s.queue.Enqueue(core.CollectionSessions, sess, offline.WithKey(sess.ID)); err != nil {
			return Result{}, fmt.Errorf("queue session start: %w", err)
		}
		s.logger.Info("session start queued offline", "session", sess.ID, "location", sess.LocationID)
		s.publish(core.EventSessionStarted, sess)
		return Result{Session: sess, Queued: true}, nil
	}

	active, err := s.sessions.ListSessionsByLocation(ctx, sess.LocationID, storage.StatusFilter(core.SessionActive))
	if err != nil {
		return Result{}, remoteError("list", err)
	}
	if len(active) > 0 {
		s.conflict()
		return Result{}, &core.ConflictError{LocationID: sess.LocationID, SessionID: active[0].ID}
	}

	created, err := s.sessions.CreateSession(ctx, sess)
	if err != nil {
		if core.IsConflict(err) {
			s.conflict()
			return Result{}, err
		}
		return Result{}, remoteError("create", err)
	}
	if s.metrics != nil {
		s.metrics.SessionsStarted.Inc()
	}
	s.logger.Info("session started", "session", created.ID, "location", created.LocationID, "agent", created.AgentID)
	s.publish(core.EventSessionStarted, created)
	return Result{Session: created}, nil
}

// EndSession completes an active session. Ending a completed session
// returns it unchanged. A start still waiting in the offline queue is
// amended in place so one write carries the whole session.
func (s *Service) EndSession(ctx context.Context, req EndRequest) (Result, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return Result{}, &core.ValidationError{Field: "session_id", Reason: "required"}
	}
	endedAt := s.now().UTC()

	if !s.signal.Online() {
		return s.amendQueued(id, req, endedAt)
	}

	current, err := s.sessions.GetSession(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		if _, queued, qerr := s.queue.FindByKey(id); qerr == nil && queued {
			return s.amendQueued(id, req, endedAt)
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, remoteError("get", err)
	}
	if current.Status == core.SessionCompleted {
		return Result{Session: current}, nil
	}

	updated, err := s.sessions.UpdateSession(ctx, id, completion(req, endedAt))
	if err != nil {
		if errors.Is(err, core.ErrInvalidTransition) || core.IsValidation(err) {
			return Result{}, err
		}
		return Result{}, remoteError("update", err)
	}
	if s.metrics != nil {
		s.metrics.SessionsCompleted.Inc()
	}
	s.logger.Info("session completed", "session", updated.ID, "location", updated.LocationID)
	s.publish(core.EventSessionCompleted, updated)
	return Result{Session: updated}, nil
}

func (s *Service) amendQueued(id string, req EndRequest, endedAt time.Time) (Result, error) {
	var amended core.CheckinSession
	_, err := s.queue.Amend(id, func(raw json.RawMessage) (json.RawMessage, error) {
		var sess core.CheckinSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode queued session: %w", err)
		}
		next, err := completion(req, endedAt).Apply(sess)
		if err != nil {
			return nil, err
		}
		amended = next
		return json.Marshal(next)
	})
	switch {
	case err == nil:
		s.logger.Info("queued session amended to completed", "session", id)
		s.publish(core.EventSessionCompleted, amended)
		return Result{Session: amended, Queued: true}, nil
	case errors.Is(err, offline.ErrEntryNotFound):
		return Result{}, &core.RemoteWriteError{Op: "update", Collection: core.CollectionSessions, Retryable: true, Err: ErrOffline}
	case errors.Is(err, offline.ErrEntryInFlight):
		return Result{}, &core.RemoteWriteError{Op: "update", Collection: core.CollectionSessions, Retryable: true, Err: err}
	default:
		return Result{}, err
	}
}

// ActiveSession returns the active session at a location, if any.
func (s *Service) ActiveSession(ctx context.Context, locationID string) (core.CheckinSession, bool, error) {
	if strings.TrimSpace(locationID) == "" {
		return core.CheckinSession{}, false, &core.ValidationError{Field: "location_id", Reason: "required"}
	}
	if !s.signal.Online() {
		return core.CheckinSession{}, false, fmt.Errorf("active session: %w", ErrOffline)
	}
	active, err := s.sessions.ListSessionsByLocation(ctx, locationID, storage.StatusFilter(core.SessionActive))
	if err != nil {
		return core.CheckinSession{}, false, fmt.Errorf("active session: %w", err)
	}
	if len(active) == 0 {
		return core.CheckinSession{}, false, nil
	}
	return active[0], true, nil
}

func completion(req EndRequest, endedAt time.Time) core.SessionUpdate {
	status := core.SessionCompleted
	u := core.SessionUpdate{Status: &status, EndedAt: &endedAt}
	if req.Notes != "" {
		u.Notes = &req.Notes
	}
	if req.ClimateFeedback != "" {
		u.ClimateFeedback = &req.ClimateFeedback
	}
	if req.DemandsFeedback != "" {
		u.DemandsFeedback = &req.DemandsFeedback
	}
	if req.LeadersIdentified != "" {
		u.LeadersIdentified = &req.LeadersIdentified
	}
	return u
}

func remoteError(op string, err error) error {
	var rw *core.RemoteWriteError
	if errors.As(err, &rw) {
		return err
	}
	if core.IsValidation(err) || errors.Is(err, core.ErrNotFound) {
		return err
	}
	return &core.RemoteWriteError{Op: op, Collection: core.CollectionSessions, Retryable: !core.IsPermanent(err), Err: err}
}

func (s *Service) conflict() {
	if s.metrics != nil {
		s.metrics.SessionConflicts.Inc()
	}
}

func (s *Service) publish(t core.EventType, sess core.CheckinSession) {
	s.pub.Publish(core.Event{Type: t, CampaignID: sess.CampaignID, LocationID: sess.LocationID, SessionID: sess.ID})
}

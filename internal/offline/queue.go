// Package offline holds writes that could not reach the remote store and
// delivers them once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/notify"
)

const (
	queueKey = "canvass.offline.queue"
	deadKey  = "canvass.offline.dead"

	DefaultMaxAttempts = 8
	DefaultWorkers     = 4
)

var (
	ErrEntryNotFound = errors.New("offline entry not found")
	// ErrEntryInFlight is returned by Amend while the entry is being delivered.
	ErrEntryInFlight = errors.New("offline entry is being delivered")
	errNotAttempted  = errors.New("not attempted")
)

// Entry is one pending write. Key optionally names the record the payload
// carries so it can be found again before delivery.
type Entry struct {
	ID            string          `json:"id"`
	Collection    string          `json:"collection"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// DeadLetter is an entry that will not be retried without user action.
type DeadLetter struct {
	Entry
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Remote delivers a payload into a named collection of the remote store.
type Remote interface {
	Insert(ctx context.Context, collection string, payload json.RawMessage) error
}

// FlushResult partitions one pass. Failed includes entries moved to the
// dead-letter list during the pass; Deferred entries were not yet due.
type FlushResult struct {
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"dead_lettered"`
}

// Stats is the payload of queue.changed notifications.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option { return func(q *Queue) { q.maxAttempts = n } }

func WithWorkers(n int) Option { return func(q *Queue) { q.workers = n } }

func WithBackoff(b Backoff) Option { return func(q *Queue) { q.backoff = b } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithPublisher(p notify.Publisher) Option { return func(q *Queue) { q.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

type Queue struct {
	store  Storage
	remote Remote

	maxAttempts int
	workers     int
	backoff     Backoff
	now         func() time.Time
	newID       func() string
	pub         notify.Publisher
	logger      *slog.Logger

	mu       sync.Mutex // guards the persisted lists and inFlight
	inFlight map[string]struct{}
	flushMu  sync.Mutex // one flush pass at a time
}

func New(store Storage, remote Remote, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		remote:      remote,
		maxAttempts: DefaultMaxAttempts,
		workers:     DefaultWorkers,
		backoff:     DefaultBackoff(),
		now:         time.Now,
		newID:       newEntryID,
		pub:         notify.Nop{},
		logger:      slog.Default(),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.workers < 1 {
		q.workers = 1
	}
	if q.maxAttempts < 1 {
		q.maxAttempts = 1
	}
	return q
}

func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type EnqueueOption func(*Entry)

// WithKey tags the entry with the id of the record its payload carries.
func WithKey(key string) EnqueueOption {
	return func(e *Entry) { e.Key = key }
}

// Enqueue appends a write to the persisted queue. It never touches the network.
func (q *Queue) Enqueue(collection string, payload any, opts ...EnqueueOption) (Entry, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return Entry{}, &core.ValidationError{Field: "collection", Reason: "required"}
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: q.newID(), Collection: collection, Payload: raw, CreatedAt: q.now().UTC()}
	for _, opt := range opts {
		opt(&e)
	}

	q.mu.Lock()
	entries, err := q.loadEntries()
	if err == nil {
		entries = append(entries, e)
		err = q.saveEntries(entries)
	}
	stats := q.statsLocked(entries)
	q.mu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("offline write queued", "entry", e.ID, "collection", collection, "pending", stats.Pending)
	q.notify(stats)
	return e, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, &core.ValidationError{Field: "payload", Reason: "invalid json"}
		}
		return p, nil
	case []byte:
		return marshalPayload(json.RawMessage(p))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &core.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return raw, nil
}

func (q *Queue) Count() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadEntries()
	return len(entries), err
}

// Entries returns the pending entries, oldest first.
func (q *Queue) Entries() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadEntries()
}

func (q *Queue) DeadLetters() ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadDead()
}

// FindByKey returns the pending entry tagged with key.
func (q *Queue) FindByKey(key string) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadEntries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Amend rewrites the payload of the pending entry tagged with key.
func (q *Queue) Amend(key string, fn func(json.RawMessage) (json.RawMessage, error)) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadEntries()
	if err != nil {
		return Entry{}, err
	}
	for i, e := range entries {
		if e.Key != key {
			continue
		}
		if _, busy := q.inFlight[e.ID]; busy {
			return Entry{}, ErrEntryInFlight
		}
		next, err := fn(e.Payload)
		if err != nil {
			return Entry{}, err
		}
		if !json.Valid(next) {
			return Entry{}, &core.ValidationError{Field: "payload", Reason: "invalid json"}
		}
		entries[i].Payload = next
		if err := q.saveEntries(entries); err != nil {
			return Entry{}, err
		}
		return entries[i], nil
	}
	return Entry{}, ErrEntryNotFound
}

// Flush makes one delivery pass over every due entry, oldest first, with up
// to the configured number of deliveries in flight. A failed entry never
// stops the pass. Entries enqueued while the pass runs are kept.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	if q.remote == nil {
		return FlushResult{}, errors.New("flush: no remote configured")
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	now := q.now().UTC()
	q.mu.Lock()
	snapshot, err := q.loadEntries()
	if err != nil {
		q.mu.Unlock()
		return FlushResult{}, fmt.Errorf("flush: %w", err)
	}
	var due []Entry
	var res FlushResult
	for _, e := range snapshot {
		if e.NextAttemptAt.After(now) {
			res.Deferred++
			continue
		}
		due = append(due, e)
		q.inFlight[e.ID] = struct{}{}
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return res, nil
	}
	outcomes := q.deliver(ctx, due)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range due {
		delete(q.inFlight, e.ID)
	}
	current, err := q.loadEntries()
	if err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}
	dead, err := q.loadDead()
	if err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}

	remaining := make([]Entry, 0, len(current))
	for _, e := range current {
		outcome, attempted := outcomes[e.ID]
		switch {
		case !attempted:
			remaining = append(remaining, e)
		case outcome == nil:
			res.Synced++
		case errors.Is(outcome, errNotAttempted):
			res.Deferred++
			remaining = append(remaining, e)
		default:
			res.Failed++
			e.Attempts++
			e.LastError = outcome.Error()
			if reason, final := q.deadReason(e, outcome); final {
				res.DeadLettered++
				dead = append(dead, DeadLetter{Entry: e, Reason: reason, DeadAt: now})
				q.logger.Warn("offline entry dead-lettered", "entry", e.ID, "collection", e.Collection, "reason", reason, "err", outcome)
				continue
			}
			e.NextAttemptAt = now.Add(q.backoff.Delay(e.Attempts))
			remaining = append(remaining, e)
		}
	}
	if err := q.saveEntries(remaining); err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}
	if res.DeadLettered > 0 {
		if err := q.saveDead(dead); err != nil {
			return res, fmt.Errorf("flush: %w", err)
		}
	}
	q.notify(Stats{Pending: len(remaining), Dead: len(dead)})
	return res, nil
}

func (q *Queue) deliver(ctx context.Context, due []Entry) map[string]error {
	results := make([]error, len(due))
	var g errgroup.Group
	g.SetLimit(q.workers)
	for i, e := range due {
		i, e := i, e
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = errNotAttempted
				return nil
			}
			results[i] = q.remote.Insert(ctx, e.Collection, e.Payload)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(due))
	for i, e := range due {
		out[e.ID] = results[i]
	}
	return out
}

func (q *Queue) deadReason(e Entry, err error) (string, bool) {
	switch {
	case core.IsConflict(err):
		return "conflict", true
	case core.IsPermanent(err):
		return "rejected", true
	case e.Attempts >= q.maxAttempts:
		return "max_attempts", true
	}
	return "", false
}

// RequeueDeadLetter moves a dead-lettered entry back to the end of the queue
// with a fresh attempt budget.
func (q *Queue) RequeueDeadLetter(id string) (Entry, error) {
	q.mu.Lock()
	dead, err := q.loadDead()
	if err != nil {
		q.mu.Unlock()
		return Entry{}, err
	}
	idx := findDead(dead, id)
	if idx < 0 {
		q.mu.Unlock()
		return Entry{}, ErrEntryNotFound
	}
	e := dead[idx].Entry
	e.Attempts = 0
	e.NextAttemptAt = time.Time{}
	e.LastError = ""
	entries, err := q.loadEntries()
	if err == nil {
		err = q.saveEntries(append(entries, e))
	}
	if err == nil {
		dead = append(dead[:idx], dead[idx+1:]...)
		err = q.saveDead(dead)
	}
	stats := Stats{Pending: len(entries) + 1, Dead: len(dead)}
	q.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	q.notify(stats)
	return e, nil
}

func (q *Queue) DiscardDeadLetter(id string) error {
	q.mu.Lock()
	dead, err := q.loadDead()
	if err != nil {
		q.mu.Unlock()
		return err
	}
	idx := findDead(dead, id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrEntryNotFound
	}
	dead = append(dead[:idx], dead[idx+1:]...)
	err = q.saveDead(dead)
	entries, _ := q.loadEntries()
	stats := Stats{Pending: len(entries), Dead: len(dead)}
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(stats)
	return nil
}

func findDead(dead []DeadLetter, id string) int {
	for i, d := range dead {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) notify(stats Stats) {
	q.pub.Publish(core.Event{Type: core.EventQueueChanged, Data: stats})
}

func (q *Queue) statsLocked(entries []Entry) Stats {
	dead, _ := q.loadDead()
	return Stats{Pending: len(entries), Dead: len(dead)}
}

func (q *Queue) loadEntries() ([]Entry, error) {
	var entries []Entry
	if err := q.load(queueKey, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (q *Queue) saveEntries(entries []Entry) error {
	return q.save(queueKey, entries)
}

func (q *Queue) loadDead() ([]DeadLetter, error) {
	var dead []DeadLetter
	if err := q.load(deadKey, &dead); err != nil {
		return nil, err
	}
	return dead, nil
}

func (q *Queue) saveDead(dead []DeadLetter) error {
	return q.save(deadKey, dead)
}

func (q *Queue) load(key string, v any) error {
	raw, err := q.store.Get(key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (q *Queue) save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := q.store.Set(key, string(raw)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

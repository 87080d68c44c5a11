package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

var (
	_ storage.Store       = (*ResilientStore)(nil)
	_ storage.VisitRollup = (*ResilientStore)(nil)
)

// ResilientStore wraps every method of *Store with a CircuitBreaker and
// RetryOnDBLock. Domain outcomes (conflicts, duplicates, validation, not
// found) pass through without counting as failures.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient uses a breaker with threshold 5 and a 30s reset.
func NewResilient(inner *Store, opts ...BreakerOption) *ResilientStore {
	opts = append([]BreakerOption{WithFailurePredicate(isInfraFailure)}, opts...)
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second, opts...))
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) Inner() *Store { return r.inner }

func (r *ResilientStore) Close() error { return r.inner.Close() }

func (r *ResilientStore) Ping(ctx context.Context) error {
	return r.do(ctx, func() error { return r.inner.Ping(ctx) })
}

func isInfraFailure(err error) bool {
	if err == nil || errors.Is(err, core.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return !core.IsPermanent(err)
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLockContext(ctx, r.retry, fn)
	})
}

func resilientCall[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListLocationsByCampaign(ctx context.Context, campaignID string) ([]core.Location, error) {
	return resilientCall(ctx, r, func() ([]core.Location, error) {
		return r.inner.ListLocationsByCampaign(ctx, campaignID)
	})
}

func (r *ResilientStore) GetLocation(ctx context.Context, id string) (core.Location, error) {
	return resilientCall(ctx, r, func() (core.Location, error) {
		return r.inner.GetLocation(ctx, id)
	})
}

func (r *ResilientStore) CreateLocation(ctx context.Context, loc core.Location) (core.Location, error) {
	return resilientCall(ctx, r, func() (core.Location, error) {
		return r.inner.CreateLocation(ctx, loc)
	})
}

func (r *ResilientStore) ListSessionsByLocation(ctx context.Context, locationID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	return resilientCall(ctx, r, func() ([]core.CheckinSession, error) {
		return r.inner.ListSessionsByLocation(ctx, locationID, f)
	})
}

func (r *ResilientStore) ListSessionsByCampaign(ctx context.Context, campaignID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	return resilientCall(ctx, r, func() ([]core.CheckinSession, error) {
		return r.inner.ListSessionsByCampaign(ctx, campaignID, f)
	})
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (core.CheckinSession, error) {
	return resilientCall(ctx, r, func() (core.CheckinSession, error) {
		return r.inner.GetSession(ctx, id)
	})
}

func (r *ResilientStore) CreateSession(ctx context.Context, s core.CheckinSession) (core.CheckinSession, error) {
	return resilientCall(ctx, r, func() (core.CheckinSession, error) {
		return r.inner.CreateSession(ctx, s)
	})
}

func (r *ResilientStore) UpdateSession(ctx context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error) {
	return resilientCall(ctx, r, func() (core.CheckinSession, error) {
		return r.inner.UpdateSession(ctx, id, u)
	})
}

func (r *ResilientStore) ListApprovedSpend(ctx context.Context, campaignID string) ([]core.CitySpend, error) {
	return resilientCall(ctx, r, func() ([]core.CitySpend, error) {
		return r.inner.ListApprovedSpend(ctx, campaignID)
	})
}

func (r *ResilientStore) CreateSpend(ctx context.Context, rec core.SpendRecord) (core.SpendRecord, error) {
	return resilientCall(ctx, r, func() (core.SpendRecord, error) {
		return r.inner.CreateSpend(ctx, rec)
	})
}

func (r *ResilientStore) LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error) {
	return resilientCall(ctx, r, func() (map[string]time.Time, error) {
		return r.inner.LastVisits(ctx, campaignID)
	})
}

package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

type storeRemote struct {
	store storage.SessionStore
}

func remoteInto(store storage.SessionStore) storeRemote {
	return storeRemote{store: store}
}

func (r storeRemote) Insert(ctx context.Context, collection string, payload json.RawMessage) error {
	if collection != core.CollectionSessions {
		return fmt.Errorf("unexpected collection %q", collection)
	}
	var s core.CheckinSession
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	_, err := r.store.CreateSession(ctx, s)
	return err
}

// lostAck stores every delivery but reports the first successful one as a
// failure, as when the server commits and the response never arrives.
type lostAck struct {
	storeRemote
	dropped bool
}

func (r *lostAck) Insert(ctx context.Context, collection string, payload json.RawMessage) error {
	err := r.storeRemote.Insert(ctx, collection, payload)
	if err == nil && !r.dropped {
		r.dropped = true
		return errors.New("connection reset after commit")
	}
	return err
}

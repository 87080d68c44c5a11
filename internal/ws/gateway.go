// Package ws pushes campaign events to connected dashboards.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/core"
)

const writeTimeout = 5 * time.Second

type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

// Handler upgrades dashboard connections. campaignOf extracts the campaign
// from the request path.
func (h *Hub) Handler(campaignOf func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaign := campaignOf(r)
		if campaign == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, _ := auth.FromContext(r.Context())
		if !info.Allows(campaign) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(campaign, conn)
		defer h.remove(campaign, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn     *websocket.Conn
	campaign string
}

// Broadcast writes event to every dashboard of the campaign, or to every
// dashboard when campaign is empty.
func (h *Hub) Broadcast(campaign string, event any) {
	for _, e := range h.snapshot(campaign) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			h.logger.Debug("dropping dashboard connection", "campaign", e.campaign, "err", err)
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.campaign, e.conn)
			}(e)
		}
	}
}

// Relay forwards events to dashboards until events closes or ctx is done.
func (h *Hub) Relay(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev.CampaignID, ev)
		}
	}
}

// Campaigns lists campaigns with at least one connected dashboard.
func (h *Hub) Campaigns() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) snapshot(campaign string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for c, conns := range h.conns {
		if campaign != "" && c != campaign {
			continue
		}
		for conn := range conns {
			out = append(out, connEntry{conn: conn, campaign: c})
		}
	}
	return out
}

func (h *Hub) add(campaign string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perCampaign, ok := h.conns[campaign]
	if !ok {
		perCampaign = make(map[*websocket.Conn]struct{})
		h.conns[campaign] = perCampaign
	}
	perCampaign[conn] = struct{}{}
}

func (h *Hub) remove(campaign string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perCampaign, ok := h.conns[campaign]
	if !ok {
		return
	}
	delete(perCampaign, conn)
	if len(perCampaign) == 0 {
		delete(h.conns, campaign)
	}
}

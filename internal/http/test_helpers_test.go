package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/canvass/internal/analytics"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/storage/sqlite"
	"github.com/mistakeknot/canvass/internal/ws"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// testEnv bundles a Service, an httptest.Server and a ws.Hub for handler
// tests. Requests come from localhost so no API key is needed.
type testEnv struct {
	srv     *httptest.Server
	router  http.Handler
	hub     *ws.Hub
	bus     *notify.Bus
	store   *sqlite.Store
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, opts ...analytics.Option) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	m := metrics.New()
	bus := notify.NewBus(32)
	hub := ws.NewHub(nil)
	opts = append([]analytics.Option{analytics.WithClock(func() time.Time { return testNow })}, opts...)
	analyzer := analytics.New(st, st, analytics.SourceFor(st), opts...)
	svc := NewService(st, analyzer).WithPublisher(bus).WithMetrics(m)
	router := NewRouter(svc, hub.Handler(CampaignParam), nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, router: router, hub: hub, bus: bus, store: st, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func (e *testEnv) patch(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPatch, path, body)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

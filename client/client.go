// Package client talks to a canvass server. A *Client satisfies
// storage.Store, so device-side code can treat the server as its remote
// store, and offline.Remote, so queued writes can be delivered through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/canvass/internal/analytics"
	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

type Client struct {
	BaseURL  string
	HTTP     *http.Client
	APIKey   string
	Campaign string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithCampaign sets the campaign used when a record does not name one.
func WithCampaign(campaign string) Option {
	return func(c *Client) {
		c.Campaign = strings.TrimSpace(campaign)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ storage.Store = (*Client)(nil)

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) ListLocationsByCampaign(ctx context.Context, campaignID string) ([]core.Location, error) {
	var out []core.Location
	err := c.do(ctx, http.MethodGet, campaignPath(c.campaign(campaignID), "locations"), nil, &out)
	return out, err
}

func (c *Client) GetLocation(ctx context.Context, id string) (core.Location, error) {
	var out core.Location
	err := c.do(ctx, http.MethodGet, "/api/locations/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateLocation(ctx context.Context, loc core.Location) (core.Location, error) {
	loc.CampaignID = c.campaign(loc.CampaignID)
	var out core.Location
	err := c.do(ctx, http.MethodPost, campaignPath(loc.CampaignID, "locations"), loc, &out)
	return out, err
}

func (c *Client) ListSessionsByLocation(ctx context.Context, locationID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	var out []core.CheckinSession
	err := c.do(ctx, http.MethodGet, "/api/locations/"+url.PathEscape(locationID)+"/sessions"+filterQuery(f), nil, &out)
	return out, err
}

func (c *Client) ListSessionsByCampaign(ctx context.Context, campaignID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	var out []core.CheckinSession
	err := c.do(ctx, http.MethodGet, campaignPath(c.campaign(campaignID), "sessions")+filterQuery(f), nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (core.CheckinSession, error) {
	var out core.CheckinSession
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, s core.CheckinSession) (core.CheckinSession, error) {
	s.CampaignID = c.campaign(s.CampaignID)
	var out core.CheckinSession
	err := c.do(ctx, http.MethodPost, campaignPath(s.CampaignID, "sessions"), s, &out)
	return out, err
}

func (c *Client) UpdateSession(ctx context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error) {
	var out core.CheckinSession
	err := c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(id), u, &out)
	return out, err
}

func (c *Client) ListApprovedSpend(ctx context.Context, campaignID string) ([]core.CitySpend, error) {
	var out []core.CitySpend
	err := c.do(ctx, http.MethodGet, campaignPath(c.campaign(campaignID), "spend"), nil, &out)
	return out, err
}

func (c *Client) CreateSpend(ctx context.Context, r core.SpendRecord) (core.SpendRecord, error) {
	r.CampaignID = c.campaign(r.CampaignID)
	var out core.SpendRecord
	err := c.do(ctx, http.MethodPost, campaignPath(r.CampaignID, "spend"), r, &out)
	return out, err
}

// Insert delivers a queued payload into a remote collection.
func (c *Client) Insert(ctx context.Context, collection string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/api/collections/"+url.PathEscape(collection), payload, nil)
}

func (c *Client) RecurrenceAlerts(ctx context.Context, campaignID string, thresholdDays int) ([]analytics.RecurrenceAlert, error) {
	path := campaignPath(c.campaign(campaignID), "alerts")
	if thresholdDays > 0 {
		path += "?threshold=" + strconv.Itoa(thresholdDays)
	}
	var out []analytics.RecurrenceAlert
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) EffectivenessRanking(ctx context.Context, campaignID string) ([]analytics.EffectivenessEntry, error) {
	var out []analytics.EffectivenessEntry
	err := c.do(ctx, http.MethodGet, campaignPath(c.campaign(campaignID), "ranking"), nil, &out)
	return out, err
}

func (c *Client) campaign(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return c.Campaign
}

func campaignPath(campaignID, resource string) string {
	return "/api/campaigns/" + url.PathEscape(campaignID) + "/" + resource
}

func filterQuery(f storage.SessionFilter) string {
	values := url.Values{}
	if f.Status != nil {
		values.Set("status", string(*f.Status))
	}
	if f.OrderBy != "" {
		values.Set("order", string(f.OrderBy))
	}
	if f.Desc {
		values.Set("desc", "true")
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

// do sends one request. Domain errors encoded by the server come back as
// their core types; other rejections are *core.RemoteWriteError, retryable
// only for server-side failures. Transport errors are returned wrapped.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			body = bytes.NewReader(p)
		default:
			buf, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			body = bytes.NewReader(buf)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
	return responseError(method, path, resp)
}

func responseError(method, path string, resp *http.Response) error {
	apiErr := &core.APIError{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr); err != nil || apiErr.Code == "" {
		apiErr = &core.APIError{Code: http.StatusText(resp.StatusCode)}
	}
	if err := apiErr.Err(); err != error(apiErr) {
		return err
	}
	return &core.RemoteWriteError{
		Op:        method + " " + path,
		Retryable: retryableStatus(resp.StatusCode),
		Err:       fmt.Errorf("status %d: %w", resp.StatusCode, apiErr),
	}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

package moen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/joshp123/moenhome/internal/apierr"
	"github.com/joshp123/moenhome/internal/oauth"
)

const (
	fnDeviceList   = "smartwater-app-device-api-prod-list"
	fnShadowGet    = "smartwater-app-shadow-api-prod-get"
	fnShadowUpdate = "smartwater-app-shadow-api-prod-update"
	fnPresetList   = "smartwater-app-preset-api-prod-list"
	fnDailyUsage   = "smartwater-app-usage-api-prod-get-v1"
	fnSessions     = "smartwater-app-session-api-prod-get-v1"
	fnUserGet      = "smartwater-app-user-api-prod-get"

	// DefaultSessionLimit is how many recent dispense sessions Sessions asks for.
	DefaultSessionLimit = 5
)

// TokenSource is the part of the token manager the client needs.
type TokenSource interface {
	EnsureValid(ctx context.Context) (oauth.TokenSet, error)
	Invalidate()
}

// Client talks to the Moen Smart Water cloud for one account.
type Client struct {
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger

	// devicesMu is held across directory fetches so concurrent first callers
	// of CachedDevices share one request.
	devicesMu     sync.Mutex
	devices       []Device
	devicesLoaded bool
}

// NewClient builds a client. httpClient may be nil.
func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With("account", cfg.Account),
	}, nil
}

// ListDevices fetches the faucets on the account and replaces the cache.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	return c.fetchDevicesLocked(ctx)
}

// CachedDevices returns the cached directory, fetching it on first use.
func (c *Client) CachedDevices(ctx context.Context) ([]Device, error) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	if c.devicesLoaded {
		return slices.Clone(c.devices), nil
	}
	return c.fetchDevicesLocked(ctx)
}

func (c *Client) fetchDevicesLocked(ctx context.Context) ([]Device, error) {
	var all []Device
	if err := c.invoke(ctx, fnDeviceList, map[string]any{"locale": c.cfg.Locale}, &all); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	faucets := make([]Device, 0, len(all))
	for _, device := range all {
		if device.DeviceType != DeviceTypeFaucet || device.Key() == "" {
			continue
		}
		faucets = append(faucets, device)
	}
	c.logger.Debug("listed devices", "faucets", len(faucets), "total", len(all))

	c.devices = faucets
	c.devicesLoaded = true
	return slices.Clone(faucets), nil
}

// Shadow fetches the shadow document of one device.
func (c *Client) Shadow(ctx context.Context, deviceKey string) (Shadow, error) {
	var shadow Shadow
	err := c.invoke(ctx, fnShadowGet, map[string]any{
		"clientId": deviceKey,
		"shadow":   true,
		"locale":   c.cfg.Locale,
	}, &shadow)
	if err != nil {
		return Shadow{}, fmt.Errorf("shadow %s: %w", deviceKey, err)
	}
	return shadow, nil
}

// Details fetches the diagnostic document of one device.
func (c *Client) Details(ctx context.Context, deviceKey string) (Details, error) {
	query := url.Values{}
	query.Set("expand", "addons")
	query.Set("units", c.cfg.Units)
	endpoint := c.cfg.APIBase + "/device/" + url.PathEscape(deviceKey) + "?" + query.Encode()

	var details Details
	if err := c.getJSON(ctx, endpoint, &details); err != nil {
		return Details{}, fmt.Errorf("details %s: %w", deviceKey, err)
	}
	return details, nil
}

// Profile returns the account's user profile.
func (c *Client) Profile(ctx context.Context) (map[string]any, error) {
	var profile map[string]any
	if err := c.getJSON(ctx, c.cfg.OAuthBase+"/users/me", &profile); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	return profile, nil
}

// Presets lists the user defined presets stored in the cloud.
func (c *Client) Presets(ctx context.Context) ([]map[string]any, error) {
	var presets []map[string]any
	if err := c.invoke(ctx, fnPresetList, map[string]any{"locale": c.cfg.Locale}, &presets); err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	return presets, nil
}

// DailyUsage returns usage totals for the day containing at. tzOffset is the
// UTC offset in hours.
func (c *Client) DailyUsage(ctx context.Context, deviceKey string, tzOffset int, at time.Time) (map[string]any, error) {
	var usage map[string]any
	err := c.invoke(ctx, fnDailyUsage, map[string]any{
		"devices":        []string{deviceKey},
		"timezoneOffset": tzOffset,
		"depth":          "DAILY",
		"locale":         c.cfg.Locale,
		"queryDate":      at.Unix(),
		"future":         true,
	}, &usage)
	if err != nil {
		return nil, fmt.Errorf("daily usage %s: %w", deviceKey, err)
	}
	return usage, nil
}

// Sessions returns the most recent dispense sessions of one device.
func (c *Client) Sessions(ctx context.Context, deviceKey string, limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	var sessions map[string]any
	err := c.invoke(ctx, fnSessions, map[string]any{
		"clientId": deviceKey,
		"limit":    limit,
		"locale":   c.cfg.Locale,
	}, &sessions)
	if err != nil {
		return nil, fmt.Errorf("sessions %s: %w", deviceKey, err)
	}
	return sessions, nil
}

// UserSettings returns the account's app settings, including the
// temperatureDefinitions the app uses to label presets.
func (c *Client) UserSettings(ctx context.Context) (map[string]any, error) {
	var settings map[string]any
	if err := c.invoke(ctx, fnUserGet, map[string]any{"locale": c.cfg.Locale}, &settings); err != nil {
		return nil, fmt.Errorf("user settings: %w", err)
	}
	return settings, nil
}

// Locations lists the homes the account's devices are registered to.
func (c *Client) Locations(ctx context.Context) ([]map[string]any, error) {
	var resp struct {
		Locations []map[string]any `json:"locations"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/locations?limit=100", &resp); err != nil {
		return nil, fmt.Errorf("locations: %w", err)
	}
	return resp.Locations, nil
}

// WinterizeStatus reports the winterize routine state of one location.
func (c *Client) WinterizeStatus(ctx context.Context, locationID string) (map[string]any, error) {
	if locationID == "" {
		return nil, fmt.Errorf("location id is required")
	}
	query := url.Values{}
	query.Set("location", locationID)
	var status map[string]any
	if err := c.getJSON(ctx, c.cfg.APIBase+"/actions/routine/winterize?"+query.Encode(), &status); err != nil {
		return nil, fmt.Errorf("winterize status %s: %w", locationID, err)
	}
	return status, nil
}

type invokerRequest struct {
	Parse  bool   `json:"parse"`
	Escape bool   `json:"escape"`
	Fn     string `json:"fn"`
	Body   any    `json:"body"`
}

type invokerResponse struct {
	StatusCode int             `json:"StatusCode"`
	Payload    json.RawMessage `json:"Payload"`
}

type invokerPayload struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// invoke calls a vendor function through the invoker gateway and decodes the
// body of its payload into out.
func (c *Client) invoke(ctx context.Context, fn string, body any, out any) error {
	data, err := c.doRequest(ctx, http.MethodPost, c.cfg.InvokerBase+"/invoker", invokerRequest{Fn: fn, Body: body})
	if err != nil {
		return err
	}

	var resp invokerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return apierr.API(fmt.Errorf("decode invoker response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return apierr.API(fmt.Errorf("%s returned status %d", fn, resp.StatusCode))
	}

	raw := bytes.TrimSpace(resp.Payload)
	// Payload is normally a JSON document encoded as a string.
	if len(raw) > 0 && raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return apierr.API(fmt.Errorf("decode %s payload: %w", fn, err))
		}
		raw = []byte(encoded)
	}
	var payload invokerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apierr.API(fmt.Errorf("decode %s payload: %w", fn, err))
	}
	if payload.StatusCode >= 400 {
		return apierr.API(apierr.HTTPStatusError{Status: payload.StatusCode, Body: string(payload.Body)})
	}
	if out == nil || len(payload.Body) == 0 || string(payload.Body) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload.Body, out); err != nil {
		return apierr.API(fmt.Errorf("decode %s body: %w", fn, err))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	data, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apierr.API(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	tokens, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	tokens.OAuth2().SetAuthHeader(req)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apierr.Connectivity(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Connectivity(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.tokens.Invalidate()
		return nil, apierr.Authentication(apierr.HTTPStatusError{Status: resp.StatusCode, Body: string(data)})
	case resp.StatusCode >= 300:
		return nil, apierr.API(apierr.HTTPStatusError{Status: resp.StatusCode, Body: string(data)})
	}
	return data, nil
}

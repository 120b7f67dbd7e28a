package moen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joshp123/moenhome/internal/oauth"
)

// fakeCloud serves the token, invoker, profile and details endpoints from one
// httptest server.
type fakeCloud struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	devices      string
	shadows      map[string]string
	details      map[string]string
	failList     bool
	rejectBearer bool
	listDelay    time.Duration

	logins       int
	listCalls    int
	shadowCalls  int
	detailsCalls int
	commands     []map[string]any
}

const twoFaucets = `[
	{"id": 1, "clientId": "faucet-a", "name": "Kitchen", "deviceType": "VAK", "locationId": 9},
	{"id": "2", "clientId": "faucet-b", "nickname": "Bar sink", "deviceType": "VAK"},
	{"id": 3, "clientId": "flo-1", "name": "Water monitor", "deviceType": "FLO"}
]`

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	c := &fakeCloud{
		t:       t,
		devices: twoFaucets,
		shadows: map[string]string{
			"faucet-a": `{"state":{"reported":{"command":"run","temperature":22.5,"flowRate":80,"volume":250000,"commandSrc":"app"}}}`,
			"faucet-b": `{"state":{"reported":{"command":"stop","temperature":"45"}}}`,
		},
		details: map[string]string{
			"faucet-a": `{"connected":true,"connectivity":{"net":"wifi","rssi":-52},"battery":{"percentage":88},"firmware":{"version":"1.2.3"},"lastConnect":"2024-08-04T09:20:08.370Z"}`,
			"faucet-b": `{"connected":false,"lastConnect":1722763208370}`,
		},
	}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.server.Close)
	return c
}

func (c *fakeCloud) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/oauth2/token":
		c.mu.Lock()
		c.logins++
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":{"access_token":"test-token","refresh_token":"refresh","expires_in":3600}}`)
		return
	}

	c.mu.Lock()
	reject := c.rejectBearer
	c.mu.Unlock()
	if reject || r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Unauthorized"}`)
		return
	}
	if r.Header.Get("User-Agent") != oauth.DefaultUserAgent {
		c.t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
	}

	switch {
	case r.URL.Path == "/users/me":
		writeRaw(w, `{"email":"user@example.com","firstName":"Test"}`)
	case r.URL.Path == "/locations":
		if r.URL.Query().Get("limit") != "100" {
			c.t.Errorf("unexpected locations query %q", r.URL.RawQuery)
		}
		writeRaw(w, `{"locations":[{"locationId":"loc-1","nickname":"Home"}]}`)
	case r.URL.Path == "/actions/routine/winterize":
		writeRaw(w, `{"location":"`+r.URL.Query().Get("location")+`","state":"idle"}`)
	case r.URL.Path == "/invoker":
		c.handleInvoker(w, r)
	case strings.HasPrefix(r.URL.Path, "/device/"):
		key := strings.TrimPrefix(r.URL.Path, "/device/")
		if r.URL.Query().Get("expand") != "addons" || r.URL.Query().Get("units") == "" {
			c.t.Errorf("unexpected details query %q", r.URL.RawQuery)
		}
		c.mu.Lock()
		c.detailsCalls++
		body, ok := c.details[key]
		c.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"message":"boom"}`)
			return
		}
		writeRaw(w, body)
	default:
		c.t.Errorf("unexpected path %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (c *fakeCloud) handleInvoker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parse  bool            `json:"parse"`
		Escape bool            `json:"escape"`
		Fn     string          `json:"fn"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.t.Errorf("decode invoker request: %v", err)
		return
	}
	var body map[string]any
	_ = json.Unmarshal(req.Body, &body)

	switch req.Fn {
	case fnDeviceList:
		c.mu.Lock()
		c.listCalls++
		fail := c.failList
		devices := c.devices
		delay := c.listDelay
		c.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			writeInvoker(w, 500, `{"message":"device service down"}`)
			return
		}
		writeInvoker(w, 200, devices)
	case fnShadowGet:
		key, _ := body["clientId"].(string)
		if body["shadow"] != true {
			c.t.Errorf("expected shadow=true in %v", body)
		}
		c.mu.Lock()
		c.shadowCalls++
		shadow, ok := c.shadows[key]
		c.mu.Unlock()
		if !ok {
			writeInvoker(w, 404, `{"message":"no shadow"}`)
			return
		}
		writeInvoker(w, 200, shadow)
	case fnShadowUpdate:
		payload, _ := body["payload"].(map[string]any)
		c.mu.Lock()
		c.commands = append(c.commands, map[string]any{
			"clientId": body["clientId"],
			"locale":   body["locale"],
			"payload":  payload,
		})
		c.mu.Unlock()
		writeInvoker(w, 200, `{"status":"ok"}`)
	case fnPresetList:
		writeInvoker(w, 200, `[{"title":"Coffee","temperature":60,"volume":350}]`)
	case fnDailyUsage:
		writeInvoker(w, 200, `{"total":12.5}`)
	case fnSessions:
		if body["clientId"] == "" || body["limit"] == nil {
			c.t.Errorf("unexpected sessions body %v", body)
		}
		writeInvoker(w, 200, `{"sessions":[{"volume":250000,"duration":12}],"limit":`+fmt.Sprint(body["limit"])+`}`)
	case fnUserGet:
		writeInvoker(w, 200, `{"email":"user@example.com","temperatureDefinitions":{"warm":38}}`)
	default:
		c.t.Errorf("unexpected fn %s", req.Fn)
	}
}

func writeRaw(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

// writeInvoker wraps body the way the gateway does: a JSON payload encoded as
// a string inside the envelope.
func writeInvoker(w http.ResponseWriter, status int, body string) {
	payload, _ := json.Marshal(map[string]any{"statusCode": status, "body": json.RawMessage(body)})
	envelope, _ := json.Marshal(map[string]any{"StatusCode": 200, "Payload": string(payload)})
	writeRaw(w, string(envelope))
}

func (c *fakeCloud) config() Config {
	return Config{
		Account:              "home",
		Username:             "user@example.com",
		Password:             "secret",
		OAuthBase:            c.server.URL,
		APIBase:              c.server.URL,
		InvokerBase:          c.server.URL,
		MaxRequestsPerMinute: 10000,
	}
}

func (c *fakeCloud) counts() (logins, lists, shadows, details int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins, c.listCalls, c.shadowCalls, c.detailsCalls
}

func (c *fakeCloud) set(fn func(c *fakeCloud)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	cloud       *fakeCloud
	tokens      *oauth.Manager
	client      *Client
	coordinator *Coordinator
}

func newTestRig(t *testing.T, cloud *fakeCloud, opts ...CoordinatorOption) *testRig {
	t.Helper()
	cfg := cloud.config().withDefaults()
	manager, err := oauth.NewManager(
		oauth.Declaration{Account: cfg.Account, TokenURL: cfg.TokenURL(), UserAgent: cfg.UserAgent},
		oauth.Credentials{ClientID: cfg.ClientID, Username: cfg.Username, Password: cfg.Password},
		oauth.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	client, err := NewClient(cfg, manager, nil, discardLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	opts = append([]CoordinatorOption{WithCoordinatorLogger(discardLogger())}, opts...)
	return &testRig{
		cloud:       cloud,
		tokens:      manager,
		client:      client,
		coordinator: NewCoordinator(cfg, client, manager, opts...),
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAccounts(t *testing.T, cloud *fakeCloud) *Accounts {
	t.Helper()
	account, err := NewAccount(context.Background(), cloud.config(), nil, discardLogger())
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	accounts, err := NewAccounts(account)
	if err != nil {
		t.Fatalf("new accounts: %v", err)
	}
	return accounts
}

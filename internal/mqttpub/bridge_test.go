package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/joshp123/moenhome/plugins/moen"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]func(string, []byte)
	notify   chan published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]func(string, []byte)), notify: make(chan published, 32)}
}

func (b *fakeBroker) Publish(topic string, payload []byte, retain bool) error {
	msg := published{topic: topic, payload: string(payload), retain: retain}
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	select {
	case b.notify <- msg:
	default:
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Close() {}

func (b *fakeBroker) find(topic string) (published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].topic == topic {
			return b.messages[i], true
		}
	}
	return published{}, false
}

func (b *fakeBroker) waitFor(t *testing.T, topic string) published {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-b.notify:
			if msg.topic == topic {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCloud serves just enough of the Moen API for one faucet.
func newCloud(t *testing.T, commands chan<- map[string]any) *httptest.Server {
	t.Helper()
	envelope := func(w http.ResponseWriter, body string) {
		payload, _ := json.Marshal(map[string]any{"statusCode": 200, "body": json.RawMessage(body)})
		_ = json.NewEncoder(w).Encode(map[string]any{"StatusCode": 200, "Payload": string(payload)})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			_, _ = io.WriteString(w, `{"token":{"access_token":"t","expires_in":3600}}`)
		case "/invoker":
			var req struct {
				Fn   string         `json:"fn"`
				Body map[string]any `json:"body"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			switch req.Fn {
			case "smartwater-app-device-api-prod-list":
				envelope(w, `[{"clientId":"f1","name":"Kitchen","deviceType":"VAK"}]`)
			case "smartwater-app-shadow-api-prod-get":
				envelope(w, `{"state":{"reported":{"command":"stop","temperature":30}}}`)
			case "smartwater-app-shadow-api-prod-update":
				commands <- req.Body["payload"].(map[string]any)
				envelope(w, `{}`)
			}
		default:
			_, _ = io.WriteString(w, `{"connected":true}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAccounts(t *testing.T, srv *httptest.Server) *moen.Accounts {
	t.Helper()
	account, err := moen.NewAccount(context.Background(), moen.Config{
		Account:     "home",
		Username:    "u@example.com",
		Password:    "p",
		OAuthBase:   srv.URL,
		APIBase:     srv.URL,
		InvokerBase: srv.URL,
	}, nil, discard())
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	accounts, err := moen.NewAccounts(account)
	if err != nil {
		t.Fatalf("new accounts: %v", err)
	}
	return accounts
}

func TestBridgePublishesSnapshots(t *testing.T) {
	commands := make(chan map[string]any, 1)
	accounts := newAccounts(t, newCloud(t, commands))
	broker := newFakeBroker()
	bridge := NewBridge(broker, accounts, "moenhome/", discard())
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	account, _ := accounts.Get("home")
	if err := account.Coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	state := broker.waitFor(t, "moenhome/home/f1/state")
	availability, ok := broker.find("moenhome/home/availability")
	if !ok || availability.payload != "online" || !availability.retain {
		t.Fatalf("unexpected availability: %+v", availability)
	}
	if !state.retain {
		t.Fatalf("expected retained state, got %+v", state)
	}
	var view moen.DeviceView
	if err := json.Unmarshal([]byte(state.payload), &view); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if view.Name != "Kitchen" || view.State != moen.FaucetStopped || view.Preset != moen.PresetWarm {
		t.Fatalf("unexpected view: %+v", view)
	}

	bridge.SnapshotUpdated(moen.Snapshot{Account: "home", Success: false})
	if msg := broker.waitFor(t, "moenhome/home/availability"); msg.payload != "offline" {
		t.Fatalf("expected offline after failed cycle, got %q", msg.payload)
	}
}

// stalledBroker blocks every publish until release is closed.
type stalledBroker struct {
	*fakeBroker
	release chan struct{}
}

func (b *stalledBroker) Publish(topic string, payload []byte, retain bool) error {
	<-b.release
	return b.fakeBroker.Publish(topic, payload, retain)
}

func TestSnapshotUpdatedDoesNotWaitForBroker(t *testing.T) {
	broker := &stalledBroker{fakeBroker: newFakeBroker(), release: make(chan struct{})}
	bridge := NewBridge(broker, &moen.Accounts{}, "moenhome", discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bridge.SnapshotUpdated(moen.Snapshot{Account: "home", Success: i%2 == 0})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("SnapshotUpdated blocked on a stalled broker")
	}

	close(broker.release)
	deadline := time.After(5 * time.Second)
	for {
		if msg, ok := broker.find("moenhome/home/availability"); ok && msg.payload == "online" {
			broker.mu.Lock()
			n := len(broker.messages)
			broker.mu.Unlock()
			if n <= 2 {
				return
			}
			t.Fatalf("expected stale snapshots to be dropped, got %d publishes", n)
		}
		select {
		case <-deadline:
			t.Fatalf("latest snapshot was never published")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeRoutesCommands(t *testing.T) {
	commands := make(chan map[string]any, 1)
	accounts := newAccounts(t, newCloud(t, commands))
	account, _ := accounts.Get("home")
	if err := account.Coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	broker := newFakeBroker()
	bridge := NewBridge(broker, accounts, "moenhome", discard())
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	handler := broker.handlers["moenhome/+/+/set"]
	if handler == nil {
		t.Fatalf("expected command subscription")
	}

	handler("moenhome/home/f1/set", []byte(`{"action":"start","temperature":37.5,"flow_rate":60}`))
	select {
	case payload := <-commands:
		if payload["command"] != "run" || payload["temperature"] != 37.5 || payload["flowRate"] != 60.0 {
			t.Fatalf("unexpected command payload: %v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for command")
	}
	result := broker.waitFor(t, "moenhome/home/f1/result")
	if result.payload != `{"ok":true}` && result.payload != `{"ok":true,"result":{}}` {
		t.Fatalf("unexpected result: %s", result.payload)
	}

	handler("moenhome/home/unknown/set", []byte("stop"))
	result = broker.waitFor(t, "moenhome/home/unknown/result")
	var decoded commandResult
	if err := json.Unmarshal([]byte(result.payload), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded.OK || decoded.Error == "" {
		t.Fatalf("expected failure for unknown device, got %+v", decoded)
	}
}

func TestParseSetTopic(t *testing.T) {
	account, device, ok := parseSetTopic("home/moen", "home/moen/cabin/f1/set")
	if !ok || account != "cabin" || device != "f1" {
		t.Fatalf("unexpected parse: %q %q %v", account, device, ok)
	}
	for _, topic := range []string{"home/moen/cabin/f1/state", "other/cabin/f1/set", "home/moen/cabin/set", "home/moen//f1/set"} {
		if _, _, ok := parseSetTopic("home/moen", topic); ok {
			t.Fatalf("expected %q to be ignored", topic)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		payload string
		check   func(moen.Command) bool
	}{
		{`stop`, func(c moen.Command) bool { return c["command"] == "stop" }},
		{`"hot"`, func(c moen.Command) bool { return c["command"] == "run" && c["temperature"] == 50.0 }},
		{`on`, func(c moen.Command) bool { return c["temperature"] == "warm" }},
		{`{"action":"preset","preset":"coldest","flow_rate":20}`, func(c moen.Command) bool {
			return c["temperature"] == "coldest" && c["flowRate"] == 20
		}},
		{`{"action":"flow_rate","flow_rate":55}`, func(c moen.Command) bool { return c["defaultFlowRate"] == 55 }},
		{`{"action":"freeze_protection","enabled":false}`, func(c moen.Command) bool { return c["freezeEnable"] == false }},
		{`{"action":"timeouts","voice_timeout":60}`, func(c moen.Command) bool {
			return c["voiceTimeout"] == 60 && c["handleTimeout"] == 300
		}},
	}
	for _, tc := range cases {
		cmd, err := ParseCommand([]byte(tc.payload))
		if err != nil {
			t.Fatalf("%s: %v", tc.payload, err)
		}
		if !tc.check(cmd) {
			t.Fatalf("%s: unexpected command %v", tc.payload, cmd)
		}
	}

	for _, bad := range []string{
		``,
		`lukewarm`,
		`{"action":"start"}`,
		`{"action":"start","temperature":150}`,
		`{"action":"flow_rate"}`,
		`{"action":"freeze_protection"}`,
		`{"action":"dance"}`,
		`{"action":"stop","extra":1}`,
		`{not json`,
	} {
		if _, err := ParseCommand([]byte(bad)); !errors.Is(err, moen.ErrInvalidCommand) {
			t.Fatalf("%q: expected invalid command, got %v", bad, err)
		}
	}
}

func TestBrokerURL(t *testing.T) {
	cases := map[string]struct {
		want string
		tls  bool
	}{
		"mqtt://broker:1883":  {"tcp://broker:1883", false},
		"tcp://broker:1883":   {"tcp://broker:1883", false},
		"mqtts://broker:8883": {"ssl://broker:8883", true},
		"wss://broker/mqtt":   {"wss://broker/mqtt", true},
	}
	for raw, want := range cases {
		got, tls, err := brokerURL(raw)
		if err != nil || got != want.want || tls != want.tls {
			t.Fatalf("%s: got %q %v %v", raw, got, tls, err)
		}
	}
	for _, bad := range []string{"broker:1883", "http://broker", ""} {
		if _, _, err := brokerURL(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if StatusTopic("moenhome/") != "moenhome/status" {
		t.Fatalf("unexpected status topic")
	}
}

package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/moenhome/plugins/moen"
)

const commandTimeout = 30 * time.Second

// Bridge publishes every snapshot and routes set topics to the command sender.
// Snapshots are published from the bridge's own goroutine, newest per account
// only, so a slow or unreachable broker never holds up a poll cycle.
//
// Topics, relative to the prefix:
//
//	<account>/availability     retained online/offline, tracks poll success
//	<account>/<device>/state   retained device view JSON
//	<account>/<device>/set     command input
//	<account>/<device>/result  command outcome
type Bridge struct {
	broker   Broker
	accounts *moen.Accounts
	prefix   string
	logger   *slog.Logger
	ctx      context.Context

	mu      sync.Mutex
	pending map[string]moen.Snapshot
	wake    chan struct{}
}

func NewBridge(broker Broker, accounts *moen.Accounts, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:   broker,
		accounts: accounts,
		prefix:   strings.TrimRight(prefix, "/"),
		logger:   logger,
		ctx:      context.Background(),
		pending:  make(map[string]moen.Snapshot),
		wake:     make(chan struct{}, 1),
	}
}

// StatusTopic is the bridge-wide will topic.
func StatusTopic(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/status"
}

// Start subscribes to command topics and to every account's snapshots.
// Commands in flight are cancelled when ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.broker.Subscribe(b.prefix+"/+/+/set", b.handleSet); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	go b.drain(ctx)
	for _, account := range b.accounts.List() {
		account.Coordinator.Subscribe(b)
	}
	return nil
}

// SnapshotUpdated implements moen.Subscriber. It only queues s; a snapshot
// not yet published is replaced by a newer one for the same account.
func (b *Bridge) SnapshotUpdated(s moen.Snapshot) {
	b.mu.Lock()
	b.pending[s.Account] = s
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		b.mu.Lock()
		batch := b.pending
		b.pending = make(map[string]moen.Snapshot, len(batch))
		b.mu.Unlock()
		for _, s := range batch {
			b.publishSnapshot(s)
		}
	}
}

func (b *Bridge) publishSnapshot(s moen.Snapshot) {
	availability := "offline"
	if s.Success {
		availability = "online"
	}
	b.publish(b.prefix+"/"+s.Account+"/availability", []byte(availability), true)

	for _, view := range s.Views() {
		payload, err := json.Marshal(view)
		if err != nil {
			b.logger.Warn("encode device state", "device", view.ID, "error", err)
			continue
		}
		b.publish(b.stateTopic(s.Account, view.ID), payload, true)
	}
}

func (b *Bridge) stateTopic(account, device string) string {
	return b.prefix + "/" + account + "/" + device + "/state"
}

func (b *Bridge) publish(topic string, payload []byte, retain bool) {
	if err := b.broker.Publish(topic, payload, retain); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) handleSet(topic string, payload []byte) {
	accountName, deviceID, ok := parseSetTopic(b.prefix, topic)
	if !ok {
		b.logger.Debug("ignoring mqtt topic", "topic", topic)
		return
	}
	// paho delivers on its own goroutine; commands must not stall it.
	go b.execute(accountName, deviceID, payload)
}

type commandResult struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

func (b *Bridge) execute(accountName, deviceID string, payload []byte) {
	resultTopic := b.prefix + "/" + accountName + "/" + deviceID + "/result"
	result := b.run(accountName, deviceID, payload)
	if !result.OK {
		b.logger.Warn("mqtt command failed", "account", accountName, "device", deviceID, "error", result.Error)
	}
	data, _ := json.Marshal(result)
	b.publish(resultTopic, data, false)
}

func (b *Bridge) run(accountName, deviceID string, payload []byte) commandResult {
	account, ok := b.accounts.Get(accountName)
	if !ok {
		return commandResult{Error: fmt.Sprintf("unknown account %q", accountName)}
	}
	if _, err := account.Coordinator.Device(deviceID); err != nil {
		return commandResult{Error: err.Error()}
	}
	cmd, err := ParseCommand(payload)
	if err != nil {
		return commandResult{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	reply, err := account.Client.SendCommand(ctx, deviceID, cmd)
	if err != nil {
		return commandResult{Error: err.Error()}
	}
	account.Coordinator.RequestRefresh()
	return commandResult{OK: true, Result: reply}
}

func parseSetTopic(prefix, topic string) (account, device string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

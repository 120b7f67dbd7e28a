package moen

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshp123/moenhome/internal/apierr"
	"github.com/joshp123/moenhome/internal/oauth"
)

// ErrDetailsUnavailable is returned for a known device whose details could not
// be fetched yet.
var ErrDetailsUnavailable = errors.New("device details unavailable")

// fetchConcurrency bounds parallel per-device calls within one cycle.
const fetchConcurrency = 4

// Subscriber receives every published snapshot, including failed cycles.
type Subscriber interface {
	SnapshotUpdated(Snapshot)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Snapshot)

func (f SubscriberFunc) SnapshotUpdated(s Snapshot) { f(s) }

// TokenState is the token manager as seen by the coordinator.
type TokenState interface {
	TokenSource
	Tokens() (oauth.TokenSet, uint64)
}

// TokenPersister stores renewed tokens. *oauth.Store implements it.
type TokenPersister interface {
	Save(ctx context.Context, tokens oauth.TokenSet) error
}

// Coordinator polls one account and keeps the merged snapshot.
type Coordinator struct {
	account         string
	client          *Client
	tokens          TokenState
	persister       TokenPersister
	pollInterval    time.Duration
	detailsInterval time.Duration
	cycleTimeout    time.Duration
	now             func() time.Time
	logger          *slog.Logger

	refreshCh chan struct{}

	// cycleMu serializes poll cycles.
	cycleMu      sync.Mutex
	persistedGen uint64
	detailsAt    time.Time

	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []Subscriber
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTokenPersister(p TokenPersister) CoordinatorOption {
	return func(c *Coordinator) {
		c.persister = p
	}
}

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCoordinator(cfg Config, client *Client, tokens TokenState, opts ...CoordinatorOption) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		account:         cfg.Account,
		client:          client,
		tokens:          tokens,
		pollInterval:    cfg.PollInterval,
		detailsInterval: cfg.DetailsInterval,
		cycleTimeout:    max(cfg.PollInterval, 4*cfg.RequestTimeout),
		now:             time.Now,
		logger:          slog.Default(),
		refreshCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("account", cfg.Account)
	_, c.persistedGen = tokens.Tokens()
	c.snapshot = Snapshot{
		Account: cfg.Account,
		Shadows: map[string]Shadow{},
		Details: map[string]Details{},
	}
	return c
}

// Account returns the configured account name.
func (c *Coordinator) Account() string {
	return c.account
}

// Client returns the account's API client.
func (c *Coordinator) Client() *Client {
	return c.client
}

// Subscribe registers s for future snapshots.
func (c *Coordinator) Subscribe(s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, s)
}

// Run polls until ctx is done. The first cycle runs immediately.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshCh:
			ticker.Reset(c.pollInterval)
		}
		c.poll(ctx)
	}
}

// RequestRefresh schedules an early cycle. Requests made while one is pending
// are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// poll runs a scheduled cycle. A cycle cut short by shutdown is not published
// as a failure.
func (c *Coordinator) poll(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()
	_ = c.refresh(cycleCtx, ctx)
}

// Refresh runs one poll cycle for a caller and publishes the result. The
// cycle runs detached from ctx under its own timeout: a caller that gives up
// gets ctx's error while the cycle still completes, so an impatient request
// cannot mark a healthy account failed. On failure the last good data is kept
// and the snapshot is marked failed.
func (c *Coordinator) Refresh(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cycleTimeout)
		defer cancel()
		done <- c.refresh(cycleCtx, context.Background())
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh runs the cycle on ctx. When parent is already done the result is
// dropped instead of published.
func (c *Coordinator) refresh(ctx, parent context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := c.now()
	next, err := c.cycle(ctx)
	c.persistTokens(ctx)
	pollDuration.WithLabelValues(c.account).Observe(c.now().Sub(start).Seconds())
	if err != nil && parent.Err() != nil {
		return err
	}

	c.mu.Lock()
	if err != nil {
		failed := c.snapshot
		failed.Success = false
		failed.Error = err.Error()
		failed.UpdatedAt = c.now()
		c.snapshot = failed
		pollTotal.WithLabelValues(c.account, "error").Inc()
		c.logger.Error("poll cycle failed", "error", err)
	} else {
		c.snapshot = next
		pollTotal.WithLabelValues(c.account, "ok").Inc()
	}
	snapshot := c.snapshot
	subscribers := slices.Clone(c.subscribers)
	c.mu.Unlock()

	for _, s := range subscribers {
		s.SnapshotUpdated(snapshot)
	}
	return err
}

func (c *Coordinator) cycle(ctx context.Context) (Snapshot, error) {
	if _, err := c.tokens.EnsureValid(ctx); err != nil {
		return Snapshot{}, err
	}

	devices, err := c.client.ListDevices(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	shadows := c.fetchShadows(ctx, devices)

	var details map[string]Details
	now := c.now()
	if c.detailsAt.IsZero() || now.Sub(c.detailsAt) > c.detailsInterval {
		details = c.fetchDetails(ctx, devices)
		c.detailsAt = now
	} else {
		c.mu.RLock()
		details = c.snapshot.Details
		c.mu.RUnlock()
	}

	return Snapshot{
		Account:     c.account,
		Devices:     devices,
		Shadows:     shadows,
		Details:     details,
		Success:     true,
		UpdatedAt:   c.now(),
		LastSuccess: c.now(),
	}, nil
}

// fetchShadows never fails; a device whose shadow cannot be read gets an
// empty shadow so the others are still published.
func (c *Coordinator) fetchShadows(ctx context.Context, devices []Device) map[string]Shadow {
	results := make([]Shadow, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, device := range devices {
		g.Go(func() error {
			shadow, err := c.client.Shadow(gctx, device.Key())
			if err != nil {
				c.logger.Warn("shadow fetch failed", "device", device.Key(), "error", err)
				deviceFetchFailures.WithLabelValues(c.account, "shadow").Inc()
				return nil
			}
			results[i] = shadow
			return nil
		})
	}
	_ = g.Wait()

	shadows := make(map[string]Shadow, len(devices))
	for i, device := range devices {
		shadows[device.Key()] = results[i]
	}
	return shadows
}

// fetchDetails omits devices whose details cannot be read.
func (c *Coordinator) fetchDetails(ctx context.Context, devices []Device) map[string]Details {
	type result struct {
		details Details
		ok      bool
	}
	results := make([]result, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, device := range devices {
		g.Go(func() error {
			details, err := c.client.Details(gctx, device.Key())
			if err != nil {
				c.logger.Warn("details fetch failed", "device", device.Key(), "error", err)
				deviceFetchFailures.WithLabelValues(c.account, "details").Inc()
				return nil
			}
			results[i] = result{details: details, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Details, len(devices))
	for i, device := range devices {
		if results[i].ok {
			out[device.Key()] = results[i].details
		}
	}
	return out
}

func (c *Coordinator) persistTokens(ctx context.Context) {
	tokens, gen := c.tokens.Tokens()
	if gen == c.persistedGen || c.persister == nil {
		return
	}
	if err := c.persister.Save(ctx, tokens); err != nil {
		c.logger.Warn("persist tokens failed", "error", err)
		return
	}
	c.persistedGen = gen
}

// Snapshot returns the latest published snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snapshot
	s.Devices = slices.Clone(s.Devices)
	s.Shadows = maps.Clone(s.Shadows)
	s.Details = maps.Clone(s.Details)
	return s
}

// Devices returns the devices of the latest snapshot.
func (c *Coordinator) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.snapshot.Devices)
}

func (c *Coordinator) Device(key string) (Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	device, ok := c.snapshot.Device(key)
	if !ok {
		return Device{}, apierr.DeviceNotFound(key)
	}
	return device, nil
}

func (c *Coordinator) Shadow(key string) (Shadow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.snapshot.Device(key); !ok {
		return Shadow{}, apierr.DeviceNotFound(key)
	}
	return c.snapshot.Shadows[key], nil
}

func (c *Coordinator) Details(key string) (Details, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.snapshot.Device(key); !ok {
		return Details{}, apierr.DeviceNotFound(key)
	}
	details, ok := c.snapshot.Details[key]
	if !ok {
		return Details{}, ErrDetailsUnavailable
	}
	return details, nil
}

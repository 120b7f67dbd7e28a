package moen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/joshp123/moenhome/internal/apierr"
	"github.com/joshp123/moenhome/internal/oauth"
	"github.com/joshp123/moenhome/internal/rate"
)

// Account bundles the token manager, client and coordinator of one login.
type Account struct {
	Config      Config
	Tokens      *oauth.Manager
	Store       *oauth.Store
	Client      *Client
	Coordinator *Coordinator

	logger *slog.Logger
}

// NewAccount wires an account. store may be nil, in which case tokens live
// only in memory.
func NewAccount(ctx context.Context, cfg Config, store *oauth.Store, logger *slog.Logger) (*Account, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	limits := rate.API("moen").
		MaxRequestsPer(rate.Minute, cfg.MaxRequestsPerMinute).
		ReservePriority(cfg.MaxRequestsPerMinute / 10).
		ReadHeaders(rate.StandardHeaders())
	httpClient := rate.WrapHTTP(limits, &http.Client{Timeout: cfg.RequestTimeout})

	manager, err := oauth.NewManager(
		oauth.Declaration{Account: cfg.Account, TokenURL: cfg.TokenURL(), UserAgent: cfg.UserAgent},
		oauth.Credentials{ClientID: cfg.ClientID, Username: cfg.Username, Password: cfg.Password},
		oauth.WithHTTPClient(httpClient),
		oauth.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.Account, err)
	}

	if store != nil {
		tokens, err := store.Load(ctx)
		switch {
		case err == nil:
			manager.Restore(tokens)
		case errors.Is(err, oauth.ErrStateNotFound):
		default:
			logger.Warn("ignoring persisted token state", "account", cfg.Account, "error", err)
		}
	}

	client, err := NewClient(cfg, manager, httpClient, logger)
	if err != nil {
		return nil, err
	}

	opts := []CoordinatorOption{WithCoordinatorLogger(logger)}
	if store != nil {
		opts = append(opts, WithTokenPersister(store))
	}

	return &Account{
		Config:      cfg,
		Tokens:      manager,
		Store:       store,
		Client:      client,
		Coordinator: NewCoordinator(cfg, client, manager, opts...),
		logger:      logger.With("account", cfg.Account),
	}, nil
}

// Name is the configured account name.
func (a *Account) Name() string {
	return a.Config.Account
}

// Setup authenticates and checks the profile endpoint, so bad credentials
// surface at startup rather than on the first poll.
func (a *Account) Setup(ctx context.Context) error {
	if _, err := a.Tokens.EnsureValid(ctx); err != nil {
		return err
	}
	if a.Store != nil {
		tokens, _ := a.Tokens.Tokens()
		if err := a.Store.Save(ctx, tokens); err != nil {
			return err
		}
	}
	if _, err := a.Client.Profile(ctx); err != nil {
		if errors.Is(err, apierr.ErrAuthentication) {
			return err
		}
		a.logger.Warn("profile check failed", "error", err)
	}
	return nil
}

// Accounts is the set of configured accounts, keyed by name.
type Accounts struct {
	mu     sync.RWMutex
	byName map[string]*Account
	order  []string
}

func NewAccounts(accounts ...*Account) (*Accounts, error) {
	a := &Accounts{byName: make(map[string]*Account, len(accounts))}
	for _, account := range accounts {
		if err := a.Add(account); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Accounts) Add(account *Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := account.Name()
	if _, ok := a.byName[name]; ok {
		return fmt.Errorf("duplicate account %q", name)
	}
	a.byName[name] = account
	a.order = append(a.order, name)
	return nil
}

func (a *Accounts) Get(name string) (*Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	account, ok := a.byName[name]
	return account, ok
}

// List returns accounts in configuration order.
func (a *Accounts) List() []*Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Account, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.byName[name])
	}
	return out
}

// FindDevice locates a device by key across all accounts.
func (a *Accounts) FindDevice(key string) (*Account, Device, error) {
	for _, account := range a.List() {
		if device, err := account.Coordinator.Device(key); err == nil {
			return account, device, nil
		}
	}
	return nil, Device{}, apierr.DeviceNotFound(key)
}

// Run starts one poller per account and blocks until ctx is done.
func (a *Accounts) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, account := range a.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account.Coordinator.Run(ctx)
		}()
	}
	wg.Wait()
}

package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshp123/moenhome/internal/config"
	"github.com/joshp123/moenhome/internal/core"
	"github.com/joshp123/moenhome/internal/oauth"
	"github.com/joshp123/moenhome/plugins/moen"
)

const blobCheckTimeout = 10 * time.Second

func init() {
	Register(func(env Env, cfg *config.Config) (core.Plugin, bool) {
		if !config.EnabledPlugins(cfg)[moen.PluginID] {
			return nil, false
		}
		accounts, err := MoenAccounts(env, cfg)
		return moen.NewPlugin(accounts, err), true
	})
}

// MoenAccounts wires every configured account. Accounts that cannot be built
// are skipped and reported in the returned error; a failed initial login is
// only logged so the poller can retry.
func MoenAccounts(env Env, cfg *config.Config) (*moen.Accounts, error) {
	env = env.withDefaults()
	var errs []error
	blob, err := BlobMirror(cfg)
	if err != nil {
		errs = append(errs, err)
	}
	if checker, ok := blob.(interface{ Check(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(env.Context, blobCheckTimeout)
		if err := checker.Check(ctx); err != nil {
			env.Logger.Warn("token blob mirror unreachable; continuing with local state only", "error", err)
		}
		cancel()
	}

	accounts, err := moen.NewAccounts()
	if err != nil {
		return nil, err
	}
	for _, ac := range cfg.Moen.Accounts {
		account, err := MoenAccount(env, cfg, ac, blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", ac.Name, err))
			continue
		}
		if err := account.Setup(env.Context); err != nil {
			env.Logger.Error("moen account setup failed", "account", ac.Name, "error", err)
		}
		if err := accounts.Add(account); err != nil {
			errs = append(errs, err)
		}
	}
	return accounts, errors.Join(errs...)
}

// BlobMirror returns the configured token blob mirror, or nil when none is set.
func BlobMirror(cfg *config.Config) (oauth.BlobStore, error) {
	if cfg.OAuth == nil || cfg.OAuth.Blob == nil || !cfg.OAuth.Blob.Enabled() {
		return nil, nil
	}
	store, err := oauth.NewS3Store(*cfg.OAuth.Blob)
	if err != nil {
		return nil, fmt.Errorf("token blob mirror: %w", err)
	}
	return store, nil
}

// MoenAccount builds one account with its token store. It does not log in.
func MoenAccount(env Env, cfg *config.Config, ac config.AccountConfig, blob oauth.BlobStore) (*moen.Account, error) {
	env = env.withDefaults()
	password, err := config.ReadSecretFile(ac.PasswordFile)
	if err != nil {
		return nil, err
	}
	store, err := oauth.NewStore(ac.Name, ac.Username, config.StatePath(cfg, ac.Name), blob, env.Logger)
	if err != nil {
		return nil, err
	}
	return moen.NewAccount(env.Context, MoenConfig(ac, password), store, env.Logger)
}

// MoenConfig maps an account section onto the client config.
func MoenConfig(ac config.AccountConfig, password string) moen.Config {
	return moen.Config{
		Account:              ac.Name,
		Username:             ac.Username,
		Password:             password,
		ClientID:             ac.ClientID,
		OAuthBase:            ac.OAuthBase,
		APIBase:              ac.APIBase,
		InvokerBase:          ac.InvokerBase,
		UserAgent:            ac.UserAgent,
		Locale:               ac.Locale,
		Units:                ac.Units,
		PollInterval:         seconds(ac.PollIntervalSeconds),
		DetailsInterval:      seconds(ac.DetailsIntervalSeconds),
		RequestTimeout:       seconds(ac.RequestTimeoutSeconds),
		MaxRequestsPerMinute: ac.MaxRequestsPerMinute,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

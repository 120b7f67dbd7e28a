package moen

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joshp123/moenhome/internal/oauth"
)

const (
	DefaultOAuthBase   = "https://4j1gkf0vji.execute-api.us-east-2.amazonaws.com/prod/v1"
	DefaultAPIBase     = "https://api.prod.iot.moen.com/v3"
	DefaultInvokerBase = "https://exo9f857n8.execute-api.us-east-2.amazonaws.com/prod/v1"

	DefaultLocale = "en_US"
	DefaultUnits  = "imperial"

	DefaultPollInterval    = 30 * time.Second
	DefaultDetailsInterval = 300 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// Config pins the endpoint set and cadence for one account.
type Config struct {
	Account  string
	Username string
	Password string
	ClientID string

	OAuthBase   string
	APIBase     string
	InvokerBase string
	UserAgent   string
	Locale      string
	Units       string

	PollInterval    time.Duration
	DetailsInterval time.Duration
	RequestTimeout  time.Duration
	// MaxRequestsPerMinute caps outbound calls; zero leaves the default.
	MaxRequestsPerMinute int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = oauth.DefaultClientID
	}
	if c.OAuthBase == "" {
		c.OAuthBase = DefaultOAuthBase
	}
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.InvokerBase == "" {
		c.InvokerBase = DefaultInvokerBase
	}
	if c.UserAgent == "" {
		c.UserAgent = oauth.DefaultUserAgent
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.Units == "" {
		c.Units = DefaultUnits
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DetailsInterval <= 0 {
		c.DetailsInterval = DefaultDetailsInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = 120
	}
	c.OAuthBase = strings.TrimRight(c.OAuthBase, "/")
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	c.InvokerBase = strings.TrimRight(c.InvokerBase, "/")
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Account) == "" {
		return fmt.Errorf("account name is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("account %s: username is required", c.Account)
	}
	for name, raw := range map[string]string{
		"oauth_base":   c.OAuthBase,
		"api_base":     c.APIBase,
		"invoker_base": c.InvokerBase,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("account %s: invalid %s %q", c.Account, name, raw)
		}
	}
	if c.Units != "imperial" && c.Units != "metric" {
		return fmt.Errorf("account %s: units must be imperial or metric", c.Account)
	}
	return nil
}

// TokenURL is the login and refresh endpoint.
func (c Config) TokenURL() string {
	return c.OAuthBase + "/oauth2/token"
}

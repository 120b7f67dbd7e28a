package rate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// LimitError is returned instead of sending a request that would exceed the budget.
type LimitError struct {
	API     string
	Reason  string
	RetryAt time.Time
}

func (e LimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.API, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.API, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type priorityKey struct{}

// WithPriority marks requests made with ctx as allowed to spend the reserve.
func WithPriority(ctx context.Context) context.Context {
	return context.WithValue(ctx, priorityKey{}, true)
}

// IsPriority reports whether ctx was marked by WithPriority.
func IsPriority(ctx context.Context) bool {
	v, _ := ctx.Value(priorityKey{}).(bool)
	return v
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// Guard enforces a Declaration for every request made through its transport.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	buckets  map[Window]*bucket
	cooldown time.Time
}

// NewGuard builds a guard with full buckets.
func NewGuard(decl Declaration) *Guard {
	return newGuardAt(decl, time.Now)
}

func newGuardAt(decl Declaration, now func() time.Time) *Guard {
	g := &Guard{
		decl:    decl,
		now:     now,
		buckets: make(map[Window]*bucket),
	}
	start := now()
	for window, limit := range decl.Limits() {
		g.buckets[window] = &bucket{capacity: limit, tokens: float64(limit), last: start}
	}
	return g
}

// WrapHTTP returns a copy of base whose transport is guarded.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return NewGuard(decl).Client(base)
}

// Client returns a copy of base routed through the guard.
func (g *Guard) Client(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: g}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall(IsPriority(req.Context()))
	if !decision.Allowed {
		blockedTotal.WithLabelValues(rt.guard.decl.Name(), decision.Reason).Inc()
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, LimitError{
			API:     rt.guard.decl.Name(),
			Reason:  decision.Reason,
			RetryAt: decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes budget for one request if any is available. Calls
// without priority leave the declared reserve untouched.
func (g *Guard) ShouldCall(priority bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		if b.capacity <= 0 {
			return Decision{Allowed: false, Reason: "disabled"}
		}
		refill(b, window.Duration(), now)
		need := 1.0
		reason := "budget"
		if !priority {
			need += float64(min(g.decl.Reserve(), b.capacity-1))
			reason = "reserve"
		}
		if b.tokens < need {
			if b.tokens < 1 {
				reason = "budget"
			}
			retryAt := now.Add(time.Duration((need - b.tokens) * float64(window.Duration()) / float64(b.capacity)))
			return Decision{Allowed: false, Reason: reason, RetryAt: retryAt}
		}
	}
	left := -1.0
	for _, b := range g.buckets {
		b.tokens--
		if left < 0 || b.tokens < left {
			left = b.tokens
		}
	}
	if left >= 0 {
		budgetGauge.WithLabelValues(g.decl.Name()).Set(left)
	}
	return Decision{Allowed: true}
}

// RecordResponse applies server side hints from a response.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := g.decl.Name()
	lastStatusGauge.WithLabelValues(name).Set(float64(status))

	cfg := g.decl.Headers()
	if remaining := headerInt(headers, cfg.Remaining); remaining >= 0 {
		remainingGauge.WithLabelValues(name).Set(float64(remaining))
	}

	retryAfter := headerInt(headers, cfg.RetryAfter)
	if retryAfter > 0 {
		g.cooldown = g.now().Add(time.Duration(retryAfter) * time.Second)
	} else if status == http.StatusTooManyRequests && g.decl.defaultCooldown > 0 {
		g.cooldown = g.now().Add(g.decl.defaultCooldown)
	}
	if !g.cooldown.IsZero() {
		retryAfterGauge.WithLabelValues(name).Set(max(0, g.cooldown.Sub(g.now()).Seconds()))
	}
}

func refill(b *bucket, window time.Duration, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / window.Seconds()
	b.tokens = min(float64(b.capacity), b.tokens+elapsed*rate)
	b.last = now
}

func headerInt(h http.Header, key string) int {
	if key == "" {
		return -1
	}
	val := h.Get(key)
	if val == "" {
		return -1
	}
	out, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return out
}

package rate

import "time"

// Window is a request budget period.
type Window int

const (
	Minute Window = iota
	Hour
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	default:
		return time.Minute
	}
}

// Headers names the response headers that carry server side limit hints.
// Empty names are ignored.
type Headers struct {
	Remaining  string
	RetryAfter string
}

// StandardHeaders covers the API Gateway style headers the vendor returns.
func StandardHeaders() Headers {
	return Headers{
		Remaining:  "X-RateLimit-Remaining",
		RetryAfter: "Retry-After",
	}
}

// Declaration describes the budget for one upstream API.
type Declaration struct {
	api             string
	limits          map[Window]int
	headers         Headers
	defaultCooldown time.Duration
	reserve         int
}

// API starts a declaration for the named upstream.
func API(name string) Declaration {
	return Declaration{api: name, defaultCooldown: time.Minute}
}

func (d Declaration) Name() string {
	return d.api
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

// CooldownAfterThrottle sets how long calls are held after a 429 without a
// Retry-After header.
func (d Declaration) CooldownAfterThrottle(cooldown time.Duration) Declaration {
	d.defaultCooldown = cooldown
	return d
}

// ReservePriority keeps n requests of every window for calls marked with
// WithPriority. Ordinary calls are refused once only the reserve is left.
func (d Declaration) ReservePriority(n int) Declaration {
	d.reserve = max(0, n)
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) Reserve() int {
	return d.reserve
}

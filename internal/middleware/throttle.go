package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Throttle is an http.RoundTripper that paces outbound requests per host.
// Requests wait for a token rather than failing, so a burst of listings
// against the drive stays under the service's throttling threshold.
type Throttle struct {
	hosts *keyedLimiters
	next  http.RoundTripper
}

// NewThrottle wraps next, allowing perSecond requests per host with the
// given burst. A non-positive rate disables pacing. A nil next means
// http.DefaultTransport.
func NewThrottle(perSecond float64, burst int, next http.RoundTripper) *Throttle {
	if next == nil {
		next = http.DefaultTransport
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		hosts: newKeyedLimiters(limit, burst),
		next:  next,
	}
}

// RoundTrip waits for the host's limiter, giving up when the request's
// context ends.
func (t *Throttle) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.hosts.get(req.URL.Host).Wait(req.Context()); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	return t.next.RoundTrip(req)
}

package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2)
	h := rl.Limit(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Another client has its own budget
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := NewRateLimiter(rate.Every(30*time.Second), 1)
	h := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "10.0.0.3:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// A rejected request does not consume the next token
	assert.InDelta(t, 0, rl.clients.get("10.0.0.3").Tokens(), 0.01)
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return &http.Response{StatusCode: 200, Body: http.NoBody, Request: req}, nil
}

func TestThrottle_PassesThrough(t *testing.T) {
	next := &countingTransport{}
	client := &http.Client{Transport: NewThrottle(0, 1, next)}

	for i := 0; i < 5; i++ {
		resp, err := client.Get("http://graph.test/drive")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, 5, next.calls)
}

func TestThrottle_WaitHonoursContext(t *testing.T) {
	next := &countingTransport{}
	throttle := NewThrottle(0.001, 1, next)

	req := httptest.NewRequest("GET", "http://graph.test/drive", nil)
	_, err := throttle.RoundTrip(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = throttle.RoundTrip(req.WithContext(ctx))
	require.Error(t, err)
	assert.Equal(t, 1, next.calls)
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestThrottle_ClosesBodyWhenGivingUp(t *testing.T) {
	next := &countingTransport{}
	throttle := NewThrottle(0.001, 1, next)

	_, err := throttle.RoundTrip(httptest.NewRequest("GET", "http://graph.test/drive", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := &trackedBody{Reader: strings.NewReader("payload")}
	req, err := http.NewRequestWithContext(ctx, "PUT", "http://graph.test/drive/items/x/content", body)
	require.NoError(t, err)

	_, err = throttle.RoundTrip(req)
	require.Error(t, err)
	assert.True(t, body.closed)
	assert.Equal(t, 1, next.calls)
}

func TestThrottle_PerHost(t *testing.T) {
	next := &countingTransport{}
	throttle := NewThrottle(0.001, 1, next)

	for _, host := range []string{"http://a.test/", "http://b.test/"} {
		_, err := throttle.RoundTrip(httptest.NewRequest("GET", host, nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, next.calls)
}

package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

// maxErrorBody bounds how much of a failed response is read for the error message.
const maxErrorBody = 64 << 10

var errRequestSent = errors.New("onedrive: request already executed")

// request accumulates one Graph call. It is built per call, never shared,
// and executes at most once.
type request struct {
	client *Client
	verb   string
	route  string
	query  url.Values
	header http.Header
	body   io.Reader
	length int64
	err    error
	sent   bool
}

func (c *Client) newRequest() *request {
	return &request{
		client: c,
		verb:   http.MethodGet,
		query:  url.Values{},
		header: http.Header{},
		length: -1,
	}
}

func (r *request) method(m string) *request {
	r.verb = m
	return r
}

// path sets the route relative to the client's base URL. Callers escape
// path segments themselves.
func (r *request) path(p string) *request {
	r.route = p
	return r
}

func (r *request) param(key, value string) *request {
	r.query.Set(key, value)
	return r
}

// skipToken continues a listing. An empty token starts from the first page.
func (r *request) skipToken(token string) *request {
	if token != "" {
		r.query.Set("$skiptoken", token)
	}
	return r
}

func (r *request) expandChildren() *request {
	r.query.Set("$expand", "children")
	return r
}

func (r *request) jsonBody(v any) *request {
	data, err := json.Marshal(v)
	if err != nil {
		r.err = fmt.Errorf("failed to encode request body: %w", err)
		return r
	}
	r.body = bytes.NewReader(data)
	r.length = int64(len(data))
	r.header.Set("Content-Type", "application/json")
	return r
}

// content streams size bytes from body as the request payload.
func (r *request) content(body io.Reader, size int64) *request {
	r.body = body
	r.length = size
	r.header.Set("Content-Type", "application/octet-stream")
	return r
}

// do executes the request and decodes a JSON response into out, which may
// be nil when the response carries no body of interest.
func (r *request) do(ctx context.Context, out any) error {
	resp, err := r.send(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s %s response: %v", provider.ErrRemote, r.verb, r.route, err)
	}
	return nil
}

// send executes the request and hands back a successful response whose
// body the caller must close.
func (r *request) send(ctx context.Context) (*http.Response, error) {
	if r.sent {
		return nil, errRequestSent
	}
	r.sent = true

	if r.err != nil {
		return nil, r.err
	}

	token, err := r.client.auth.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to obtain access token: %w", provider.ErrRemote, err)
	}

	target := r.client.baseURL + r.route
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.verb, target, r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range r.header {
		req.Header[key] = values
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if r.length >= 0 {
		req.ContentLength = r.length
	}

	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", provider.ErrRemote, r.verb, r.route, err)
	}

	r.client.logger.Debug("graph request",
		zap.String("method", r.verb),
		zap.String("path", r.route),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &provider.APIError{StatusCode: resp.StatusCode}

	var ge graphError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Code != "" {
		apiErr.Code = ge.Error.Code
		apiErr.Message = ge.Error.Message
	} else {
		apiErr.Message = string(body)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

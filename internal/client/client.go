// Package client talks to a running strata server. Every CLI command except
// serve and version goes through it, so one process owns the lock registry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/server"
)

// DefaultTimeout bounds a single request. It is longer than the default
// compression timeout so the server reports the timeout, not the client.
const DefaultTimeout = 15 * time.Minute

// Client is an HTTP client for the strata API.
type Client struct {
	http      *http.Client
	serverURL string
	wait      time.Duration
}

// New creates a client for the server at serverURL.
func New(serverURL string) *Client {
	return &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// WithWait returns a copy of c that retries requests refused because a
// conflicting job holds the conversation, for up to maxWait.
func (c *Client) WithWait(maxWait time.Duration) *Client {
	cp := *c
	cp.wait = maxWait
	return &cp
}

// APIError is a failed request. It unwraps to an *apperr.Error carrying the
// server's code and kind, so errors.Is(err, apperr.ErrNoDelta) works on the
// client side too.
type APIError struct {
	Status int
	Body   server.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Body.Error, e.Status, e.Body.Code)
}

func (e *APIError) Unwrap() error {
	return &apperr.Error{Code: e.Body.Code, Kind: apperr.ParseKind(e.Body.Kind), Msg: e.Body.Error}
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = c.wait
	return backoff.WithContext(eb, ctx)
}

// do sends one JSON request and decodes the response into out, if non-nil.
// With a wait configured, retriable conflicts are retried with exponential
// backoff; every other failure is returned at once.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	if c.wait <= 0 {
		_, err := c.send(ctx, method, path, payload, out)
		return err
	}
	return backoff.Retry(func() error {
		_, err := c.send(ctx, method, path, payload, out)
		if err != nil && !(apperr.KindOf(err) == apperr.Conflict && apperr.Retriable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackoff(ctx))
}

// send performs one attempt. With a nil out the raw body is returned.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Code == "" {
			apiErr.Body = server.ErrorBody{Error: strings.TrimSpace(string(data)), Code: "internal", Kind: "internal"}
		}
		return nil, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode response %s: %w", path, err)
		}
	}
	return data, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	var body map[string]any
	return c.do(ctx, http.MethodGet, "/api/health", nil, &body) == nil
}

func collectionPath(collection string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/collections/")
	b.WriteString(url.PathEscape(collection))
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// Package httpclient provides a small retrying JSON HTTP client, used by
// cmd/toolctl to talk to a running agent daemon's REST surface.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// Client wraps http.Client with a fixed retry/backoff policy.
type Client struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

// New builds a Client. Zero values fall back to 15s timeout, no retries,
// 300ms backoff.
func New(timeout time.Duration, retries int, backoff time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &Client{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff}
}

// DoJSON marshals body (if non-nil) as the request payload and unmarshals a
// 2xx response into out (if non-nil), retrying non-2xx/transport failures
// with exponential backoff.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					return nil
				}
				dec := json.NewDecoder(resp.Body)
				if err := dec.Decode(out); err != nil {
					return err
				}
				return nil
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			lastErr = errors.New(resp.Status + ": " + string(b))
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

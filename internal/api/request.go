package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantpaper/tradesync/internal/retry"
)

// APIError represents an error response from the trading API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// classify maps an HTTP failure onto a retry class.
func classify(resp *http.Response, apiErr *APIError) *retry.Error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.RateLimitError(apiErr, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return retry.ServerError(apiErr)
	case resp.StatusCode == http.StatusRequestTimeout:
		return retry.TimeoutError(apiErr)
	default:
		// Remaining 4xx: the request itself is wrong, retrying cannot help.
		return retry.ValidationError(apiErr)
	}
}

// parseRetryAfter handles the delta-seconds form of the header.
// The HTTP-date form is rare enough here that it falls back to 0.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// doRequest performs a single HTTP attempt. Failures come back
// pre-classified for the retry layer.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, retry.ValidationError(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, retry.ValidationError(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.NetworkError(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.NetworkError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
		return nil, classify(resp, apiErr)
	}

	return respBody, nil
}

// do performs a request under the client's retry profile and decodes
// the response into result when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, result any) error {
	body, err := retry.DoValue(ctx, c.profile, func(ctx context.Context) ([]byte, error) {
		b, err := c.doRequest(ctx, method, path, query, payload)
		if err != nil {
			c.logger.Debug("request attempt failed",
				"method", method,
				"path", path,
				"error", err,
			)
		}
		return b, err
	})
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	return c.do(ctx, http.MethodPost, path, nil, payload, result)
}

func (c *Client) put(ctx context.Context, path string, payload, result any) error {
	return c.do(ctx, http.MethodPut, path, nil, payload, result)
}

func (c *Client) del(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, result)
}

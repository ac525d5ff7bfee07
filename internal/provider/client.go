package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// apiClient wraps outbound provider HTTP calls with a shared timeout, a
// client-side rate limiter, and uniform error typing.
type apiClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newAPIClient() *apiClient {
	return &apiClient{
		http: &http.Client{Timeout: 60 * time.Second},
		// Providers rate-limit per tenant; 5 req/s is well under every
		// provider's published quota.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apiErr
	}

	return body, nil
}

// getJSON performs an authenticated GET and decodes the JSON response into out.
func (c *apiClient) getJSON(ctx context.Context, rawURL string, query url.Values, headers map[string]string, out interface{}) error {
	if len(query) > 0 {
		rawURL = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

// postToken POSTs an OAuth form to a token endpoint and returns the decoded
// token with an absolute expires_at. When basicUser is non-empty the client
// credentials go in an HTTP Basic header, otherwise the caller embeds them in
// the form.
func (c *apiClient) postToken(ctx context.Context, tokenURL string, form url.Values, basicUser, basicSecret string) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicSecret)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	return normalizeExpiry(token, time.Now()), nil
}

// revoke POSTs a token revocation request. Callers treat failures as
// best-effort.
func (c *apiClient) revoke(ctx context.Context, revokeURL string, form url.Values, basicUser, basicSecret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicSecret)
	}

	_, err = c.do(req)
	return err
}

// itemsField extracts a []map payload field, tolerating null and absent keys.
func itemsField(payload map[string]interface{}, key string) []map[string]interface{} {
	raw, _ := payload[key].([]interface{})
	items := make([]map[string]interface{}, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items
}

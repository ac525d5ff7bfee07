package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Token is a provider OAuth token payload. Provider-specific fields such as
// realm_id or business_id are kept alongside the standard OAuth fields so the
// whole object round-trips through encrypted storage.
type Token map[string]interface{}

// AccessToken returns the access_token field, or "".
func (t Token) AccessToken() string {
	return t.String("access_token")
}

// RefreshToken returns the refresh_token field, or "".
func (t Token) RefreshToken() string {
	return t.String("refresh_token")
}

// String returns the named field as a string, or "" when absent or not a
// string.
func (t Token) String(key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

// ExpiresAt returns the absolute expiry as epoch seconds. Numeric strings are
// accepted; anything else yields 0 (treated as already expired).
func (t Token) ExpiresAt() int64 {
	switch v := t["expires_at"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// normalizeExpiry sets expires_at = now + expires_in when the provider only
// returned a relative lifetime.
func normalizeExpiry(t Token, now time.Time) Token {
	if _, ok := t["expires_at"]; ok {
		return t
	}
	switch v := t["expires_in"].(type) {
	case float64:
		t["expires_at"] = now.Unix() + int64(v)
	case int:
		t["expires_at"] = now.Unix() + int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t["expires_at"] = now.Unix() + n
		}
	}
	return t
}

// Page is one page of raw records from a provider API. HasMore is derived
// from whether the page was full.
type Page struct {
	Items   []map[string]interface{}
	HasMore bool
}

// Tenant identifies the organization within a provider's multi-org account
// model (organization id, realm id, or subdomain).
type Tenant struct {
	ID   string
	Name string
}

// TenantHint carries already-known tenant identity into ResolveTenant so
// adapters can skip network calls when nothing is missing.
type TenantHint struct {
	TenantID   string
	TenantName string
	// RealmID is the QuickBooks realm from connection metadata or the OAuth
	// callback extras.
	RealmID string
}

// Adapter is the per-provider implementation of authorization, token
// exchange/refresh, tenant resolution, and paginated data fetch. Adapters are
// stateless: tenant context is always passed in, never stored.
type Adapter interface {
	Name() string

	BuildAuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
	// RevokeToken is best-effort; it is a no-op when the provider has no
	// revoke endpoint configured.
	RevokeToken(ctx context.Context, token Token) error

	ResolveTenant(ctx context.Context, token Token, hint TenantHint) (*Tenant, error)

	// ListBankTransactions and ListBills fetch a single page (1-based).
	ListBankTransactions(ctx context.Context, token Token, tenantID string, page int) (*Page, error)
	ListBills(ctx context.Context, token Token, tenantID string, page int) (*Page, error)

	PageSize() int
}

// MissingTenantError reports that a required tenant identity could not be
// resolved. Reason follows each provider's naming: missing_tenant_id,
// missing_realm_id, missing_subdomain.
type MissingTenantError struct {
	Reason string
}

func (e *MissingTenantError) Error() string {
	return fmt.Sprintf("tenant resolution failed: %s", e.Reason)
}

// UnsupportedError reports an operation on a provider with no live sync
// support (sage).
type UnsupportedError struct {
	Provider string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s sync is not supported in this release", e.Provider)
}

// APIError is a non-2xx response from a provider API. RetryAfter carries the
// Retry-After hint on 429 responses, zero otherwise.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API returned status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the error is a 429 response.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429
}

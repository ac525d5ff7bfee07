package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/models"
)

const freeAgentPageSize = 100

// FreeAgent is multi-tenant by client subdomain: most endpoints require an
// X-Subdomain header, and record identifiers are resource URLs rather than
// numeric ids.
type FreeAgent struct {
	cfg         config.ProviderConfig
	redirectURI string
	client      *apiClient
}

func (f *FreeAgent) Name() string { return models.ProviderFreeAgent }

func (f *FreeAgent) PageSize() int { return freeAgentPageSize }

func (f *FreeAgent) BuildAuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", f.cfg.ClientID)
	params.Set("redirect_uri", f.redirectURI)
	params.Set("state", state)
	return f.cfg.AuthorizeURL + "?" + params.Encode()
}

func (f *FreeAgent) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.redirectURI)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)
	return f.client.postToken(ctx, f.cfg.TokenURL, form, "", "")
}

func (f *FreeAgent) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)
	token, err := f.client.postToken(ctx, f.cfg.TokenURL, form, "", "")
	if err != nil {
		return nil, err
	}
	token["refresh_token"] = refreshToken
	return token, nil
}

func (f *FreeAgent) RevokeToken(ctx context.Context, token Token) error {
	if f.cfg.RevokeURL == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token.RefreshToken())
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)
	return f.client.revoke(ctx, f.cfg.RevokeURL, form, "", "")
}

// ResolveTenant checks the token payload for an embedded business id before
// falling back to the first client's subdomain.
func (f *FreeAgent) ResolveTenant(ctx context.Context, token Token, hint TenantHint) (*Tenant, error) {
	if hint.TenantID != "" {
		return &Tenant{ID: hint.TenantID, Name: hint.TenantName}, nil
	}

	if businessID := firstNonEmpty(token.String("business_id"), token.String("businessId")); businessID != "" {
		name := firstNonEmpty(token.String("business_name"), token.String("businessName"))
		return &Tenant{ID: businessID, Name: name}, nil
	}

	clients, err := f.ListClients(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, &MissingTenantError{Reason: "missing_subdomain"}
	}

	subdomain, _ := clients[0]["subdomain"].(string)
	name, _ := clients[0]["name"].(string)
	if subdomain == "" {
		return nil, &MissingTenantError{Reason: "missing_subdomain"}
	}
	return &Tenant{ID: subdomain, Name: name}, nil
}

// ListClients fetches the first page of candidate clients. The exchange flow
// caches these in connection metadata.
func (f *FreeAgent) ListClients(ctx context.Context, token Token) ([]map[string]interface{}, error) {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("per_page", strconv.Itoa(freeAgentPageSize))

	var payload map[string]interface{}
	err := f.client.getJSON(ctx, f.apiURL("/v2/clients"), query, map[string]string{
		"Authorization": "Bearer " + token.AccessToken(),
	}, &payload)
	if err != nil {
		return nil, err
	}
	return itemsField(payload, "clients"), nil
}

func (f *FreeAgent) ListBankTransactions(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(freeAgentPageSize))
	return f.listPage(ctx, token, tenantID, "/v2/bank_transactions", "bank_transactions", query)
}

func (f *FreeAgent) ListBills(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(freeAgentPageSize))
	query.Set("nested_bill_items", "true")
	return f.listPage(ctx, token, tenantID, "/v2/bills", "bills", query)
}

func (f *FreeAgent) listPage(ctx context.Context, token Token, subdomain, path, itemsKey string, query url.Values) (*Page, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token.AccessToken(),
	}
	if subdomain != "" {
		headers["X-Subdomain"] = subdomain
	}

	var payload map[string]interface{}
	if err := f.client.getJSON(ctx, f.apiURL(path), query, headers, &payload); err != nil {
		return nil, err
	}

	items := itemsField(payload, itemsKey)
	return &Page{Items: items, HasMore: len(items) == freeAgentPageSize}, nil
}

func (f *FreeAgent) apiURL(path string) string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

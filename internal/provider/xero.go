package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/models"
)

const xeroPageSize = 100

// Xero is multi-org: every data request carries the organization in the
// xero-tenant-id header. Bills are Invoices with an accounts-payable type.
type Xero struct {
	cfg         config.ProviderConfig
	redirectURI string
	client      *apiClient
}

func (x *Xero) Name() string { return models.ProviderXero }

func (x *Xero) PageSize() int { return xeroPageSize }

func (x *Xero) BuildAuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", x.cfg.ClientID)
	params.Set("redirect_uri", x.redirectURI)
	params.Set("scope", x.cfg.Scope)
	params.Set("state", state)
	return x.cfg.AuthorizeURL + "?" + params.Encode()
}

func (x *Xero) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", x.redirectURI)
	return x.client.postToken(ctx, x.cfg.TokenURL, form, x.cfg.ClientID, x.cfg.ClientSecret)
}

func (x *Xero) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	token, err := x.client.postToken(ctx, x.cfg.TokenURL, form, x.cfg.ClientID, x.cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	// Xero does not echo the refresh token back on refresh.
	token["refresh_token"] = refreshToken
	return token, nil
}

func (x *Xero) RevokeToken(ctx context.Context, token Token) error {
	if x.cfg.RevokeURL == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token.RefreshToken())
	return x.client.revoke(ctx, x.cfg.RevokeURL, form, x.cfg.ClientID, x.cfg.ClientSecret)
}

// ResolveTenant takes the first organization from the connections endpoint.
func (x *Xero) ResolveTenant(ctx context.Context, token Token, hint TenantHint) (*Tenant, error) {
	if hint.TenantID != "" {
		return &Tenant{ID: hint.TenantID, Name: hint.TenantName}, nil
	}

	var connections []map[string]interface{}
	err := x.client.getJSON(ctx, x.apiURL("/connections"), nil, map[string]string{
		"Authorization": "Bearer " + token.AccessToken(),
	}, &connections)
	if err != nil {
		return nil, err
	}

	if len(connections) == 0 {
		return nil, &MissingTenantError{Reason: "missing_tenant_id"}
	}

	tenantID, _ := connections[0]["tenantId"].(string)
	tenantName, _ := connections[0]["tenantName"].(string)
	if tenantID == "" {
		return nil, &MissingTenantError{Reason: "missing_tenant_id"}
	}
	return &Tenant{ID: tenantID, Name: tenantName}, nil
}

func (x *Xero) ListBankTransactions(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return x.listPage(ctx, token, tenantID, "/api.xro/2.0/BankTransactions", "BankTransactions", page)
}

func (x *Xero) ListBills(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return x.listPage(ctx, token, tenantID, "/api.xro/2.0/Invoices", "Invoices", page)
}

func (x *Xero) listPage(ctx context.Context, token Token, tenantID, path, itemsKey string, page int) (*Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(xeroPageSize))

	var payload map[string]interface{}
	err := x.client.getJSON(ctx, x.apiURL(path), query, map[string]string{
		"Authorization":  "Bearer " + token.AccessToken(),
		"xero-tenant-id": tenantID,
	}, &payload)
	if err != nil {
		return nil, err
	}

	items := itemsField(payload, itemsKey)
	return &Page{Items: items, HasMore: len(items) == xeroPageSize}, nil
}

func (x *Xero) apiURL(path string) string {
	return strings.TrimRight(x.cfg.BaseURL, "/") + path
}

package provider

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/models"
)

const (
	quickBooksPageSize     = 200
	quickBooksMinorVersion = "70"
)

// QuickBooks is realm-based: the company realm id lives in the URL path and
// data access goes through the query endpoint's SQL-ish language with
// 1-based startposition/maxresults pagination.
type QuickBooks struct {
	cfg         config.ProviderConfig
	apiBase     string
	redirectURI string
	client      *apiClient
}

func (q *QuickBooks) Name() string { return models.ProviderQuickBooks }

func (q *QuickBooks) PageSize() int { return quickBooksPageSize }

func (q *QuickBooks) BuildAuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", q.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("scope", q.cfg.Scope)
	params.Set("redirect_uri", q.redirectURI)
	params.Set("state", state)
	return q.cfg.AuthorizeURL + "?" + params.Encode()
}

func (q *QuickBooks) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", q.redirectURI)
	return q.client.postToken(ctx, q.cfg.TokenURL, form, q.cfg.ClientID, q.cfg.ClientSecret)
}

func (q *QuickBooks) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	token, err := q.client.postToken(ctx, q.cfg.TokenURL, form, q.cfg.ClientID, q.cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	token["refresh_token"] = refreshToken
	return token, nil
}

func (q *QuickBooks) RevokeToken(ctx context.Context, token Token) error {
	if q.cfg.RevokeURL == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token.RefreshToken())
	return q.client.revoke(ctx, q.cfg.RevokeURL, form, q.cfg.ClientID, q.cfg.ClientSecret)
}

// ResolveTenant trusts the realm id from the stored connection, its metadata,
// or the token itself. A company-info call only fills in the display name and
// is best-effort.
func (q *QuickBooks) ResolveTenant(ctx context.Context, token Token, hint TenantHint) (*Tenant, error) {
	realmID := hint.TenantID
	if realmID == "" {
		realmID = hint.RealmID
	}
	if realmID == "" {
		realmID = token.String("realm_id")
	}
	if realmID == "" {
		return nil, &MissingTenantError{Reason: "missing_realm_id"}
	}

	name := hint.TenantName
	if name == "" {
		company, err := q.getCompanyInfo(ctx, token, realmID)
		if err != nil {
			log.Printf("quickbooks: company info lookup failed for realm %s: %v", realmID, err)
		} else if info, ok := company["CompanyInfo"].(map[string]interface{}); ok {
			name, _ = info["CompanyName"].(string)
		}
	}

	return &Tenant{ID: realmID, Name: name}, nil
}

func (q *QuickBooks) getCompanyInfo(ctx context.Context, token Token, realmID string) (map[string]interface{}, error) {
	query := url.Values{}
	query.Set("minorversion", quickBooksMinorVersion)

	var payload map[string]interface{}
	err := q.client.getJSON(ctx, q.apiURL(fmt.Sprintf("/v3/company/%s/companyinfo/%s", realmID, realmID)), query, map[string]string{
		"Authorization": "Bearer " + token.AccessToken(),
	}, &payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListBankTransactions pages through Purchase entities.
func (q *QuickBooks) ListBankTransactions(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return q.queryPage(ctx, token, tenantID, "Purchase", page)
}

// ListBills pages through Bill entities.
func (q *QuickBooks) ListBills(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return q.queryPage(ctx, token, tenantID, "Bill", page)
}

func (q *QuickBooks) queryPage(ctx context.Context, token Token, realmID, entity string, page int) (*Page, error) {
	startPosition := (page-1)*quickBooksPageSize + 1

	query := url.Values{}
	query.Set("query", fmt.Sprintf("select * from %s startposition %d maxresults %d", entity, startPosition, quickBooksPageSize))
	query.Set("minorversion", quickBooksMinorVersion)

	var payload map[string]interface{}
	err := q.client.getJSON(ctx, q.apiURL(fmt.Sprintf("/v3/company/%s/query", realmID)), query, map[string]string{
		"Authorization": "Bearer " + token.AccessToken(),
	}, &payload)
	if err != nil {
		return nil, err
	}

	response, _ := payload["QueryResponse"].(map[string]interface{})
	items := itemsField(response, entity)
	return &Page{Items: items, HasMore: len(items) == quickBooksPageSize}, nil
}

func (q *QuickBooks) apiURL(path string) string {
	return strings.TrimRight(q.apiBase, "/") + path
}

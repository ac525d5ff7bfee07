package provider

import (
	"context"
	"net/url"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/models"
)

// Sage supports the OAuth connect flow but has no live sync: every data
// operation deterministically reports an unsupported-provider failure without
// touching the network.
type Sage struct {
	cfg         config.ProviderConfig
	redirectURI string
	client      *apiClient
}

func (s *Sage) Name() string { return models.ProviderSage }

func (s *Sage) PageSize() int { return 0 }

func (s *Sage) BuildAuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", s.cfg.ClientID)
	params.Set("redirect_uri", s.redirectURI)
	params.Set("scope", s.cfg.Scope)
	params.Set("state", state)
	return s.cfg.AuthorizeURL + "?" + params.Encode()
}

func (s *Sage) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	return s.client.postToken(ctx, s.cfg.TokenURL, form, "", "")
}

func (s *Sage) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	token, err := s.client.postToken(ctx, s.cfg.TokenURL, form, "", "")
	if err != nil {
		return nil, err
	}
	token["refresh_token"] = refreshToken
	return token, nil
}

func (s *Sage) RevokeToken(ctx context.Context, token Token) error {
	if s.cfg.RevokeURL == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token.RefreshToken())
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	return s.client.revoke(ctx, s.cfg.RevokeURL, form, "", "")
}

func (s *Sage) ResolveTenant(ctx context.Context, token Token, hint TenantHint) (*Tenant, error) {
	return nil, &UnsupportedError{Provider: models.ProviderSage}
}

func (s *Sage) ListBankTransactions(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return nil, &UnsupportedError{Provider: models.ProviderSage}
}

func (s *Sage) ListBills(ctx context.Context, token Token, tenantID string, page int) (*Page, error) {
	return nil, &UnsupportedError{Provider: models.ProviderSage}
}

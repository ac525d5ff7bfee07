package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openledgerhq/ledgersync/internal/crypto"
	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/provider"
)

// oauthStateTTL is how long an authorization flow may stay open before its
// state expires.
const oauthStateTTL = 900 * time.Second

// requestProvider extracts and validates the provider path parameter.
// Unknown providers are rejected before any handler logic.
func requestProvider(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "provider")
	if !models.KnownProvider(name) {
		http.Error(w, "Unsupported provider", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// AuthorizeURLRequest starts an authorization flow for a business
type AuthorizeURLRequest struct {
	BusinessProfileID string `json:"business_profile_id"`
	UserID            string `json:"user_id"`
	ReferrerURL       string `json:"referrer_url,omitempty"`
}

// HandleAuthorizeURL creates a single-use OAuth state and returns the
// provider authorization URL to redirect the user to
func HandleAuthorizeURL(db *gorm.DB, registry *provider.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName, ok := requestProvider(w, r)
		if !ok {
			return
		}

		var req AuthorizeURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.BusinessProfileID == "" || req.UserID == "" {
			http.Error(w, "business_profile_id and user_id are required", http.StatusBadRequest)
			return
		}

		adapter, ok := registry.Get(providerName)
		if !ok {
			http.Error(w, "Unsupported provider", http.StatusBadRequest)
			return
		}

		state, err := provider.GenerateState()
		if err != nil {
			http.Error(w, "Failed to create OAuth state", http.StatusInternalServerError)
			return
		}

		payload, err := json.Marshal(models.OAuthStatePayload{
			BusinessProfileID: req.BusinessProfileID,
			UserID:            req.UserID,
			ReferrerURL:       req.ReferrerURL,
		})
		if err != nil {
			http.Error(w, "Failed to create OAuth state", http.StatusInternalServerError)
			return
		}

		row := models.OAuthState{
			State:     state,
			Provider:  providerName,
			Payload:   datatypes.JSON(payload),
			ExpiresAt: time.Now().UTC().Add(oauthStateTTL),
		}
		if err := db.WithContext(r.Context()).Create(&row).Error; err != nil {
			http.Error(w, "Failed to create OAuth state", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"authorization_url": adapter.BuildAuthorizeURL(state),
		})
	}
}

// ExchangeRequest carries the full callback URL the provider redirected to
type ExchangeRequest struct {
	CallbackURL string `json:"callback_url"`
}

// callbackParams are the pieces of the provider redirect we care about
type callbackParams struct {
	Code    string
	State   string
	RealmID string
}

func parseCallbackURL(raw string) (*callbackParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	p := &callbackParams{
		Code:    q.Get("code"),
		State:   q.Get("state"),
		RealmID: q.Get("realmId"),
	}
	return p, nil
}

// consumeOAuthState validates and deletes a state row. States are single-use:
// the row is removed whether the attempt succeeds or arrives expired.
func consumeOAuthState(db *gorm.DB, providerName, state string) (*models.OAuthStatePayload, int, string) {
	var row models.OAuthState
	err := db.Where("state = ? AND provider = ?", state, providerName).First(&row).Error
	if err != nil {
		return nil, http.StatusBadRequest, "Invalid OAuth state"
	}
	// The row must be gone before the state counts as consumed; a failed
	// delete would leave it replayable.
	if err := db.Delete(&row).Error; err != nil {
		return nil, http.StatusBadRequest, "Invalid OAuth state"
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		return nil, http.StatusBadRequest, "Expired OAuth state"
	}
	var payload models.OAuthStatePayload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, http.StatusBadRequest, "Invalid OAuth state"
	}
	return &payload, 0, ""
}

// HandleExchange completes the OAuth flow: validates the state, exchanges the
// code, opportunistically resolves tenant identity, and upserts the
// connection
func HandleExchange(db *gorm.DB, registry *provider.Registry, cipher crypto.TokenCipher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName, ok := requestProvider(w, r)
		if !ok {
			return
		}

		var req ExchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		params, err := parseCallbackURL(req.CallbackURL)
		if err != nil {
			http.Error(w, "Invalid callback URL", http.StatusBadRequest)
			return
		}
		if params.Code == "" || params.State == "" {
			http.Error(w, "Missing code/state", http.StatusBadRequest)
			return
		}

		payload, errStatus, errMsg := consumeOAuthState(db.WithContext(r.Context()), providerName, params.State)
		if payload == nil {
			http.Error(w, errMsg, errStatus)
			return
		}

		adapter, _ := registry.Get(providerName)
		token, err := adapter.ExchangeCode(r.Context(), params.Code)
		if err != nil {
			log.Printf("oauth %s: code exchange failed: %v", providerName, err)
			http.Error(w, "Failed to exchange authorization code", http.StatusBadGateway)
			return
		}

		var tenantID, tenantName *string
		metadataPatch := map[string]interface{}{}

		switch providerName {
		case models.ProviderXero:
			// Best effort: resolve the first organization now so syncs don't
			// have to. Failure here is not fatal.
			if tenant, err := adapter.ResolveTenant(r.Context(), token, provider.TenantHint{}); err == nil {
				tenantID = strPtr(tenant.ID)
				tenantName = strPtr(tenant.Name)
			}
		case models.ProviderFreeAgent:
			tenantID = strPtr(firstTokenField(token, "business_id", "businessId"))
			tenantName = strPtr(firstTokenField(token, "business_name", "businessName"))
			if tenantID == nil {
				if fa, ok := adapter.(*provider.FreeAgent); ok {
					if clients, err := fa.ListClients(r.Context(), token); err == nil && len(clients) > 0 {
						first := clients[0]
						if sub, ok := first["subdomain"].(string); ok {
							tenantID = strPtr(sub)
						}
						if name, ok := first["name"].(string); ok {
							tenantName = strPtr(name)
						}
						if len(clients) > 20 {
							clients = clients[:20]
						}
						metadataPatch["available_clients"] = clients
					}
				}
			}
		case models.ProviderQuickBooks:
			if params.RealmID != "" {
				metadataPatch["realm_id"] = params.RealmID
				tenantID = strPtr(params.RealmID)
			}
		}

		conn, err := upsertConnection(db.WithContext(r.Context()), cipher, payload.BusinessProfileID, payload.UserID, providerName, token, tenantID, tenantName, metadataPatch)
		if err != nil {
			log.Printf("oauth %s: failed to persist connection: %v", providerName, err)
			http.Error(w, "Failed to persist connection", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"connected":           true,
			"tenant_id":           conn.TenantID,
			"tenant_name":         conn.TenantName,
			"business_profile_id": payload.BusinessProfileID,
		})
	}
}

// upsertConnection creates or overwrites the credential for (business,
// provider). A second authorization replaces the token and merges metadata;
// existing tenant identity is kept unless a new one was resolved.
func upsertConnection(db *gorm.DB, cipher crypto.TokenCipher, businessProfileID, userID, providerName string, token provider.Token, tenantID, tenantName *string, metadataPatch map[string]interface{}) (*models.AccountingConnection, error) {
	encrypted, err := cipher.EncryptJSON(token)
	if err != nil {
		return nil, err
	}

	var existing models.AccountingConnection
	err = db.Where("business_profile_id = ? AND provider = ?", businessProfileID, providerName).First(&existing).Error
	if err == nil {
		if existing.Metadata == nil {
			existing.Metadata = map[string]interface{}{}
		}
		for k, v := range metadataPatch {
			existing.Metadata[k] = v
		}
		existing.UserID = userID
		existing.TokenEncrypted = encrypted
		if tenantID != nil {
			existing.TenantID = tenantID
		}
		if tenantName != nil {
			existing.TenantName = tenantName
		}
		if err := db.Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	conn := models.AccountingConnection{
		ID:                uuid.NewString(),
		BusinessProfileID: businessProfileID,
		UserID:            userID,
		Provider:          providerName,
		TokenEncrypted:    encrypted,
		TenantID:          tenantID,
		TenantName:        tenantName,
		Metadata:          metadataPatch,
	}
	if err := db.Create(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// HandleStatus reports whether a business has a live connection
func HandleStatus(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName, ok := requestProvider(w, r)
		if !ok {
			return
		}
		businessProfileID := r.URL.Query().Get("business_profile_id")
		if businessProfileID == "" {
			http.Error(w, "business_profile_id is required", http.StatusBadRequest)
			return
		}

		var conn models.AccountingConnection
		err := db.WithContext(r.Context()).
			Where("business_profile_id = ? AND provider = ?", businessProfileID, providerName).
			First(&conn).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				writeJSON(w, http.StatusOK, map[string]interface{}{"status": "not_connected"})
				return
			}
			http.Error(w, "Failed to fetch connection", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "connected",
			"tenant_id":   conn.TenantID,
			"tenant_name": conn.TenantName,
		})
	}
}

// DisconnectRequest identifies the connection to remove
type DisconnectRequest struct {
	BusinessProfileID string `json:"business_profile_id"`
	UserID            string `json:"user_id"`
}

// HandleDisconnect deletes a connection, revoking the token with the
// provider first when possible. Revocation failures are logged, never fatal.
func HandleDisconnect(db *gorm.DB, registry *provider.Registry, cipher crypto.TokenCipher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName, ok := requestProvider(w, r)
		if !ok {
			return
		}

		var req DisconnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.BusinessProfileID == "" {
			http.Error(w, "business_profile_id is required", http.StatusBadRequest)
			return
		}

		var conn models.AccountingConnection
		err := db.WithContext(r.Context()).
			Where("business_profile_id = ? AND provider = ?", req.BusinessProfileID, providerName).
			First(&conn).Error
		if err == nil {
			adapter, _ := registry.Get(providerName)
			var token provider.Token
			if err := cipher.DecryptJSON(conn.TokenEncrypted, &token); err == nil {
				if err := adapter.RevokeToken(r.Context(), token); err != nil {
					log.Printf("oauth %s: token revocation failed: %v", providerName, err)
				}
			}
		}

		err = db.WithContext(r.Context()).
			Where("business_profile_id = ? AND provider = ?", req.BusinessProfileID, providerName).
			Delete(&models.AccountingConnection{}).Error
		if err != nil {
			http.Error(w, "Failed to delete connection", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"disconnected": true})
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstTokenField(token provider.Token, keys ...string) string {
	for _, k := range keys {
		if v := token.String(k); v != "" {
			return v
		}
	}
	return ""
}

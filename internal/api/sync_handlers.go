package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

// SyncRequest triggers a background sync for one provider
type SyncRequest struct {
	BusinessProfileID string   `json:"business_profile_id"`
	UserID            string   `json:"user_id"`
	SyncTypes         []string `json:"sync_types,omitempty"`
}

// HandleTriggerSync validates the request and dispatches a sync run. Sage is
// accepted here: its run completes with an unsupported-provider outcome
// rather than being rejected at the boundary.
func HandleTriggerSync(dispatcher syncer.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName, ok := requestProvider(w, r)
		if !ok {
			return
		}

		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.BusinessProfileID == "" || req.UserID == "" {
			http.Error(w, "business_profile_id and user_id are required", http.StatusBadRequest)
			return
		}

		for _, t := range req.SyncTypes {
			if !syncer.ValidSyncType(strings.TrimSpace(t)) {
				http.Error(w, fmt.Sprintf("Unsupported sync_type: %s", t), http.StatusBadRequest)
				return
			}
		}
		syncTypes := syncer.NormalizeSyncTypes(req.SyncTypes)

		runID, err := dispatcher.Dispatch(r.Context(), syncer.Request{
			BusinessProfileID: req.BusinessProfileID,
			UserID:            req.UserID,
			Provider:          providerName,
			SyncTypes:         syncTypes,
		}, fmt.Sprintf("sync:%s:%s:%s", providerName, req.BusinessProfileID, strings.Join(syncTypes, ",")))
		if err != nil {
			http.Error(w, "Failed to dispatch sync", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

// HandleGetSyncRun returns the audit record for one run
func HandleGetSyncRun(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "run_id is required", http.StatusBadRequest)
			return
		}

		var run models.SyncRun
		err := db.WithContext(r.Context()).Where("id = ?", runID).First(&run).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				http.Error(w, "Sync run not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Failed to fetch sync run", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// dataQuery validates the shared query parameters of the data endpoints
func dataQuery(w http.ResponseWriter, r *http.Request) (businessProfileID, providerName, since string, ok bool) {
	businessProfileID = r.URL.Query().Get("business_profile_id")
	providerName = r.URL.Query().Get("provider")
	since = r.URL.Query().Get("since")
	if businessProfileID == "" {
		http.Error(w, "business_profile_id is required", http.StatusBadRequest)
		return "", "", "", false
	}
	if !models.KnownProvider(providerName) {
		http.Error(w, "Unsupported provider", http.StatusBadRequest)
		return "", "", "", false
	}
	return businessProfileID, providerName, since, true
}

// HandleListBankTransactions returns persisted bank transactions. The since
// filter is a plain string comparison on the stored provider-native date.
func HandleListBankTransactions(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessProfileID, providerName, since, ok := dataQuery(w, r)
		if !ok {
			return
		}

		q := db.WithContext(r.Context()).
			Where("business_profile_id = ? AND provider = ?", businessProfileID, providerName)
		if since != "" {
			q = q.Where("transaction_date >= ?", since)
		}

		var rows []models.BankTransaction
		if err := q.Find(&rows).Error; err != nil {
			http.Error(w, "Failed to fetch bank transactions", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// HandleListInvoices returns persisted invoices, same filtering rules as
// bank transactions
func HandleListInvoices(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessProfileID, providerName, since, ok := dataQuery(w, r)
		if !ok {
			return
		}

		q := db.WithContext(r.Context()).
			Where("business_profile_id = ? AND provider = ?", businessProfileID, providerName)
		if since != "" {
			q = q.Where("invoice_date >= ?", since)
		}

		var rows []models.Invoice
		if err := q.Find(&rows).Error; err != nil {
			http.Error(w, "Failed to fetch invoices", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openledgerhq/ledgersync/internal/crypto"
	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/provider"
)

const (
	// maxPages bounds pagination per record type per run so a misbehaving API
	// cannot loop forever or drain the whole rate-limit quota.
	maxPages = 20

	// expirySkew refreshes tokens slightly before they actually expire.
	expirySkew = 60 * time.Second
)

// Run outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Request describes one sync invocation for a (business, provider) pair.
type Request struct {
	BusinessProfileID string   `json:"business_profile_id"`
	UserID            string   `json:"user_id"`
	Provider          string   `json:"provider"`
	SyncTypes         []string `json:"sync_types,omitempty"`
}

// Outcome is the terminal result of a run. Counts are of fetched items handed
// to the persistence step, after provider-specific filtering and before the
// batch commit.
type Outcome struct {
	Outcome          string `json:"outcome"`
	Provider         string `json:"provider,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	BankTransactions *int   `json:"bank_transactions,omitempty"`
	Invoices         *int   `json:"invoices,omitempty"`
}

// Orchestrator drives the per-run state machine: load credential, refresh
// token, resolve tenant, then fetch/dedup/persist each requested record type.
type Orchestrator struct {
	store    Store
	registry *provider.Registry
	cipher   crypto.TokenCipher
	now      func() time.Time
}

func NewOrchestrator(store Store, registry *provider.Registry, cipher crypto.TokenCipher) *Orchestrator {
	return &Orchestrator{
		store:    store,
		registry: registry,
		cipher:   cipher,
		now:      time.Now,
	}
}

// Run executes one sync. Skipped and failed outcomes are returned as values,
// not errors; an error return means the run should be retried by the runtime.
func (o *Orchestrator) Run(ctx context.Context, step StepRunner, req Request) (*Outcome, error) {
	if req.BusinessProfileID == "" {
		return &Outcome{Outcome: OutcomeSkipped, Reason: "missing_business_profile_id"}, nil
	}

	adapter, ok := o.registry.Get(req.Provider)
	if !ok {
		// Callers validate the provider at the boundary; reaching this point
		// with an unknown one is an internal consistency bug.
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}

	// Sage has no live sync: the run fails before any credential load,
	// token refresh, or network call happens.
	if req.Provider == models.ProviderSage {
		unsupported := &provider.UnsupportedError{Provider: req.Provider}
		return &Outcome{
			Outcome:  OutcomeFailed,
			Provider: req.Provider,
			Reason:   "unsupported_provider",
			Message:  unsupported.Error(),
		}, nil
	}

	syncTypes := NormalizeSyncTypes(req.SyncTypes)

	var conn *models.AccountingConnection
	err := step.Run(ctx, "load-connection", func(ctx context.Context) error {
		var err error
		conn, err = o.store.Connection(ctx, req.BusinessProfileID, req.Provider)
		return err
	})
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &Outcome{Outcome: OutcomeSkipped, Reason: "no_connection"}, nil
	}

	var token provider.Token
	if err := o.cipher.DecryptJSON(conn.TokenEncrypted, &token); err != nil {
		return nil, fmt.Errorf("decrypt stored token: %w", err)
	}

	err = step.Run(ctx, "refresh-token", func(ctx context.Context) error {
		var err error
		token, err = o.maybeRefresh(ctx, adapter, token)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Persist the refreshed token before touching any data endpoint so a
	// crash mid-sync cannot lose it.
	err = step.Run(ctx, "persist-token", func(ctx context.Context) error {
		encrypted, err := o.cipher.EncryptJSON(token)
		if err != nil {
			return err
		}
		return o.store.SaveToken(ctx, req.BusinessProfileID, req.Provider, encrypted)
	})
	if err != nil {
		return nil, err
	}

	tenant, failed, err := o.resolveTenant(ctx, step, adapter, req, conn, token)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return failed, nil
	}

	outcome := &Outcome{Outcome: OutcomeOK, Provider: req.Provider}
	for _, recordType := range syncTypes {
		count, err := o.syncRecordType(ctx, step, adapter, req, token, tenant.ID, recordType)
		if err != nil {
			return nil, err
		}
		switch recordType {
		case TypeBankTransactions:
			outcome.BankTransactions = &count
		case TypeInvoices:
			outcome.Invoices = &count
		}
	}
	return outcome, nil
}

// maybeRefresh refreshes the token when it expires within the skew window. A
// token without a refresh_token is passed through unchanged and left to fail
// at the data call instead of pre-emptively.
func (o *Orchestrator) maybeRefresh(ctx context.Context, adapter provider.Adapter, token provider.Token) (provider.Token, error) {
	if token.ExpiresAt() > o.now().Add(expirySkew).Unix() {
		return token, nil
	}
	refreshToken := token.RefreshToken()
	if refreshToken == "" {
		return token, nil
	}
	return adapter.RefreshToken(ctx, refreshToken)
}

// resolveTenant runs the adapter's resolution strategy with whatever identity
// the connection already holds, persisting anything newly resolved. A
// non-nil second return is a terminal failed outcome.
func (o *Orchestrator) resolveTenant(ctx context.Context, step StepRunner, adapter provider.Adapter, req Request, conn *models.AccountingConnection, token provider.Token) (*provider.Tenant, *Outcome, error) {
	hint := provider.TenantHint{}
	if conn.TenantID != nil {
		hint.TenantID = *conn.TenantID
	}
	if conn.TenantName != nil {
		hint.TenantName = *conn.TenantName
	}
	if realm, ok := conn.Metadata["realm_id"].(string); ok {
		hint.RealmID = realm
	}

	var tenant *provider.Tenant
	err := step.Run(ctx, "resolve-tenant", func(ctx context.Context) error {
		var err error
		tenant, err = adapter.ResolveTenant(ctx, token, hint)
		return err
	})
	if err != nil {
		var missing *provider.MissingTenantError
		if errors.As(err, &missing) {
			return nil, &Outcome{Outcome: OutcomeFailed, Provider: req.Provider, Reason: missing.Reason}, nil
		}
		var unsupported *provider.UnsupportedError
		if errors.As(err, &unsupported) {
			return nil, &Outcome{
				Outcome:  OutcomeFailed,
				Provider: req.Provider,
				Reason:   "unsupported_provider",
				Message:  unsupported.Error(),
			}, nil
		}
		return nil, nil, err
	}

	if tenant.ID != hint.TenantID || (tenant.Name != "" && tenant.Name != hint.TenantName) {
		err = step.Run(ctx, "persist-tenant", func(ctx context.Context) error {
			return o.store.SaveTenant(ctx, req.BusinessProfileID, req.Provider, tenant.ID, strOrNil(tenant.Name))
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return tenant, nil, nil
}

// syncRecordType fetches all pages for one record type, dedups against rows
// already stored, and inserts the remainder as one batch. The returned count
// is the number of fetched items after provider filtering.
func (o *Orchestrator) syncRecordType(ctx context.Context, step StepRunner, adapter provider.Adapter, req Request, token provider.Token, tenantID, recordType string) (int, error) {
	items, err := o.fetchPages(ctx, step, adapter, token, tenantID, recordType)
	if err != nil {
		return 0, err
	}

	if req.Provider == models.ProviderXero && recordType == TypeInvoices {
		items = FilterXeroBills(items)
	}

	if recordType == TypeBankTransactions {
		err = o.persistBankTransactions(ctx, req, items)
	} else {
		err = o.persistInvoices(ctx, req, items)
	}
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (o *Orchestrator) fetchPages(ctx context.Context, step StepRunner, adapter provider.Adapter, token provider.Token, tenantID, recordType string) ([]map[string]interface{}, error) {
	fetch := adapter.ListBankTransactions
	if recordType == TypeInvoices {
		fetch = adapter.ListBills
	}

	var items []map[string]interface{}
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		var page *provider.Page
		err := step.Run(ctx, fmt.Sprintf("fetch-%s-page-%d", recordType, pageNum), func(ctx context.Context) error {
			var err error
			page, err = fetch(ctx, token, tenantID, pageNum)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(page.Items) == 0 {
			break
		}
		items = append(items, page.Items...)
		if !page.HasMore {
			break
		}
	}
	return items, nil
}

func (o *Orchestrator) persistBankTransactions(ctx context.Context, req Request, items []map[string]interface{}) error {
	existing, err := o.store.ExistingTransactionIDs(ctx, req.BusinessProfileID, req.Provider)
	if err != nil {
		return err
	}

	batch := make([]models.BankTransaction, 0, len(items))
	for _, item := range items {
		rec, ok := MapBankTransaction(req.Provider, item)
		if !ok {
			continue
		}
		if _, seen := existing[rec.ProviderTransactionID]; seen {
			continue
		}
		existing[rec.ProviderTransactionID] = struct{}{}
		rec.ID = uuid.NewString()
		rec.BusinessProfileID = req.BusinessProfileID
		rec.Provider = req.Provider
		batch = append(batch, *rec)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := o.store.InsertBankTransactions(ctx, batch); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost a race with a concurrent sync; the next run re-inserts
			// whatever is still missing.
			log.Printf("sync %s/%s: bank transaction batch hit duplicate rows, skipping batch", req.Provider, req.BusinessProfileID)
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) persistInvoices(ctx context.Context, req Request, items []map[string]interface{}) error {
	existing, err := o.store.ExistingInvoiceIDs(ctx, req.BusinessProfileID, req.Provider)
	if err != nil {
		return err
	}

	batch := make([]models.Invoice, 0, len(items))
	for _, item := range items {
		rec, ok := MapInvoice(req.Provider, item)
		if !ok {
			continue
		}
		if _, seen := existing[rec.ProviderInvoiceID]; seen {
			continue
		}
		existing[rec.ProviderInvoiceID] = struct{}{}
		rec.ID = uuid.NewString()
		rec.BusinessProfileID = req.BusinessProfileID
		rec.Provider = req.Provider
		batch = append(batch, *rec)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := o.store.InsertInvoices(ctx, batch); err != nil {
		if errors.Is(err, ErrDuplicate) {
			log.Printf("sync %s/%s: invoice batch hit duplicate rows, skipping batch", req.Provider, req.BusinessProfileID)
			return nil
		}
		return err
	}
	return nil
}

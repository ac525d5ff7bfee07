package syncer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/crypto"
	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/provider"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

// passStep runs each step inline with no extra behavior.
type passStep struct{}

func (passStep) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeStore is an in-memory syncer.Store.
type fakeStore struct {
	mu          sync.Mutex
	conn        *models.AccountingConnection
	savedTokens []string
	tenantID    string
	tenantName  *string
	txs         map[string]models.BankTransaction
	invoices    map[string]models.Invoice
	insertedTx  int
	insertedInv int
	insertTxErr error
	runs        map[string]*models.SyncRun
	transitions map[string][]string

	// connGate, when set, blocks Connection until closed.
	connGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txs:         make(map[string]models.BankTransaction),
		invoices:    make(map[string]models.Invoice),
		runs:        make(map[string]*models.SyncRun),
		transitions: make(map[string][]string),
	}
}

func (f *fakeStore) Connection(ctx context.Context, businessProfileID, providerName string) (*models.AccountingConnection, error) {
	if f.connGate != nil {
		<-f.connGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn, nil
}

func (f *fakeStore) SaveToken(ctx context.Context, businessProfileID, providerName, tokenEncrypted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedTokens = append(f.savedTokens, tokenEncrypted)
	return nil
}

func (f *fakeStore) SaveTenant(ctx context.Context, businessProfileID, providerName, tenantID string, tenantName *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenantID = tenantID
	f.tenantName = tenantName
	return nil
}

func (f *fakeStore) ExistingTransactionIDs(ctx context.Context, businessProfileID, providerName string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]struct{}, len(f.txs))
	for id := range f.txs {
		set[id] = struct{}{}
	}
	return set, nil
}

func (f *fakeStore) ExistingInvoiceIDs(ctx context.Context, businessProfileID, providerName string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]struct{}, len(f.invoices))
	for id := range f.invoices {
		set[id] = struct{}{}
	}
	return set, nil
}

func (f *fakeStore) InsertBankTransactions(ctx context.Context, records []models.BankTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertTxErr != nil {
		return f.insertTxErr
	}
	for _, rec := range records {
		f.txs[rec.ProviderTransactionID] = rec
	}
	f.insertedTx += len(records)
	return nil
}

func (f *fakeStore) InsertInvoices(ctx context.Context, records []models.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.invoices[rec.ProviderInvoiceID] = rec
	}
	f.insertedInv += len(records)
	return nil
}

func (f *fakeStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	f.transitions[run.ID] = append(f.transitions[run.ID], run.Status)
	return nil
}

func (f *fakeStore) UpdateSyncRun(ctx context.Context, runID, status string, errText *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		run.Status = status
		run.Error = errText
	}
	f.transitions[runID] = append(f.transitions[runID], status)
	return nil
}

func testSyncConfig(serverURL string) *config.Config {
	pc := config.ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorizeURL: serverURL + "/authorize",
		TokenURL:     serverURL + "/token",
		BaseURL:      serverURL,
	}
	return &config.Config{
		PublicOrigin: "http://localhost:8000",
		Xero:         pc,
		QuickBooks:   pc,
		Sage:         pc,
		FreeAgent:    pc,
	}
}

func newTestCipher(t *testing.T) crypto.TokenCipher {
	t.Helper()
	c, err := crypto.NewAESCipher("unit-test-encryption-secret")
	require.NoError(t, err)
	return c
}

func encryptToken(t *testing.T, cipher crypto.TokenCipher, token map[string]interface{}) string {
	t.Helper()
	encrypted, err := cipher.EncryptJSON(token)
	require.NoError(t, err)
	return encrypted
}

func liveToken() map[string]interface{} {
	return map[string]interface{}{
		"access_token":  "at-live",
		"refresh_token": "rt-live",
		"expires_at":    time.Now().Add(time.Hour).Unix(),
	}
}

func connectionFixture(t *testing.T, cipher crypto.TokenCipher, providerName, tenantID string, token map[string]interface{}) *models.AccountingConnection {
	t.Helper()
	conn := &models.AccountingConnection{
		ID:                "conn-1",
		BusinessProfileID: "bp-1",
		UserID:            "user-1",
		Provider:          providerName,
		TokenEncrypted:    encryptToken(t, cipher, token),
	}
	if tenantID != "" {
		conn.TenantID = &tenantID
	}
	return conn
}

func newOrchestrator(store syncer.Store, cipher crypto.TokenCipher, serverURL string) *syncer.Orchestrator {
	return syncer.NewOrchestrator(store, provider.NewRegistry(testSyncConfig(serverURL)), cipher)
}

func TestRunSkipsMissingBusinessProfileID(t *testing.T) {
	store := newFakeStore()
	cipher := newTestCipher(t)
	o := newOrchestrator(store, cipher, "http://unreachable.invalid")

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome.Outcome)
	assert.Equal(t, "missing_business_profile_id", outcome.Reason)
}

func TestRunSkipsWithoutConnection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	store := newFakeStore()
	o := newOrchestrator(store, newTestCipher(t), srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome.Outcome)
	assert.Equal(t, "no_connection", outcome.Reason)
	assert.Zero(t, calls)
}

func TestRunRejectsUnknownProvider(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store, newTestCipher(t), "http://unreachable.invalid")

	_, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "wave"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestXeroSyncIsIdempotent(t *testing.T) {
	items := []map[string]interface{}{
		{"BankTransactionID": "tx-1", "Date": "2024-01-01", "Total": float64(10), "CurrencyCode": "EUR"},
		{"BankTransactionID": "tx-2", "Date": "2024-01-02", "Total": float64(20)},
		{"BankTransactionID": "tx-3", "Date": "2024-01-03", "Reference": "water bill"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api.xro/2.0/BankTransactions", r.URL.Path)
		assert.Equal(t, "org-1", r.Header.Get("xero-tenant-id"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"BankTransactions": items})
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "org-1", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	req := syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"}

	outcome, err := o.Run(context.Background(), passStep{}, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	require.NotNil(t, outcome.BankTransactions)
	assert.Equal(t, 3, *outcome.BankTransactions)
	assert.Nil(t, outcome.Invoices)
	assert.Equal(t, 3, store.insertedTx)

	// Second run over identical upstream data inserts nothing new.
	outcome, err = o.Run(context.Background(), passStep{}, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	assert.Equal(t, 3, *outcome.BankTransactions)
	assert.Equal(t, 3, store.insertedTx)
	assert.Len(t, store.txs, 3)
}

func TestXeroBillsFilteredToAccountsPayable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api.xro/2.0/Invoices", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"Invoices": []map[string]interface{}{
			{"InvoiceID": "inv-1", "Type": "ACCPAY", "Total": float64(50), "Status": "AUTHORISED"},
			{"InvoiceID": "inv-2", "Type": "ACCREC", "Total": float64(75)},
			{"InvoiceID": "inv-3", "Type": "ACCPAYCREDIT"},
		}})
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "org-1", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{
		BusinessProfileID: "bp-1",
		Provider:          "xero",
		SyncTypes:         []string{"bills"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	require.NotNil(t, outcome.Invoices)
	assert.Equal(t, 2, *outcome.Invoices)
	assert.Nil(t, outcome.BankTransactions)
	assert.Len(t, store.invoices, 2)
	assert.Contains(t, store.invoices, "inv-1")
	assert.Contains(t, store.invoices, "inv-3")
}

func TestFreeAgentPaginationStopsOnShortPage(t *testing.T) {
	var maxPage int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/bank_transactions", r.URL.Path)
		assert.Equal(t, "mycompany", r.Header.Get("X-Subdomain"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > maxPage {
			maxPage = page
		}
		count := 100
		if page == 2 {
			count = 40
		}

		items := make([]map[string]interface{}, count)
		for i := range items {
			items[i] = map[string]interface{}{
				"url":         fmt.Sprintf("https://api.freeagent.test/v2/bank_transactions/p%d-%d", page, i),
				"gross_value": "12.50",
				"dated_on":    "2024-04-01",
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"bank_transactions": items})
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "free_agent", "mycompany", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "free_agent"})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	require.NotNil(t, outcome.BankTransactions)
	assert.Equal(t, 140, *outcome.BankTransactions)
	assert.Equal(t, 140, store.insertedTx)
	assert.Equal(t, 2, maxPage)
}

func TestSageSyncReportsUnsupported(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	// An expired token with a refresh_token would normally trigger a live
	// refresh; sage must fail before any token work happens.
	store.conn = connectionFixture(t, cipher, "sage", "", map[string]interface{}{
		"access_token":  "at-stale",
		"refresh_token": "rt-stale",
		"expires_at":    time.Now().Add(-time.Hour).Unix(),
	})
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "sage"})
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Outcome)
	assert.Equal(t, "sage", outcome.Provider)
	assert.Equal(t, "unsupported_provider", outcome.Reason)
	assert.NotEmpty(t, outcome.Message)
	assert.Zero(t, calls)
	assert.Empty(t, store.savedTokens)
}

func TestSageSyncUnsupportedWithoutConnection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "sage"})
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Outcome)
	assert.Equal(t, "unsupported_provider", outcome.Reason)
	assert.Zero(t, calls)
}

func TestXeroMissingTenantFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/connections", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Outcome)
	assert.Equal(t, "missing_tenant_id", outcome.Reason)
}

func TestXeroResolvedTenantIsPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/connections":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"tenantId": "org-9", "tenantName": "Acme Ltd"},
				{"tenantId": "org-10", "tenantName": "Other Ltd"},
			})
		default:
			assert.Equal(t, "org-9", r.Header.Get("xero-tenant-id"))
			json.NewEncoder(w).Encode(map[string]interface{}{"BankTransactions": []map[string]interface{}{}})
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	assert.Equal(t, "org-9", store.tenantID)
	require.NotNil(t, store.tenantName)
	assert.Equal(t, "Acme Ltd", *store.tenantName)
}

func TestExpiredTokenRefreshedAndPersistedBeforeFetch(t *testing.T) {
	var refreshed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
			refreshed = true
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "at-new",
				"expires_in":   1800,
			})
		default:
			assert.True(t, refreshed, "data fetched before token refresh")
			assert.Equal(t, "Bearer at-new", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]interface{}{"BankTransactions": []map[string]interface{}{}})
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "org-1", map[string]interface{}{
		"access_token":  "at-old",
		"refresh_token": "rt-old",
		"expires_at":    time.Now().Add(-time.Minute).Unix(),
	})
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)

	require.Len(t, store.savedTokens, 1)
	var saved provider.Token
	require.NoError(t, cipher.DecryptJSON(store.savedTokens[0], &saved))
	assert.Equal(t, "at-new", saved.AccessToken())
	// The input refresh token is re-attached when the response omits one.
	assert.Equal(t, "rt-old", saved.RefreshToken())
	assert.Greater(t, saved.ExpiresAt(), time.Now().Unix())
}

func TestDuplicateBatchConflictIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"BankTransactions": []map[string]interface{}{
			{"BankTransactionID": "tx-1"},
		}})
	}))
	defer srv.Close()

	store := newFakeStore()
	store.insertTxErr = fmt.Errorf("insert bank transactions: %w", syncer.ErrDuplicate)
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "org-1", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	outcome, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Outcome)
	require.NotNil(t, outcome.BankTransactions)
	assert.Equal(t, 1, *outcome.BankTransactions)
}

func TestNonDuplicatePersistenceErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"BankTransactions": []map[string]interface{}{
			{"BankTransactionID": "tx-1"},
		}})
	}))
	defer srv.Close()

	store := newFakeStore()
	store.insertTxErr = fmt.Errorf("insert bank transactions: connection reset")
	cipher := newTestCipher(t)
	store.conn = connectionFixture(t, cipher, "xero", "org-1", liveToken())
	o := newOrchestrator(store, cipher, srv.URL)

	_, err := o.Run(context.Background(), passStep{}, syncer.Request{BusinessProfileID: "bp-1", Provider: "xero"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

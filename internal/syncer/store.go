package syncer

import (
	"context"
	"errors"

	"github.com/openledgerhq/ledgersync/internal/models"
)

// ErrDuplicate is returned (possibly wrapped) by Store batch inserts when the
// batch hit a unique-constraint violation. The orchestrator treats it as a
// benign race with a concurrent sync; any other persistence error propagates.
var ErrDuplicate = errors.New("duplicate record")

// Store is the persistence surface the orchestrator and runtime depend on.
// The production implementation lives in internal/database.
type Store interface {
	// Connection returns the credential for (business, provider), or nil when
	// the business never connected.
	Connection(ctx context.Context, businessProfileID, provider string) (*models.AccountingConnection, error)

	// SaveToken overwrites the stored encrypted token for a connection.
	SaveToken(ctx context.Context, businessProfileID, provider, tokenEncrypted string) error

	// SaveTenant records resolved tenant identity on a connection.
	SaveTenant(ctx context.Context, businessProfileID, provider, tenantID string, tenantName *string) error

	ExistingTransactionIDs(ctx context.Context, businessProfileID, provider string) (map[string]struct{}, error)
	ExistingInvoiceIDs(ctx context.Context, businessProfileID, provider string) (map[string]struct{}, error)

	InsertBankTransactions(ctx context.Context, records []models.BankTransaction) error
	InsertInvoices(ctx context.Context, records []models.Invoice) error

	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	UpdateSyncRun(ctx context.Context, runID, status string, errText *string) error
}

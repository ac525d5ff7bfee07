package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

// Store is the GORM-backed persistence layer for the sync engine.
type Store struct {
	db *gorm.DB
}

var _ syncer.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Connection(ctx context.Context, businessProfileID, provider string) (*models.AccountingConnection, error) {
	var conn models.AccountingConnection
	err := s.db.WithContext(ctx).
		Where("business_profile_id = ? AND provider = ?", businessProfileID, provider).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	return &conn, nil
}

func (s *Store) SaveToken(ctx context.Context, businessProfileID, provider, tokenEncrypted string) error {
	err := s.db.WithContext(ctx).
		Model(&models.AccountingConnection{}).
		Where("business_profile_id = ? AND provider = ?", businessProfileID, provider).
		Updates(map[string]interface{}{
			"token_encrypted": tokenEncrypted,
			"updated_at":      time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) SaveTenant(ctx context.Context, businessProfileID, provider, tenantID string, tenantName *string) error {
	patch := map[string]interface{}{
		"tenant_id":  tenantID,
		"updated_at": time.Now().UTC(),
	}
	if tenantName != nil {
		patch["tenant_name"] = *tenantName
	}
	err := s.db.WithContext(ctx).
		Model(&models.AccountingConnection{}).
		Where("business_profile_id = ? AND provider = ?", businessProfileID, provider).
		Updates(patch).Error
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (s *Store) ExistingTransactionIDs(ctx context.Context, businessProfileID, provider string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.BankTransaction{}).
		Where("business_profile_id = ? AND provider = ?", businessProfileID, provider).
		Pluck("provider_transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load existing transaction ids: %w", err)
	}
	return idSet(ids), nil
}

func (s *Store) ExistingInvoiceIDs(ctx context.Context, businessProfileID, provider string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("business_profile_id = ? AND provider = ?", businessProfileID, provider).
		Pluck("provider_invoice_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load existing invoice ids: %w", err)
	}
	return idSet(ids), nil
}

func (s *Store) InsertBankTransactions(ctx context.Context, records []models.BankTransaction) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Create(&records).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("insert bank transactions: %w", syncer.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert bank transactions: %w", err)
	}
	return nil
}

func (s *Store) InsertInvoices(ctx context.Context, records []models.Invoice) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Create(&records).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("insert invoices: %w", syncer.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert invoices: %w", err)
	}
	return nil
}

func (s *Store) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

func (s *Store) UpdateSyncRun(ctx context.Context, runID, status string, errText *string) error {
	patch := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if errText != nil {
		patch["error"] = *errText
	}
	err := s.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", runID).
		Updates(patch).Error
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	return nil
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

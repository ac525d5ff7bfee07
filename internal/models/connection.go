package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Supported accounting providers. Sage is accepted everywhere but its sync
// always reports an unsupported-provider outcome.
const (
	ProviderXero       = "xero"
	ProviderQuickBooks = "quickbooks"
	ProviderSage       = "sage"
	ProviderFreeAgent  = "free_agent"
)

// KnownProvider reports whether name is one of the four supported providers.
func KnownProvider(name string) bool {
	switch name {
	case ProviderXero, ProviderQuickBooks, ProviderSage, ProviderFreeAgent:
		return true
	}
	return false
}

// AccountingConnection holds one OAuth credential per (business, provider)
type AccountingConnection struct {
	ID                string                 `json:"id" gorm:"primaryKey;size:36"`
	BusinessProfileID string                 `json:"business_profile_id" gorm:"not null;size:64;uniqueIndex:uq_accounting_connection_bp_provider,priority:1"`
	UserID            string                 `json:"user_id" gorm:"not null;size:64"`
	Provider          string                 `json:"provider" gorm:"not null;size:32;uniqueIndex:uq_accounting_connection_bp_provider,priority:2"`
	TokenEncrypted    string                 `json:"-" gorm:"not null;type:text"`
	TenantID          *string                `json:"tenant_id" gorm:"size:128"`
	TenantName        *string                `json:"tenant_name" gorm:"size:256"`
	Metadata          map[string]interface{} `json:"metadata" gorm:"-"`
	MetadataRaw       datatypes.JSON         `json:"-" gorm:"column:metadata"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// TableName specifies the table name for AccountingConnection
func (AccountingConnection) TableName() string {
	return "accounting_connections"
}

// BeforeSave marshals the Metadata map to JSON before saving (GORM hook)
func (c *AccountingConnection) BeforeSave(tx *gorm.DB) error {
	if c.Metadata != nil {
		raw, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		c.MetadataRaw = datatypes.JSON(raw)
	}
	return nil
}

// AfterFind unmarshals the Metadata JSON after loading (GORM hook)
func (c *AccountingConnection) AfterFind(tx *gorm.DB) error {
	if len(c.MetadataRaw) > 0 {
		return json.Unmarshal(c.MetadataRaw, &c.Metadata)
	}
	return nil
}

// OAuthState is a single-use CSRF state for a provider authorization flow
type OAuthState struct {
	State     string         `json:"state" gorm:"primaryKey;size:128"`
	Provider  string         `json:"provider" gorm:"not null;size:32"`
	Payload   datatypes.JSON `json:"payload" gorm:"not null"`
	ExpiresAt time.Time      `json:"expires_at" gorm:"not null"`
	CreatedAt time.Time      `json:"created_at"`
}

// TableName specifies the table name for OAuthState
func (OAuthState) TableName() string {
	return "oauth_states"
}

// OAuthStatePayload is the context carried from authorize-url to exchange
type OAuthStatePayload struct {
	BusinessProfileID string `json:"business_profile_id"`
	UserID            string `json:"user_id"`
	ReferrerURL       string `json:"referrer_url"`
}

// SyncRun is the audit record for one dispatched sync
type SyncRun struct {
	ID                string    `json:"id" gorm:"primaryKey;size:36"`
	BusinessProfileID string    `json:"business_profile_id" gorm:"not null;size:64;index"`
	UserID            string    `json:"user_id" gorm:"not null;size:64"`
	Provider          string    `json:"provider" gorm:"not null;size:32"`
	Status            string    `json:"status" gorm:"not null;size:32;default:queued"`
	ExternalRunID     *string   `json:"external_run_id" gorm:"size:64"`
	Error             *string   `json:"error" gorm:"type:text"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName specifies the table name for SyncRun
func (SyncRun) TableName() string {
	return "sync_runs"
}

// SyncRun statuses
const (
	SyncRunQueued  = "queued"
	SyncRunRunning = "running"
	SyncRunOK      = "ok"
	SyncRunFailed  = "failed"
)

package models

import (
	"time"

	"gorm.io/datatypes"
)

// BankTransaction is a normalized bank transaction pulled from a provider.
// Rows are append-only: resyncs insert unseen provider ids and never update
// existing ones.
type BankTransaction struct {
	ID                    string         `json:"id" gorm:"primaryKey;size:36"`
	BusinessProfileID     string         `json:"business_profile_id" gorm:"not null;size:64;uniqueIndex:uq_bank_tx_provider_id,priority:1"`
	Provider              string         `json:"provider" gorm:"not null;size:32;uniqueIndex:uq_bank_tx_provider_id,priority:2"`
	ProviderTransactionID string         `json:"provider_transaction_id" gorm:"not null;size:128;uniqueIndex:uq_bank_tx_provider_id,priority:3"`
	TransactionDate       *string        `json:"transaction_date" gorm:"size:32"`
	Amount                *float64       `json:"amount"`
	Currency              *string        `json:"currency" gorm:"size:16"`
	Description           *string        `json:"description" gorm:"size:512"`
	Raw                   datatypes.JSON `json:"raw"`
	CreatedAt             time.Time      `json:"created_at"`
}

// TableName specifies the table name for BankTransaction
func (BankTransaction) TableName() string {
	return "bank_transactions"
}

// Invoice is a normalized bill/invoice pulled from a provider. Dates are kept
// in the provider's native string form; parsing is left to consumers.
type Invoice struct {
	ID                string         `json:"id" gorm:"primaryKey;size:36"`
	BusinessProfileID string         `json:"business_profile_id" gorm:"not null;size:64;uniqueIndex:uq_invoice_provider_id,priority:1"`
	Provider          string         `json:"provider" gorm:"not null;size:32;uniqueIndex:uq_invoice_provider_id,priority:2"`
	ProviderInvoiceID string         `json:"provider_invoice_id" gorm:"not null;size:256;uniqueIndex:uq_invoice_provider_id,priority:3"`
	InvoiceType       *string        `json:"invoice_type" gorm:"size:32"`
	Status            *string        `json:"status" gorm:"size:64"`
	InvoiceDate       *string        `json:"invoice_date" gorm:"size:32"`
	DueDate           *string        `json:"due_date" gorm:"size:32"`
	Total             *float64       `json:"total"`
	Currency          *string        `json:"currency" gorm:"size:16"`
	Reference         *string        `json:"reference" gorm:"size:256"`
	ContactID         *string        `json:"contact_id" gorm:"size:256"`
	ContactName       *string        `json:"contact_name" gorm:"size:256"`
	Raw               datatypes.JSON `json:"raw"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TableName specifies the table name for Invoice
func (Invoice) TableName() string {
	return "invoices"
}

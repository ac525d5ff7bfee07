package syncer

import (
	"encoding/json"
	"strconv"
	"strings"

	"gorm.io/datatypes"

	"github.com/openledgerhq/ledgersync/internal/models"
)

// Record types accepted on sync triggers.
const (
	TypeBankTransactions = "bank-transactions"
	TypeInvoices         = "invoices"
)

// NormalizeSyncTypes maps requested record types onto the supported set.
// "bills" is a legacy alias for "invoices"; unknown values are dropped; an
// empty request defaults to bank transactions. Output order is fixed so
// callers sync deterministically.
func NormalizeSyncTypes(raw []string) []string {
	want := map[string]bool{}
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "bills" {
			t = TypeInvoices
		}
		if t == TypeBankTransactions || t == TypeInvoices {
			want[t] = true
		}
	}
	if len(want) == 0 {
		want[TypeBankTransactions] = true
	}
	out := make([]string, 0, 2)
	if want[TypeBankTransactions] {
		out = append(out, TypeBankTransactions)
	}
	if want[TypeInvoices] {
		out = append(out, TypeInvoices)
	}
	return out
}

// ValidSyncType reports whether a raw requested type is acceptable on a
// trigger, before aliasing.
func ValidSyncType(t string) bool {
	return t == TypeBankTransactions || t == TypeInvoices || t == "bills"
}

// ToFloat coerces a JSON value to a float, returning nil on anything that
// does not parse. Provider payloads mix numbers and numeric strings freely.
func ToFloat(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return &f
		}
	}
	return nil
}

// xero exposes bills as Invoices with an accounts-payable type.
var xeroBillTypes = map[string]bool{"ACCPAY": true, "ACCPAYCREDIT": true}

// FilterXeroBills keeps only the invoice items that represent bills.
func FilterXeroBills(items []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if xeroBillTypes[str(it["Type"])] {
			out = append(out, it)
		}
	}
	return out
}

// MapBankTransaction maps one raw provider item to the unified record shape.
// It returns false when the item has no usable provider id. The caller fills
// in ID, BusinessProfileID and Provider.
func MapBankTransaction(providerName string, item map[string]interface{}) (*models.BankTransaction, bool) {
	switch providerName {
	case models.ProviderXero:
		id := str(item["BankTransactionID"])
		if id == "" {
			return nil, false
		}
		return &models.BankTransaction{
			ProviderTransactionID: id,
			TransactionDate:       strOrNil(str(item["Date"])),
			Amount:                ToFloat(item["Total"]),
			Currency:              strOrNil(str(item["CurrencyCode"])),
			Description:           strOrNil(str(item["Reference"])),
			Raw:                   rawPayload(item),
		}, true
	case models.ProviderQuickBooks:
		id := str(item["Id"])
		if id == "" {
			return nil, false
		}
		currencyRef, _ := item["CurrencyRef"].(map[string]interface{})
		return &models.BankTransaction{
			ProviderTransactionID: id,
			TransactionDate:       strOrNil(str(item["TxnDate"])),
			Amount:                ToFloat(item["TotalAmt"]),
			Currency:              strOrNil(firstStr(currencyRef, "value", "name")),
			Description:           strOrNil(firstStr(item, "PrivateNote", "PaymentType", "DocNumber")),
			Raw:                   rawPayload(item),
		}, true
	case models.ProviderFreeAgent:
		// FreeAgent resources are identified by their URL; numeric ids only
		// appear on some payloads.
		id := firstStr(item, "url", "id")
		if id == "" {
			return nil, false
		}
		amount := ToFloat(item["gross_value"])
		if amount == nil {
			amount = ToFloat(item["amount"])
		}
		return &models.BankTransaction{
			ProviderTransactionID: id,
			TransactionDate:       strOrNil(firstStr(item, "dated_on", "date")),
			Amount:                amount,
			Currency:              strOrNil(str(item["currency"])),
			Description:           strOrNil(firstStr(item, "description", "explanation", "bank_account")),
			Raw:                   rawPayload(item),
		}, true
	}
	return nil, false
}

// MapInvoice maps one raw provider bill/invoice to the unified record shape.
func MapInvoice(providerName string, item map[string]interface{}) (*models.Invoice, bool) {
	switch providerName {
	case models.ProviderXero:
		id := str(item["InvoiceID"])
		if id == "" {
			return nil, false
		}
		contact, _ := item["Contact"].(map[string]interface{})
		return &models.Invoice{
			ProviderInvoiceID: id,
			InvoiceType:       strOrNil(str(item["Type"])),
			Status:            strOrNil(str(item["Status"])),
			InvoiceDate:       strOrNil(firstStr(item, "DateString", "Date")),
			DueDate:           strOrNil(firstStr(item, "DueDateString", "DueDate")),
			Total:             ToFloat(item["Total"]),
			Currency:          strOrNil(str(item["CurrencyCode"])),
			Reference:         strOrNil(firstStr(item, "InvoiceNumber", "Reference")),
			ContactID:         strOrNil(firstStr(contact, "ContactID")),
			ContactName:       strOrNil(firstStr(contact, "Name")),
			Raw:               rawPayload(item),
		}, true
	case models.ProviderQuickBooks:
		id := str(item["Id"])
		if id == "" {
			return nil, false
		}
		vendorRef, _ := item["VendorRef"].(map[string]interface{})
		currencyRef, _ := item["CurrencyRef"].(map[string]interface{})
		status := "OPEN"
		if balance := ToFloat(item["Balance"]); balance != nil && *balance == 0 {
			status = "PAID"
		}
		return &models.Invoice{
			ProviderInvoiceID: id,
			InvoiceType:       strOrNil("bill"),
			Status:            &status,
			InvoiceDate:       strOrNil(str(item["TxnDate"])),
			DueDate:           strOrNil(str(item["DueDate"])),
			Total:             ToFloat(item["TotalAmt"]),
			Currency:          strOrNil(firstStr(currencyRef, "value")),
			Reference:         strOrNil(firstStr(item, "DocNumber", "PrivateNote")),
			ContactID:         strOrNil(firstStr(vendorRef, "value")),
			ContactName:       strOrNil(firstStr(vendorRef, "name")),
			Raw:               rawPayload(item),
		}, true
	case models.ProviderFreeAgent:
		id := firstStr(item, "url", "id")
		if id == "" {
			return nil, false
		}
		return &models.Invoice{
			ProviderInvoiceID: id,
			InvoiceType:       strOrNil("bill"),
			Status:            strOrNil(str(item["status"])),
			InvoiceDate:       strOrNil(str(item["dated_on"])),
			DueDate:           strOrNil(str(item["due_on"])),
			Total:             ToFloat(item["total_value"]),
			Currency:          strOrNil(str(item["currency"])),
			Reference:         strOrNil(str(item["reference"])),
			ContactID:         strOrNil(str(item["contact"])),
			ContactName:       strOrNil(str(item["contact_name"])),
			Raw:               rawPayload(item),
		}, true
	}
	return nil, false
}

func rawPayload(item map[string]interface{}) datatypes.JSON {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// str renders a JSON scalar as a string, "" for nil or composite values.
func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstStr(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

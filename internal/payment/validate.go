// payment-core/internal/payment/validate.go
package payment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	errs "github.com/example/payment-core/pkg/errors"
)

const DefaultCurrency = "USD"

// MetadataDestinationAccount holds a caller supplied transfer destination.
const MetadataDestinationAccount = "destination_account"

// LineItemsTotal sums quantity x unit price, rejecting overflow.
func LineItemsTotal(items []LineItemInput) (int64, error) {
	var total int64
	for i, it := range items {
		if it.Quantity <= 0 {
			return 0, errs.Validation("invalid_quantity", fmt.Sprintf("line item %d: quantity must be > 0", i))
		}
		if it.UnitPriceCents < 0 {
			return 0, errs.Validation("invalid_unit_price", fmt.Sprintf("line item %d: unit price must be >= 0", i))
		}
		if it.UnitPriceCents > 0 && it.Quantity > math.MaxInt64/it.UnitPriceCents {
			return 0, errs.Validation("amount_overflow", fmt.Sprintf("line item %d: total overflows", i))
		}
		line := it.Quantity * it.UnitPriceCents
		if total > math.MaxInt64-line {
			return 0, errs.Validation("amount_overflow", "line items total overflows")
		}
		total += line
	}
	return total, nil
}

// ValidateCreate normalizes the input and checks every creation rule.
func ValidateCreate(in CreateInput) (CreateInput, error) {
	in.IncidentID = strings.TrimSpace(in.IncidentID)
	in.VendorID = strings.TrimSpace(in.VendorID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}

	switch {
	case in.IncidentID == "":
		return in, errs.Validation("missing_incident", "incidentId is required")
	case in.VendorID == "":
		return in, errs.Validation("missing_vendor", "vendorId is required")
	case !in.PayerType.Valid():
		return in, errs.Validation("invalid_payer_type", fmt.Sprintf("payerType must be back_office or driver_ic, got %q", in.PayerType))
	case !isCurrencyCode(in.Currency):
		return in, errs.Validation("invalid_currency", fmt.Sprintf("currency must be a 3-letter code, got %q", in.Currency))
	case in.AmountCents < 0:
		return in, errs.Validation("invalid_amount", "amountCents must be >= 0")
	case len(in.LineItems) == 0:
		return in, errs.Validation("missing_line_items", "at least one line item is required")
	}
	for i, it := range in.LineItems {
		if strings.TrimSpace(it.Description) == "" {
			return in, errs.Validation("invalid_description", fmt.Sprintf("line item %d: description is required", i))
		}
	}

	total, err := LineItemsTotal(in.LineItems)
	if err != nil {
		return in, err
	}
	if total != in.AmountCents {
		return in, errs.Validation("amount_mismatch",
			fmt.Sprintf("amountCents %d does not equal line items total %d", in.AmountCents, total)).
			With("amount_cents", in.AmountCents).
			With("line_items_total", total)
	}
	return in, nil
}

// NewPayment builds a pending payment, its line items and the created audit entry.
func NewPayment(in CreateInput, actor Actor, now time.Time) (*Payment, AuditLogEntry, error) {
	in, err := ValidateCreate(in)
	if err != nil {
		return nil, AuditLogEntry{}, err
	}

	p := &Payment{
		ID:          uuid.New(),
		IncidentID:  in.IncidentID,
		VendorID:    in.VendorID,
		PayerType:   in.PayerType,
		PayerID:     cloneStr(in.PayerID),
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
		Status:      StatusPendingApproval,
		FraudStatus: FraudUnscored,
		Metadata:    map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for k, v := range in.Metadata {
		p.Metadata[k] = v
	}
	if in.DestinationAccount != "" {
		p.Metadata[MetadataDestinationAccount] = in.DestinationAccount
	}
	for _, it := range in.LineItems {
		p.LineItems = append(p.LineItems, LineItem{
			ID:             uuid.New(),
			PaymentID:      p.ID,
			Description:    strings.TrimSpace(it.Description),
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			TotalCents:     it.Quantity * it.UnitPriceCents,
		})
	}

	entry := NewAuditEntry(p.ID, AuditCreated, actor, nil, &p.Status, "", now)
	return p, entry, nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

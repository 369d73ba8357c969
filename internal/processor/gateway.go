// payment-core/internal/processor/gateway.go
package processor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/payment-core/internal/payment"
)

type ChargeRequest struct {
	PaymentID      uuid.UUID
	AmountCents    int64
	Currency       string
	CustomerID     string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type TransferRequest struct {
	PaymentID      uuid.UUID
	AmountCents    int64
	Currency       string
	Destination    string
	Group          string
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundRequest struct {
	ExternalID     string
	AmountCents    *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	ExternalID        string
	Status            payment.ProcessorStatus
	RequiresAction    bool
	ClientActionToken string
	FailureMessage    string
}

type TransferResult struct {
	ExternalID string
	Status     payment.ProcessorStatus
}

type RefundResult struct {
	ExternalID string
	Status     string
}

// Gateway is one processor API. Errors come back already classified into
// pkg/errors kinds: PaymentFailed and Validation are permanent, code
// processor_transient is worth retrying.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// ClientHolder caches the gateway handle and rebuilds it when the API key
// rotates.
type ClientHolder struct {
	factory func(apiKey string) Gateway

	mu     sync.RWMutex
	apiKey string
	gw     Gateway
}

func NewClientHolder(apiKey string, factory func(apiKey string) Gateway) *ClientHolder {
	return &ClientHolder{apiKey: apiKey, factory: factory}
}

func (h *ClientHolder) Gateway() Gateway {
	h.mu.RLock()
	gw := h.gw
	h.mu.RUnlock()
	if gw != nil {
		return gw
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gw == nil {
		h.gw = h.factory(h.apiKey)
	}
	return h.gw
}

// Rotate swaps the key. Calls already holding the old gateway finish on it.
func (h *ClientHolder) Rotate(apiKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.apiKey = apiKey
	h.gw = h.factory(apiKey)
}

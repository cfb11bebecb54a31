// Package lightning abstracts the Lightning invoice backend used for
// credit purchases. Implementations are selected at startup; the noop
// provider keeps development meshes working without a node.
package lightning

import (
	"context"
	"time"
)

// Invoice is a created payment request.
type Invoice struct {
	InvoiceRef  string `json:"invoiceRef"`  // BOLT11 payment request
	PaymentHash string `json:"paymentHash"` // lowercase hex
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Settlement is the outcome of a settlement check.
type Settlement struct {
	Settled bool   `json:"settled"`
	TxRef   string `json:"txRef,omitempty"`
}

type Provider interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string, expiresIn time.Duration) (Invoice, error)
	CheckSettlement(ctx context.Context, invoiceRef string) (Settlement, error)
	HealthCheck(ctx context.Context) error
}

// Package anchor binds ledger checkpoint hashes to an external
// timestamping facility through OP_RETURN transactions.
package anchor

import "context"

// Broadcast is the result of submitting an OP_RETURN transaction.
type Broadcast struct {
	TxID string
}

// Confirmation is the provider's view of a submitted transaction.
type Confirmation struct {
	Confirmed     bool
	Confirmations int64
	BlockHeight   int64
}

// Provider is the pluggable anchoring backend. Confirmation depth is
// owned by the provider; the coordinator only records what it reports.
type Provider interface {
	BroadcastOpReturn(ctx context.Context, dataHex string) (Broadcast, error)
	GetConfirmations(ctx context.Context, txid string) (Confirmation, error)
	HealthCheck(ctx context.Context) error
}
